// ABOUTME: OpenAI-compatible chat completions client used for DeepSeek and Grok
// ABOUTME: Converts every transport, status and parse failure into a user-facing Reply

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

const (
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultTemperature is sent with every request.
	DefaultTemperature = 0.7

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 10 * 1024 * 1024
)

// Config describes one OpenAI-compatible backend.
type Config struct {
	Name        string
	BaseURL     string
	Path        string // appended to BaseURL, e.g. "/v1/chat/completions"
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration

	// MaxAttempts is the total number of tries for retryable failures.
	// Values below 2 disable retries.
	MaxAttempts int

	// RetryBaseDelay is the wait before the second attempt; it doubles on
	// each further attempt.
	RetryBaseDelay time.Duration

	// TimeoutNotice is returned when an attempt times out. Empty means
	// NoticeNetwork.
	TimeoutNotice string
}

// DeepSeekConfig returns the DeepSeek flavour: three attempts with 1s/2s backoff.
func DeepSeekConfig(apiKey, baseURL, model string) Config {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	if model == "" {
		model = "deepseek-chat"
	}
	return Config{
		Name:           "deepseek",
		BaseURL:        baseURL,
		Path:           "/v1/chat/completions",
		APIKey:         apiKey,
		Model:          model,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
	}
}

// GrokConfig returns the Grok flavour: a single attempt.
func GrokConfig(apiKey, baseURL, model string) Config {
	if baseURL == "" {
		baseURL = "https://api.x.ai/v1"
	}
	if model == "" {
		model = "grok-2-latest"
	}
	return Config{
		Name:          "grok",
		BaseURL:       baseURL,
		Path:          "/chat/completions",
		APIKey:        apiKey,
		Model:         model,
		MaxAttempts:   1,
		TimeoutNotice: NoticeTimeout,
	}
}

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	cfg        Config
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for the backend described by cfg.
func NewOpenAIClient(cfg Config, logger *slog.Logger) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.TimeoutNotice == "" {
		cfg.TimeoutNotice = NoticeNetwork
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		cfg: cfg,
		url: strings.TrimSuffix(cfg.BaseURL, "/") + cfg.Path,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "provider", "provider", cfg.Name),
	}
}

// Name returns the provider name used in group policy.
func (c *OpenAIClient) Name() string { return c.cfg.Name }

// Model returns the model identifier sent with each request.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []conversation.Message `json:"messages"`
	Temperature float64                `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// attemptError classifies a failed attempt.
type attemptError struct {
	notice    string
	retryable bool
	err       error
}

func (e *attemptError) Error() string { return e.err.Error() }

// Chat sends messages and returns the model's reply, retrying transient
// failures up to MaxAttempts times.
func (c *OpenAIClient) Chat(ctx context.Context, messages []conversation.Message) Reply {
	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Error("failed to encode chat request", "error", err)
		return Reply{Text: NoticeBadResponse}
	}

	var last *attemptError
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				c.logger.Warn("chat canceled during backoff", "attempt", attempt, "error", ctx.Err())
				return Reply{Text: last.notice}
			case <-time.After(delay):
			}
		}

		reply, aerr := c.do(ctx, payload)
		if aerr == nil {
			return reply
		}
		last = aerr
		c.logger.Warn("chat attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxAttempts,
			"retryable", aerr.retryable,
			"error", aerr.err,
		)
		if !aerr.retryable || ctx.Err() != nil {
			break
		}
	}
	return Reply{Text: last.notice}
}

// do performs one HTTP round trip.
func (c *OpenAIClient) do(ctx context.Context, payload []byte) (Reply, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, &attemptError{notice: NoticeNetwork, err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Reply{}, &attemptError{notice: c.cfg.TimeoutNotice, retryable: true, err: fmt.Errorf("request timed out: %w", err)}
		}
		return Reply{}, &attemptError{notice: NoticeNetwork, retryable: true, err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Reply{}, &attemptError{notice: NoticeNetwork, retryable: true, err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 300))
		if isRetryableStatus(resp.StatusCode) {
			return Reply{}, &attemptError{notice: NoticeUnavailable, retryable: true, err: statusErr}
		}
		return Reply{}, &attemptError{notice: NoticeUpstream, err: statusErr}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Reply{}, &attemptError{notice: NoticeBadResponse, err: fmt.Errorf("parsing response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return Reply{}, &attemptError{notice: NoticeNoChoices, err: fmt.Errorf("empty choices: %s", truncate(string(body), 300))}
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return Reply{}, &attemptError{notice: NoticeNoContent, err: errors.New("empty message content")}
	}

	reply := Reply{OK: true, Text: content}
	if parsed.Usage != nil {
		reply.Usage = Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
	}
	return reply, nil
}

// isRetryableStatus reports rate limiting and transient server errors.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
