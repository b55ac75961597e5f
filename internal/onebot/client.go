// ABOUTME: Outbound OneBot v11 HTTP API client
// ABOUTME: Posts group messages and reports failures as a boolean after logging them

package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds each send_group_msg call.
const DefaultTimeout = 10 * time.Second

// sendRequest is the body of POST /send_group_msg.
type sendRequest struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

// Client calls the gateway's HTTP API.
type Client struct {
	baseURL     string
	accessToken string
	client      *http.Client
	logger      *slog.Logger
}

// NewClient creates a client for the gateway at baseURL. accessToken is sent
// as a bearer token when non-empty.
func NewClient(baseURL, accessToken string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With("component", "onebot"),
	}
}

// SendGroupMessage posts text to the group. It returns false when the
// request fails or the gateway answers with a non-200 status.
func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, text string) bool {
	body, err := json.Marshal(sendRequest{GroupID: groupID, Message: text})
	if err != nil {
		c.logger.Error("failed to encode send_group_msg", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send_group_msg", bytes.NewReader(body))
	if err != nil {
		c.logger.Error("failed to create send_group_msg request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("send_group_msg failed", "group_id", groupID, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("send_group_msg rejected", "group_id", groupID, "status", resp.StatusCode)
		return false
	}
	c.logger.Debug("sent group message", "group_id", groupID, "chars", len([]rune(text)))
	return true
}
