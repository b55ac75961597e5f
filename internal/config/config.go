// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	OneBot       OneBotConfig       `yaml:"onebot"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Policy       PolicyConfig       `yaml:"policy"`
	Conversation ConversationConfig `yaml:"conversation"`
	Reply        ReplyConfig        `yaml:"reply"`
	Dedupe       DedupeConfig       `yaml:"dedupe"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	WebhookPath string `yaml:"webhook_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// OneBotConfig holds the messaging gateway connection
type OneBotConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
	// Secret verifies X-Signature on inbound webhooks when set
	Secret string `yaml:"secret"`
	SelfID int64  `yaml:"self_id"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DispatchConfig controls which events get a reply
type DispatchConfig struct {
	TargetGroups []int64 `yaml:"target_groups"`
	RequireAt    bool    `yaml:"require_at"`
	// TriggerPrefixes are accepted in addition to "/ai"
	TriggerPrefixes []string `yaml:"trigger_prefixes"`

	Cooldown    time.Duration `yaml:"-"`
	CooldownRaw string        `yaml:"cooldown"`
}

// ProvidersConfig holds the language-model backends
type ProvidersConfig struct {
	Default  string         `yaml:"default"`
	DeepSeek ProviderConfig `yaml:"deepseek"`
	Grok     ProviderConfig `yaml:"grok"`
}

// ProviderConfig holds one OpenAI-compatible backend. A backend without an
// API key is not registered.
type ProviderConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	MaxAttempts int    `yaml:"max_attempts"`

	Timeout           time.Duration `yaml:"-"`
	RetryBaseDelay    time.Duration `yaml:"-"`
	TimeoutRaw        string        `yaml:"timeout"`
	RetryBaseDelayRaw string        `yaml:"retry_base_delay"`
}

// PolicyConfig locates the per-group prompt/provider overrides
type PolicyConfig struct {
	Path          string `yaml:"path"`
	Inline        string `yaml:"inline"`
	DefaultPrompt string `yaml:"default_prompt"`
	Watch         bool   `yaml:"watch"`
}

// ConversationConfig holds the context store settings
type ConversationConfig struct {
	StoragePath string `yaml:"storage_path"`
	MaxTurns    int    `yaml:"max_turns"`
}

// ReplyConfig shapes outbound messages
type ReplyConfig struct {
	ChunkSize int  `yaml:"chunk_size"`
	PlainText bool `yaml:"plain_text"`
}

// DedupeConfig bounds the re-delivery cache
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"-"`
	TTLRaw  string        `yaml:"ttl"`
}

// LedgerConfig enables the usage ledger when Path is set
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    "0.0.0.0:8080",
			WebhookPath: "/onebot/event",
		},
		Tailscale: TailscaleConfig{
			Hostname: "coven-relay",
		},
		OneBot: OneBotConfig{
			TimeoutRaw: "10s",
		},
		Dispatch: DispatchConfig{
			RequireAt:   true,
			CooldownRaw: "10s",
		},
		Providers: ProvidersConfig{
			Default: "deepseek",
			DeepSeek: ProviderConfig{
				BaseURL:           "https://api.deepseek.com",
				Model:             "deepseek-chat",
				MaxAttempts:       3,
				TimeoutRaw:        "30s",
				RetryBaseDelayRaw: "1s",
			},
			Grok: ProviderConfig{
				BaseURL:     "https://api.x.ai/v1",
				Model:       "grok-2-latest",
				MaxAttempts: 1,
				TimeoutRaw:  "30s",
			},
		},
		Conversation: ConversationConfig{
			StoragePath: "./data/state.json",
			MaxTurns:    12,
		},
		Reply: ReplyConfig{
			ChunkSize: 1500,
		},
		Dedupe: DedupeConfig{
			MaxSize: 10_000,
			TTLRaw:  "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// relay's environment overrides are applied. An empty path configures the
// process from defaults and the environment alone.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data), getenv)

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string, getenv func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return getenv(varName)
	})
}

// applyEnv applies the flat environment variables the relay has always
// accepted. Set variables win over file values.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}

	str("DEEPSEEK_API_KEY", &cfg.Providers.DeepSeek.APIKey)
	str("DEEPSEEK_BASE_URL", &cfg.Providers.DeepSeek.BaseURL)
	str("DEEPSEEK_MODEL", &cfg.Providers.DeepSeek.Model)
	str("GROK_API_KEY", &cfg.Providers.Grok.APIKey)
	str("GROK_BASE_URL", &cfg.Providers.Grok.BaseURL)
	str("GROK_MODEL", &cfg.Providers.Grok.Model)
	str("ONEBOT_BASE_URL", &cfg.OneBot.BaseURL)
	str("ONEBOT_ACCESS_TOKEN", &cfg.OneBot.AccessToken)
	str("ONEBOT_SECRET", &cfg.OneBot.Secret)
	str("STORAGE_PATH", &cfg.Conversation.StoragePath)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("GROUP_CONFIG_PATH", &cfg.Policy.Path)
	str("GROUP_CONFIG_JSON", &cfg.Policy.Inline)
	str("COVEN_JWT_SECRET", &cfg.Auth.JWTSecret)

	if v := strings.TrimSpace(getenv("LLM_PROVIDER")); v != "" {
		cfg.Providers.Default = strings.ToLower(v)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if v := strings.TrimSpace(getenv("SINGLE_GROUP_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SINGLE_GROUP_ID %q: %w", v, err)
		}
		cfg.Dispatch.TargetGroups = []int64{id}
	}
	if v := strings.TrimSpace(getenv("BOT_SELF_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BOT_SELF_ID %q: %w", v, err)
		}
		cfg.OneBot.SelfID = id
	}
	if v := strings.TrimSpace(getenv("REQUIRE_AT")); v != "" {
		cfg.Dispatch.RequireAt = parseBool(v)
	}
	if v := strings.TrimSpace(getenv("MAX_TURNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_TURNS %q: %w", v, err)
		}
		cfg.Conversation.MaxTurns = n
	}
	if v := strings.TrimSpace(getenv("RATE_LIMIT_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_SECONDS %q: %w", v, err)
		}
		cfg.Dispatch.Cooldown = time.Duration(n) * time.Second
		cfg.Dispatch.CooldownRaw = cfg.Dispatch.Cooldown.String()
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		cfg.Server.HTTPAddr = "0.0.0.0:" + v
	}
	return nil
}

// parseBool treats 1/true/yes/on (any case) as true and anything else as false.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ConfiguredProviders returns the names of providers that have an API key.
func (c *Config) ConfiguredProviders() []string {
	var names []string
	if c.Providers.DeepSeek.APIKey != "" {
		names = append(names, "deepseek")
	}
	if c.Providers.Grok.APIKey != "" {
		names = append(names, "grok")
	}
	return names
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path %q must start with /", c.Server.WebhookPath)
	}

	if c.OneBot.BaseURL == "" {
		return errors.New("onebot.base_url is required (ONEBOT_BASE_URL)")
	}
	if len(c.Dispatch.TargetGroups) == 0 {
		return errors.New("dispatch.target_groups needs at least one group (SINGLE_GROUP_ID)")
	}
	if c.Dispatch.Cooldown < 0 {
		return errors.New("dispatch.cooldown must not be negative")
	}

	c.Providers.Default = strings.ToLower(strings.TrimSpace(c.Providers.Default))
	if c.Providers.Default == "" {
		return errors.New("providers.default is required")
	}
	configured := false
	for _, name := range c.ConfiguredProviders() {
		if name == c.Providers.Default {
			configured = true
		}
	}
	if !configured {
		return fmt.Errorf("default provider %q has no api_key configured", c.Providers.Default)
	}

	if c.Conversation.StoragePath == "" {
		return errors.New("conversation.storage_path is required")
	}
	if c.Conversation.MaxTurns <= 0 {
		return errors.New("conversation.max_turns must be positive")
	}
	if c.Reply.ChunkSize <= 0 {
		return errors.New("reply.chunk_size must be positive")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"onebot.timeout", cfg.OneBot.TimeoutRaw, &cfg.OneBot.Timeout},
		{"dispatch.cooldown", cfg.Dispatch.CooldownRaw, &cfg.Dispatch.Cooldown},
		{"providers.deepseek.timeout", cfg.Providers.DeepSeek.TimeoutRaw, &cfg.Providers.DeepSeek.Timeout},
		{"providers.deepseek.retry_base_delay", cfg.Providers.DeepSeek.RetryBaseDelayRaw, &cfg.Providers.DeepSeek.RetryBaseDelay},
		{"providers.grok.timeout", cfg.Providers.Grok.TimeoutRaw, &cfg.Providers.Grok.Timeout},
		{"providers.grok.retry_base_delay", cfg.Providers.Grok.RetryBaseDelayRaw, &cfg.Providers.Grok.RetryBaseDelay},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
