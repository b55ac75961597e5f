// ABOUTME: Entry point for coven-relay, the OneBot group chat relay
// ABOUTME: Provides serve, check, init, health and token subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/policy"
	"github.com/2389/coven-relay/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// loadConfig loads the config file, or the environment alone when no file
// exists at the default location. An explicit COVEN_RELAY_CONFIG must exist.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if os.Getenv("COVEN_RELAY_CONFIG") == "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the relay")
		fmt.Println("  check                       Validate config and show the resolved setup")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  health                      Check relay health")
		fmt.Println("  token [--subject S] [--ttl D]  Issue an admin API token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check":
		err = runCheck()
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Println("Config:    (environment only)")
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("Webhook:   %s%s\n", cfg.Server.HTTPAddr, cfg.Server.WebhookPath)
	green.Print("    ▶ ")
	fmt.Printf("Groups:    %v\n", cfg.Dispatch.TargetGroups)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Providers.Default)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API is unauthenticated (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"webhook_path", cfg.Server.WebhookPath,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return srv.Run(ctx)
}

// runCheck validates the configuration the same way serve does, without
// listening, and prints what the relay would use.
func runCheck() error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry := server.BuildProviders(cfg.Providers, quiet)
	resolver := policy.New(cfg.Policy.DefaultPrompt, cfg.Providers.Default, quiet)
	resolver.Load(cfg.Policy.Path, cfg.Policy.Inline)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	if configPath == "" {
		configPath = "(environment only)"
	}
	fmt.Printf("Config:     %s\n", configPath)
	fmt.Printf("Groups:     %v\n", cfg.Dispatch.TargetGroups)
	fmt.Printf("Require @:  %t\n", cfg.Dispatch.RequireAt)
	fmt.Printf("Cooldown:   %s\n", cfg.Dispatch.Cooldown)
	fmt.Printf("Providers:  %s\n", strings.Join(registry.Names(), ", "))
	fmt.Printf("Default:    %s\n", resolver.DefaultProvider)

	entries := resolver.Entries()
	if len(entries) > 0 {
		cyan.Println("Group policy:")
		for id, e := range entries {
			fmt.Printf("  %s  provider=%q prompt=%q\n", id, e.Provider, e.Prompt)
		}
	}

	referenced := append(resolver.Providers(), resolver.DefaultProvider)
	if missing := registry.Missing(referenced...); len(missing) > 0 {
		red.Printf("✗ providers referenced but not configured: %s\n", strings.Join(missing, ", "))
		return errors.New("configuration check failed")
	}

	green.Println("✓ configuration OK")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex // shared by handlers derived via WithAttrs/WithGroup
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", healthAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// healthAddr turns a wildcard listen address into one a client can dial.
func healthAddr(listen string) string {
	if rest, ok := strings.CutPrefix(listen, "0.0.0.0:"); ok {
		return "127.0.0.1:" + rest
	}
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

// runToken issues an admin API token signed with auth.jwt_secret.
// Supports both "--flag value" and "--flag=value" formats.
func runToken(args []string) error {
	subject := ""
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--subject", "-s", "--ttl":
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		if name == "--ttl" {
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid --ttl %q", value)
			}
			ttl = d
		} else {
			subject = strings.TrimSpace(value)
		}
	}
	if subject == "" {
		subject = "admin-" + uuid.New().String()
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (COVEN_JWT_SECRET) is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "subject %s, expires %s\n", subject, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:8080")

	fmt.Println("\n--- OneBot gateway ---")
	baseURL := prompt(reader, "Gateway base URL", "http://127.0.0.1:3000")
	groupID := prompt(reader, "Target group id", "")
	requireAt := isYes(prompt(reader, "Require @mention?", "yes"))

	fmt.Println("\n--- Provider ---")
	providerName := strings.ToLower(prompt(reader, "Default provider (deepseek/grok)", "deepseek"))
	if providerName != "deepseek" && providerName != "grok" {
		return fmt.Errorf("unknown provider %q", providerName)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	keyVar := strings.ToUpper(providerName) + "_API_KEY"

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("  webhook_path: \"/onebot/event\"\n\n")

	cfg.WriteString("onebot:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	cfg.WriteString("  access_token: \"${ONEBOT_ACCESS_TOKEN}\"\n\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString(fmt.Sprintf("  target_groups: [%s]\n", groupID))
	cfg.WriteString(fmt.Sprintf("  require_at: %t\n", requireAt))
	cfg.WriteString("  cooldown: \"10s\"\n\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString(fmt.Sprintf("  default: %q\n", providerName))
	cfg.WriteString(fmt.Sprintf("  %s:\n", providerName))
	cfg.WriteString(fmt.Sprintf("    api_key: \"${%s}\"\n\n", keyVar))

	cfg.WriteString("conversation:\n")
	cfg.WriteString("  storage_path: \"./data/state.json\"\n")
	cfg.WriteString("  max_turns: 12\n\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Set %s in the environment, then start the relay:\n", keyVar)
	fmt.Println("  coven-relay check")
	fmt.Println("  coven-relay serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
