// ABOUTME: Relay server that wires config into the store, policy, providers and dispatcher
// ABOUTME: Owns the HTTP listener (TCP or tsnet), policy watcher and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/onebot"
	"github.com/2389/coven-relay/internal/policy"
	"github.com/2389/coven-relay/internal/provider"
)

// shutdownTimeout bounds graceful shutdown after the run context ends.
const shutdownTimeout = 5 * time.Second

// Server runs the relay.
type Server struct {
	config     *config.Config
	store      *conversation.Store
	policy     *policy.Resolver
	providers  *provider.Registry
	dispatcher *dispatch.Dispatcher
	dedupe     *dedupe.Cache
	ledger     *ledger.Ledger // nil when the usage ledger is disabled
	verifier   auth.TokenVerifier

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	closeOnce   sync.Once
}

// New builds every relay component from cfg. Configuration problems, such
// as a group policy naming a provider without credentials, are returned as
// errors.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := conversation.New(cfg.Conversation.StoragePath, cfg.Conversation.MaxTurns, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing conversation store: %w", err)
	}

	resolver := policy.New(cfg.Policy.DefaultPrompt, cfg.Providers.Default, logger)
	resolver.Load(cfg.Policy.Path, cfg.Policy.Inline)

	providers := BuildProviders(cfg.Providers, logger)
	referenced := append(resolver.Providers(), resolver.DefaultProvider)
	if missing := providers.Missing(referenced...); len(missing) > 0 {
		return nil, fmt.Errorf("providers referenced but not configured: %v (configured: %v)", missing, providers.Names())
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	var usage *ledger.Ledger
	var recorder dispatch.Recorder
	if cfg.Ledger.Path != "" {
		usage, err = ledger.Open(cfg.Ledger.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening usage ledger: %w", err)
		}
		recorder = usage
	}

	sender := onebot.NewClient(cfg.OneBot.BaseURL, cfg.OneBot.AccessToken, cfg.OneBot.Timeout, logger)
	dispatcher := dispatch.New(dispatch.Options{
		TargetGroups:    cfg.Dispatch.TargetGroups,
		SelfID:          cfg.OneBot.SelfID,
		RequireAt:       cfg.Dispatch.RequireAt,
		TriggerPrefixes: cfg.Dispatch.TriggerPrefixes,
		Cooldown:        cfg.Dispatch.Cooldown,
		ChunkSize:       cfg.Reply.ChunkSize,
		PlainText:       cfg.Reply.PlainText,
	}, dispatch.Deps{
		Store:     store,
		Policy:    resolver,
		Providers: providers,
		Sender:    sender,
		Ledger:    recorder,
	}, logger)

	s := &Server{
		config:     cfg,
		store:      store,
		policy:     resolver,
		providers:  providers,
		dispatcher: dispatcher,
		dedupe:     dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
		ledger:     usage,
		verifier:   verifier,
		logger:     logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if verifier == nil {
		s.logger.Warn("admin API auth disabled - no jwt_secret configured")
	}
	if cfg.OneBot.Secret == "" {
		s.logger.Warn("webhook signature check disabled - no onebot.secret configured")
	}
	s.logger.Info("relay configured",
		"target_groups", cfg.Dispatch.TargetGroups,
		"require_at", cfg.Dispatch.RequireAt,
		"default_provider", resolver.DefaultProvider,
		"providers", providers.Names(),
		"ledger", usage != nil,
	)
	return s, nil
}

// BuildProviders registers an OpenAI-compatible client for every backend
// that has an API key.
func BuildProviders(cfg config.ProvidersConfig, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	if c := cfg.DeepSeek; c.APIKey != "" {
		pc := provider.DeepSeekConfig(c.APIKey, c.BaseURL, c.Model)
		applyProviderOverrides(&pc, c)
		registry.Register(provider.NewOpenAIClient(pc, logger))
	}
	if c := cfg.Grok; c.APIKey != "" {
		pc := provider.GrokConfig(c.APIKey, c.BaseURL, c.Model)
		applyProviderOverrides(&pc, c)
		registry.Register(provider.NewOpenAIClient(pc, logger))
	}
	return registry
}

func applyProviderOverrides(pc *provider.Config, c config.ProviderConfig) {
	if c.Timeout > 0 {
		pc.Timeout = c.Timeout
	}
	if c.MaxAttempts > 0 {
		pc.MaxAttempts = c.MaxAttempts
	}
	if c.RetryBaseDelay > 0 {
		pc.RetryBaseDelay = c.RetryBaseDelay
	}
}

// Run starts the listener and policy watcher and blocks until ctx is
// canceled or the HTTP server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		s.closeComponents()
		return err
	}

	s.startWatcher(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "webhook_path", s.config.Server.WebhookPath)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The run context is already done, so shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) startWatcher(ctx context.Context) {
	if !s.config.Policy.Watch {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go func() {
		defer close(s.watchDone)
		if err := s.policy.Watch(watchCtx); err != nil {
			s.logger.Warn("group config watcher stopped", "error", err)
		}
	}()
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.listenTailscale(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string, getenv func(string) string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// listenTailscale joins the tailnet and listens on :80 there, so the
// messaging gateway can reach the relay without a public port.
func (s *Server) listenTailscale(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey, os.Getenv)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, waits for in-flight deliveries and
// releases the watcher, dedupe cache, ledger and tailnet node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "ledger close", s.closeComponents())

	return errors.Join(errs...)
}

// closeComponents releases everything except the listeners. Safe to call twice.
func (s *Server) closeComponents() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watchCancel != nil {
			s.watchCancel()
			<-s.watchDone
		}
		s.dedupe.Close()
		if s.ledger != nil {
			err = s.ledger.Close()
		}
	})
	return err
}
