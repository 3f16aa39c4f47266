package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/postforge/postforge/internal/capability"
	"github.com/postforge/postforge/internal/engine"
	"github.com/postforge/postforge/internal/logging"
	"github.com/postforge/postforge/internal/scheduler"
	"github.com/postforge/postforge/internal/secrets"
	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/internal/streaming"
	"github.com/postforge/postforge/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/postforge/
var version = "dev"

func main() {
	var err error
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println(version)
			return
		case "secret":
			err = runSecret(os.Args[2:])
		default:
			err = fmt.Errorf("unknown command %q", os.Args[1])
		}
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "postforge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if err := resolveSecrets(ctx, st, &cfg, logger); err != nil {
		return err
	}

	var capTimeout time.Duration
	if cfg.CapabilityTimeout != "" {
		capTimeout, err = time.ParseDuration(cfg.CapabilityTimeout)
		if err != nil {
			return fmt.Errorf("parse capability_timeout %q: %w", cfg.CapabilityTimeout, err)
		}
	}

	caps := buildCapabilities(cfg)
	eng, err := engine.New(st, caps, engine.Config{
		MaxIterations:     cfg.MaxIterations,
		MaxRetries:        cfg.MaxRetries,
		MaxRevisions:      cfg.MaxRevisions,
		TopK:              cfg.TopK,
		MinEngagement:     cfg.MinEngagement,
		CapabilityTimeout: capTimeout,
		StopPredicate:     cfg.StopPredicate,
		RankExpression:    cfg.RankExpression,
		PoolSize:          cfg.PoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Shutdown()

	hub := streaming.NewMemoryHub()
	defer hub.Close()
	eng.SetEventHub(hub)

	sched := scheduler.NewScheduler(st, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	srv, err := mcp.NewServer(mcp.ServerDeps{
		Engine:    eng,
		Scheduler: sched,
		Store:     st,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build mcp server: %w", err)
	}
	eng.SetReviewHook(srv.NotifyReview)

	logger.Info("postforge serving on stdio",
		"version", version, "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}

// vaultConfigFromEnv reads the vault key material. The second return is
// false when no key material is configured and the vault stays closed.
func vaultConfigFromEnv() (secrets.Config, bool) {
	cfg := secrets.Config{
		MasterKeyHex: os.Getenv("POSTFORGE_MASTER_KEY"),
		Passphrase:   os.Getenv("POSTFORGE_VAULT_PASSPHRASE"),
		Salt:         os.Getenv("POSTFORGE_VAULT_SALT"),
	}
	return cfg, cfg.MasterKeyHex != "" || cfg.Passphrase != ""
}

// resolveSecrets overlays API keys from the encrypted vault when key
// material is configured. Plain config values remain the fallback.
func resolveSecrets(ctx context.Context, st store.Store, cfg *Config, logger *slog.Logger) error {
	vcfg, ok := vaultConfigFromEnv()
	if !ok {
		return nil
	}
	vault, err := secrets.Open(st, vcfg)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	creds, err := vault.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	if creds.SearchAPIKey != "" {
		cfg.SearchAPIKey = creds.SearchAPIKey
		logger.Debug("search api key loaded from vault")
	}
	if creds.PublishAPIKey != "" {
		cfg.PublishAPIKey = creds.PublishAPIKey
		logger.Debug("publish api key loaded from vault")
	}
	return nil
}

// runSecret handles `postforge secret set|list|delete`. It opens the
// configured database directly so credentials can be managed without a
// running server.
func runSecret(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: postforge secret set <key> <value> | list | delete <key>")
	}
	vcfg, ok := vaultConfigFromEnv()
	if !ok {
		return errors.New("set POSTFORGE_MASTER_KEY, or POSTFORGE_VAULT_PASSPHRASE with POSTFORGE_VAULT_SALT")
	}

	cfg := loadConfig()
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	vault, err := secrets.Open(st, vcfg)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errors.New("usage: postforge secret set <key> <value>")
		}
		return vault.Set(ctx, args[1], args[2])
	case "list":
		keys, err := vault.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return errors.New("usage: postforge secret delete <key>")
		}
		return vault.Delete(ctx, args[1])
	default:
		return fmt.Errorf("unknown secret command %q", args[0])
	}
}

// buildCapabilities wires the external capability set. The search and
// publish integrations go over HTTP when endpoints are configured;
// everything else uses the built-in implementations.
func buildCapabilities(cfg Config) *capability.Set {
	searcher := &capability.HTTPSearcher{
		Endpoint: cfg.SearchEndpoint,
		APIKey:   cfg.SearchAPIKey,
	}
	publisher := &capability.WebhookPublisher{
		Endpoint: cfg.PublishEndpoint,
		APIKey:   cfg.PublishAPIKey,
	}
	return capability.DefaultSet(searcher, publisher)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stdout carries the MCP transport; logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
