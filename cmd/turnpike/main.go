package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turnpike-ai/turnpike/internal/engine"
	"github.com/turnpike-ai/turnpike/internal/logging"
	"github.com/turnpike-ai/turnpike/internal/pool"
	"github.com/turnpike-ai/turnpike/internal/session"
	"github.com/turnpike-ai/turnpike/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("turnpike exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	janitor, err := session.NewJanitor(store, cfg.JanitorSchedule, logger)
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	var discoverer pool.Discoverer
	if cfg.ModelBaseURL != "" || cfg.ModelAPIKey != "" {
		discoverer = pool.NewOpenAIDiscoverer(cfg.ModelBaseURL, cfg.ModelAPIKey)
	}
	modelPool := pool.NewModelPool(discoverer, logger)

	pipeline := engine.NewPipeline(store, modelPool, logger, engine.Config{MaxSteps: cfg.MaxSteps})
	if err := registerDefaultStages(pipeline); err != nil {
		return err
	}

	server := mcp.NewTurnpikeServer(mcp.TurnpikeServerDeps{
		Pipeline: pipeline,
		Store:    store,
		Logger:   logger,
	})

	logger.Info("turnpike serving on stdio",
		slog.String("store", cfg.StoreBackend),
		slog.String("version", version),
	)
	return server.Serve(ctx)
}

func newStore(ctx context.Context, cfg Config) (session.Store, error) {
	ttl := time.Duration(cfg.SessionTTLMin) * time.Minute

	if cfg.StoreBackend == "memory" {
		return session.NewMemoryStore(ttl), nil
	}

	if err := os.MkdirAll(turnpikeDir(), 0o755); err != nil {
		return nil, err
	}
	store, err := session.NewLibSQLStore("file:"+cfg.DBPath, ttl)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
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
	// Stdout carries the MCP transport; logs go to stderr.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
