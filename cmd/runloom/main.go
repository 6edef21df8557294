package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/runloom/runloom/internal/engine"
	"github.com/runloom/runloom/internal/logging"
	"github.com/runloom/runloom/internal/model"
	"github.com/runloom/runloom/internal/scheduler"
	"github.com/runloom/runloom/internal/store"
	"github.com/runloom/runloom/internal/streaming"
	"github.com/runloom/runloom/internal/tools"
	"github.com/runloom/runloom/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("runloom exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
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

	bus := streaming.NewMemoryBus()
	defer bus.Close()
	registry := tools.NewDefaultRegistry()
	openaiBackend := model.NewOpenAIBackend(model.OpenAIConfig{
		APIKey:  os.Getenv(cfg.APIKeyEnv),
		BaseURL: cfg.ModelBaseURL,
	})
	backend := model.NewRetryBackend(openaiBackend, model.DefaultRetryConfig())

	eng, err := engine.New(engine.Options{
		Store:   st,
		Bus:     bus,
		Tools:   registry,
		Backend: backend,
		Logger:  logger,
		Config: engine.Config{
			MaxEvents:          cfg.MaxEvents,
			Timeout:            cfg.Timeout(),
			RecursionLimit:     cfg.RecursionLimit,
			DefaultModel:       cfg.Model,
			StrictEntry:        cfg.StrictEntry,
			DetectLoopPatterns: cfg.DetectPatterns,
		},
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	svc := engine.NewService(eng, st, logger)

	recovered, err := svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned runs: %w", err)
	}
	if recovered > 0 {
		logger.Info("marked orphaned runs interrupted", "count", recovered)
	}

	sched := scheduler.NewScheduler(st, svc, logger)
	if cfg.Scheduler {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	var busOpts []streaming.SubscribeOption
	if cfg.BusCapacity > 0 {
		busOpts = append(busOpts, streaming.WithCapacity(cfg.BusCapacity))
	}
	if kl := cfg.Keepalive(); kl > 0 {
		busOpts = append(busOpts, streaming.WithKeepalive(kl))
	}

	srv := mcp.NewRunloomServer(mcp.RunloomServerDeps{
		Service:    svc,
		Store:      st,
		Bus:        bus,
		Tools:      registry,
		Scheduler:  sched,
		Logger:     logger,
		BusOptions: busOpts,
	})

	logger.Info("runloom ready", "db", cfg.DBPath, "model", cfg.Model, "scheduler", cfg.Scheduler)
	serveErr := srv.Serve(ctx)

	// Let in-flight runs drain before closing the store.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("shutdown timed out with runs in flight", "error", err)
	}
	return serveErr
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
