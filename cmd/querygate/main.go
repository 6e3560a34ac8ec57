package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/redisstore"
	"github.com/querygate/querygate/internal/schedule"
	"github.com/querygate/querygate/internal/session"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "configs/querygate.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("QueryGate starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "defaults", len(cfg.Defaults))

	// Initialize components
	m := metrics.New()
	store := redisstore.New(cfg.Redis.URL, cfg.Redis.RetryAttempts, cfg.Redis.RetryDelay)
	queryLimiter := ratelimit.New(store, "rl:query", cfg.Limits.QueryMax, cfg.Limits.Window)
	connLimiter := ratelimit.New(store, "rl:conn", cfg.Limits.ConnectionMax, cfg.Limits.Window)
	sessions := session.NewManager(cfg, m)
	scheduler := schedule.New(cfg, m)

	// Start the daily cleanup loop
	scheduler.Start()

	// Start REST API
	server := api.NewServer(api.Deps{
		Config:       cfg,
		Sessions:     sessions,
		Scheduler:    scheduler,
		Metrics:      m,
		QueryLimiter: queryLimiter,
		ConnLimiter:  connLimiter,
	})
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("API server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		queryLimiter.SetMax(newCfg.Limits.QueryMax)
		connLimiter.SetMax(newCfg.Limits.ConnectionMax)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("QueryGate ready",
		"bind", cfg.Listen.Bind,
		"port", cfg.Listen.Port,
		"redis", cfg.Redis.URL != "")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		if err := server.Shutdown(ctx); err != nil {
			slog.Warn("API shutdown failed", "err", err)
		}
		scheduler.Stop()
		sessions.Stop(ctx)
		if err := store.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("QueryGate stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}
