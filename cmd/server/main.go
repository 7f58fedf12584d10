package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/momoterminal/relay/service/config"
	"github.com/momoterminal/relay/service/connectivity"
	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/dispatch"
	"github.com/momoterminal/relay/service/metrics"
	relaynats "github.com/momoterminal/relay/service/nats"
	"github.com/momoterminal/relay/service/parser"
	"github.com/momoterminal/relay/service/server"
	"github.com/momoterminal/relay/service/syncer"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting relay server",
		"addr", cfg.ServerAddr,
		"device_id", cfg.DeviceID,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)

	// Metrics registry shared by every component
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// NATS publisher for transaction and sync-state events
	publisher, err := relaynats.NewPublisher(cfg.NATSURL, m, logger)
	if err != nil {
		logger.Error("failed to initialize NATS publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Connectivity probe feeding the dispatcher and sync orchestrator
	probe := connectivity.NewHTTPProbe(cfg.ProbeURL, cfg.ProbeInterval, logger)
	probe.Start(ctx)
	defer probe.Stop()

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Store:          store,
		Connectivity:   probe,
		DeviceID:       cfg.DeviceID,
		WebhookTimeout: cfg.WebhookTimeout,
		ExcerptLimit:   cfg.ExcerptLimit,
		MaxRetries:     int32(cfg.MaxDeliveryRetries),
		Metrics:        m,
		Logger:         logger,
	})

	remote := syncer.NewHTTPRemote(cfg.RemoteAPIURL, cfg.RemoteAPIKey, logger)
	orchestrator := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Store:        store,
		Remote:       remote,
		Connectivity: probe,
		Publisher:    publisher,
		DeviceID:     cfg.DeviceID,
		Metrics:      m,
		Logger:       logger,
	})
	orchestrator.Start(ctx)

	httpServer := server.New(cfg.ServerAddr, cfg, store,
		server.ParseFunc(parser.Parse), dispatcher, orchestrator, publisher, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"remote_api", cfg.RemoteAPIURL,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
