package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momoterminal/relay/service/config"
	"github.com/momoterminal/relay/service/connectivity"
	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/dispatch"
	"github.com/momoterminal/relay/service/metrics"
	relaynats "github.com/momoterminal/relay/service/nats"
	"github.com/momoterminal/relay/service/syncer"
	"github.com/momoterminal/relay/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
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

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start metrics HTTP server
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Initialize NATS publisher
	natsPublisher, err := relaynats.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Connectivity probe shared by the dispatcher and the orchestrator
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
		Metrics:        metricsCollector,
		Logger:         logger,
	})

	remote := syncer.NewHTTPRemote(cfg.RemoteAPIURL, cfg.RemoteAPIKey, logger)
	orchestrator := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Store:        store,
		Remote:       remote,
		Connectivity: probe,
		Publisher:    natsPublisher,
		DeviceID:     cfg.DeviceID,
		Metrics:      metricsCollector,
		Logger:       logger,
	})
	orchestrator.Start(ctx)

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		cfg.RetentionHorizon,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// Ensure the relay cycle schedule exists for this device
	if err := temporalClient.CreateRelaySchedule(ctx, cfg.DeviceID, cfg.SyncInterval); err != nil {
		logger.Error("failed to create relay schedule", "error", err)
		os.Exit(1)
	}

	// Initialize Temporal worker
	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Store:             store,
		Dispatcher:        dispatcher,
		Syncer:            orchestrator,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	// Run worker until a shutdown signal arrives
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		if err != nil {
			logger.Error("worker error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
	}

	logger.Info("worker shutdown complete")
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

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// getEnv returns the environment variable value or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
