package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momoterminal/relay/service/config"
	"github.com/momoterminal/relay/service/metrics"
)

// Server represents the HTTP server for the relay service.
type Server struct {
	addr       string
	cfg        *config.Config
	store      Store
	parser     Parser
	dispatcher Dispatcher
	syncer     Syncer
	publisher  Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The publisher is optional - if nil, parsed messages are not announced on
// NATS. The metrics is optional - if nil, the metrics endpoint won't be
// available.
func New(addr string, cfg *config.Config, store Store, parser Parser, dispatcher Dispatcher, syncer Syncer, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:       addr,
		cfg:        cfg,
		store:      store,
		parser:     parser,
		dispatcher: dispatcher,
		syncer:     syncer,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingest and message routes
	mux.Handle("POST /api/v1/messages", handleIngestMessage(s.store, s.parser, s.dispatcher, s.publisher, s.metrics, s.logger))
	mux.Handle("GET /api/v1/messages", handleListMessages(s.store, s.logger))
	mux.Handle("GET /api/v1/messages/{id}", handleGetMessage(s.store, s.logger))

	// Destination routes
	mux.Handle("POST /api/v1/destinations", handleCreateDestination(s.store, s.logger))
	mux.Handle("GET /api/v1/destinations", handleListDestinations(s.store, s.logger))
	mux.Handle("DELETE /api/v1/destinations/{id}", handleDeleteDestination(s.store, s.logger))
	mux.Handle("PUT /api/v1/destinations/{id}/active", handleSetDestinationActive(s.store, s.logger))
	mux.Handle("POST /api/v1/destinations/{id}/test", handleTestDestination(s.dispatcher, s.logger))

	// Delivery log routes
	mux.Handle("GET /api/v1/delivery-logs", handleListDeliveryLogs(s.store, s.logger))
	mux.Handle("GET /api/v1/delivery-logs/stats", handleDeliveryLogStats(s.store, s.logger))

	// Sync routes
	mux.Handle("POST /api/v1/sync", handleSyncNow(s.syncer, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server. Blocks until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
