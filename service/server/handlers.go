package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/dispatch"
	"github.com/momoterminal/relay/service/metrics"
	relaynats "github.com/momoterminal/relay/service/nats"
	"github.com/momoterminal/relay/service/parser"
	"github.com/momoterminal/relay/service/syncer"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a notification body
	maxListLimit       = 500
)

// Store defines the database operations needed by the HTTP handlers.
// This allows for easy mocking in tests.
type Store interface {
	CreateMessage(ctx context.Context, params db.CreateMessageParams) (*db.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListMessages(ctx context.Context, limit, offset int32) ([]*db.Message, error)
	CreateDestination(ctx context.Context, params db.CreateDestinationParams) (*db.Destination, error)
	ListDestinations(ctx context.Context) ([]*db.Destination, error)
	SetDestinationActive(ctx context.Context, id uuid.UUID, active bool) (*db.Destination, error)
	DeleteDestination(ctx context.Context, id uuid.UUID) error
	ListDeliveryLogsByStatus(ctx context.Context, status string, limit int32) ([]*db.DeliveryLog, error)
	CountDeliveryLogsByStatus(ctx context.Context) (map[string]int64, error)
}

// Parser turns a raw notification into a structured transaction.
type Parser interface {
	Parse(sender, body string) (*parser.Transaction, bool)
}

// ParseFunc adapts a parse function to the Parser interface.
type ParseFunc func(sender, body string) (*parser.Transaction, bool)

func (f ParseFunc) Parse(sender, body string) (*parser.Transaction, bool) {
	return f(sender, body)
}

// Dispatcher defines the delivery operations needed by the handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, params dispatch.DispatchParams) ([]uuid.UUID, error)
	TestDestination(ctx context.Context, destinationID uuid.UUID) (*dispatch.TestResult, error)
}

// Syncer defines the sync operations needed by the handlers.
type Syncer interface {
	SyncNow(ctx context.Context) (int, error)
}

// Publisher defines the NATS publishing operations needed by the handlers.
type Publisher interface {
	PublishTransaction(ctx context.Context, event *relaynats.TransactionEvent) error
}

type ingestRequest struct {
	Sender      string `json:"sender"`
	Body        string `json:"body"`
	PhoneNumber string `json:"phone_number"`
	ObservedAt  int64  `json:"observed_at,omitempty"` // epoch millis, 0 = now
}

type messageResponse struct {
	ID           string  `json:"id"`
	Sender       string  `json:"sender"`
	Body         string  `json:"body"`
	PhoneNumber  string  `json:"phone_number"`
	Provider     string  `json:"provider"`
	Type         string  `json:"type"`
	AmountMinor  int64   `json:"amount_minor"`
	CurrencyCode string  `json:"currency_code"`
	Amount       string  `json:"amount"`
	Counterparty string  `json:"counterparty,omitempty"`
	ProviderTxID *string `json:"provider_tx_id,omitempty"`
	BalanceMinor *int64  `json:"balance_minor,omitempty"`
	Status       string  `json:"status"`
	Synced       bool    `json:"synced"`
	ObservedAt   string  `json:"observed_at"`
	CreatedAt    string  `json:"created_at"`
}

func messageToResponse(m *db.Message) messageResponse {
	return messageResponse{
		ID:           m.ID.String(),
		Sender:       m.Sender,
		Body:         m.Body,
		PhoneNumber:  m.PhoneNumber,
		Provider:     m.Provider,
		Type:         m.Type,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Amount:       parser.FormatMinor(m.AmountMinor, m.CurrencyCode),
		Counterparty: m.Counterparty,
		ProviderTxID: m.ProviderTxID,
		BalanceMinor: m.BalanceMinor,
		Status:       m.Status,
		Synced:       m.Synced,
		ObservedAt:   m.ObservedAt.UTC().Format(time.RFC3339),
		CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleIngestMessage returns a handler that accepts a raw notification,
// parses it, stores the result and dispatches it to webhook destinations.
// POST /api/v1/messages
// A notification that matches no provider template is acknowledged with 204
// and discarded: airtime top-ups and promotions are expected traffic, not
// errors.
func handleIngestMessage(store Store, p Parser, dispatcher Dispatcher, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode ingest request", "error", err)
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(req.Sender) == "" {
			writeError(w, "sender is required", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			writeError(w, "body is required", http.StatusBadRequest)
			return
		}

		txn, ok := p.Parse(req.Sender, req.Body)
		if !ok {
			m.RecordParse("", "no_match")
			logger.Debug("notification matched no template", "sender", req.Sender)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		m.RecordParse(string(txn.Provider), "match")

		observedAt := time.Now().UTC()
		if req.ObservedAt > 0 {
			observedAt = time.UnixMilli(req.ObservedAt).UTC()
		}

		msg, err := store.CreateMessage(r.Context(), db.CreateMessageParams{
			Sender:       req.Sender,
			Body:         req.Body,
			PhoneNumber:  req.PhoneNumber,
			Provider:     string(txn.Provider),
			Type:         string(txn.Type),
			AmountMinor:  txn.AmountMinor,
			CurrencyCode: txn.CurrencyCode,
			Counterparty: txn.Counterparty,
			ProviderTxID: txn.ProviderTxID,
			BalanceMinor: txn.BalanceMinor,
			ObservedAt:   observedAt,
		})
		if err != nil {
			logger.Error("failed to store message", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Announce on NATS; the stored row is the source of truth, the event
		// stream is best-effort.
		if publisher != nil {
			if err := publisher.PublishTransaction(r.Context(), relaynats.FromMessage(msg)); err != nil {
				logger.Warn("failed to publish transaction event", "message_id", msg.ID, "error", err)
			}
		}

		logIDs, err := dispatcher.Dispatch(r.Context(), dispatch.DispatchParams{
			MessageID:  msg.ID,
			RoutingKey: msg.PhoneNumber,
		})
		if err != nil {
			logger.Error("dispatch failed", "message_id", msg.ID, "error", err)
			writeError(w, "message stored but dispatch failed", http.StatusInternalServerError)
			return
		}

		ids := make([]string, len(logIDs))
		for i, id := range logIDs {
			ids[i] = id.String()
		}

		logger.Info("message ingested",
			"message_id", msg.ID,
			"provider", msg.Provider,
			"type", msg.Type,
			"deliveries", len(ids),
		)

		writeJSON(w, map[string]interface{}{
			"message":          messageToResponse(msg),
			"delivery_log_ids": ids,
		}, http.StatusCreated)
	})
}

// handleListMessages returns a handler that lists stored messages.
// GET /api/v1/messages?limit=&offset=
func handleListMessages(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, offset := paginationParams(r.URL.Query())

		messages, err := store.ListMessages(r.Context(), limit, offset)
		if err != nil {
			logger.Error("failed to list messages", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]messageResponse, len(messages))
		for i, m := range messages {
			resp[i] = messageToResponse(m)
		}
		writeJSON(w, map[string]interface{}{"messages": resp}, http.StatusOK)
	})
}

// handleGetMessage returns a handler that retrieves one message.
// GET /api/v1/messages/{id}
func handleGetMessage(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid message id", http.StatusBadRequest)
			return
		}

		msg, err := store.GetMessage(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "message not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get message", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, messageToResponse(msg), http.StatusOK)
	})
}

type destinationRequest struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	RoutingKey string `json:"routing_key"`
	APIKey     string `json:"api_key"`
	HMACSecret string `json:"hmac_secret"`
	Active     *bool  `json:"active"`
}

type destinationResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	RoutingKey string `json:"routing_key"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
}

// destinationToResponse converts a destination for API output. Credentials
// never leave the server.
func destinationToResponse(d *db.Destination) destinationResponse {
	return destinationResponse{
		ID:         d.ID.String(),
		Name:       d.Name,
		URL:        d.URL,
		RoutingKey: d.RoutingKey,
		Active:     d.Active,
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateDestination returns a handler that registers a webhook
// destination.
// POST /api/v1/destinations
func handleCreateDestination(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req destinationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(req.Name) == "" {
			writeError(w, "name is required", http.StatusBadRequest)
			return
		}
		if err := validateWebhookURL(req.URL); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.HMACSecret == "" {
			writeError(w, "hmac_secret is required", http.StatusBadRequest)
			return
		}

		active := true
		if req.Active != nil {
			active = *req.Active
		}

		dest, err := store.CreateDestination(r.Context(), db.CreateDestinationParams{
			Name:       req.Name,
			URL:        req.URL,
			RoutingKey: req.RoutingKey,
			APIKey:     req.APIKey,
			HMACSecret: req.HMACSecret,
			Active:     active,
		})
		if err != nil {
			logger.Error("failed to create destination", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("destination created", "id", dest.ID, "name", dest.Name, "routing_key", dest.RoutingKey)
		writeJSON(w, destinationToResponse(dest), http.StatusCreated)
	})
}

// handleListDestinations returns a handler that lists all destinations.
// GET /api/v1/destinations
func handleListDestinations(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dests, err := store.ListDestinations(r.Context())
		if err != nil {
			logger.Error("failed to list destinations", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]destinationResponse, len(dests))
		for i, d := range dests {
			resp[i] = destinationToResponse(d)
		}
		writeJSON(w, map[string]interface{}{"destinations": resp}, http.StatusOK)
	})
}

// handleDeleteDestination returns a handler that removes a destination.
// DELETE /api/v1/destinations/{id}
func handleDeleteDestination(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid destination id", http.StatusBadRequest)
			return
		}

		if err := store.DeleteDestination(r.Context(), id); err != nil {
			logger.Error("failed to delete destination", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("destination deleted", "id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleSetDestinationActive returns a handler that toggles a destination.
// PUT /api/v1/destinations/{id}/active
func handleSetDestinationActive(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid destination id", http.StatusBadRequest)
			return
		}

		var req struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		dest, err := store.SetDestinationActive(r.Context(), id, req.Active)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "destination not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to update destination", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("destination toggled", "id", id, "active", req.Active)
		writeJSON(w, destinationToResponse(dest), http.StatusOK)
	})
}

// handleTestDestination returns a handler that sends a synthetic payload to
// a destination.
// POST /api/v1/destinations/{id}/test
func handleTestDestination(dispatcher Dispatcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid destination id", http.StatusBadRequest)
			return
		}

		result, err := dispatcher.TestDestination(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "destination not found", http.StatusNotFound)
				return
			}
			logger.Warn("destination test failed", "id", id, "error", err)
			writeJSON(w, map[string]interface{}{
				"ok":    false,
				"error": err.Error(),
			}, http.StatusBadGateway)
			return
		}

		writeJSON(w, map[string]interface{}{
			"ok":     result.StatusCode >= 200 && result.StatusCode < 300,
			"result": result,
		}, http.StatusOK)
	})
}

type deliveryLogResponse struct {
	ID              string  `json:"id"`
	DestinationID   string  `json:"destination_id"`
	MessageID       string  `json:"message_id"`
	Status          string  `json:"status"`
	HTTPCode        *int    `json:"http_code,omitempty"`
	ResponseExcerpt string  `json:"response_excerpt,omitempty"`
	RetryCount      int32   `json:"retry_count"`
	SentAt          *string `json:"sent_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func deliveryLogToResponse(l *db.DeliveryLog) deliveryLogResponse {
	resp := deliveryLogResponse{
		ID:              l.ID.String(),
		DestinationID:   l.DestinationID.String(),
		MessageID:       l.MessageID.String(),
		Status:          l.Status,
		HTTPCode:        l.HTTPCode,
		ResponseExcerpt: l.ResponseExcerpt,
		RetryCount:      l.RetryCount,
		CreatedAt:       l.CreatedAt.UTC().Format(time.RFC3339),
	}
	if l.SentAt != nil {
		s := l.SentAt.UTC().Format(time.RFC3339)
		resp.SentAt = &s
	}
	return resp
}

// handleListDeliveryLogs returns a handler that lists delivery log entries.
// GET /api/v1/delivery-logs?status=&limit=
func handleListDeliveryLogs(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := strings.ToUpper(r.URL.Query().Get("status"))
		if status == "" {
			status = db.StatusPending
		}
		switch status {
		case db.StatusPending, db.StatusSent, db.StatusFailed:
		default:
			writeError(w, "status must be one of PENDING, SENT, FAILED", http.StatusBadRequest)
			return
		}

		limit, _ := paginationParams(r.URL.Query())

		logs, err := store.ListDeliveryLogsByStatus(r.Context(), status, limit)
		if err != nil {
			logger.Error("failed to list delivery logs", "status", status, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]deliveryLogResponse, len(logs))
		for i, l := range logs {
			resp[i] = deliveryLogToResponse(l)
		}
		writeJSON(w, map[string]interface{}{"delivery_logs": resp}, http.StatusOK)
	})
}

// handleDeliveryLogStats returns a handler with aggregate delivery counts.
// GET /api/v1/delivery-logs/stats
func handleDeliveryLogStats(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountDeliveryLogsByStatus(r.Context())
		if err != nil {
			logger.Error("failed to count delivery logs", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"counts": counts}, http.StatusOK)
	})
}

// handleSyncNow returns a handler that triggers an immediate sync cycle.
// POST /api/v1/sync
func handleSyncNow(s Syncer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		synced, err := s.SyncNow(r.Context())
		if err != nil {
			switch {
			case errors.Is(err, syncer.ErrOffline):
				writeError(w, "device is offline", http.StatusServiceUnavailable)
			case errors.Is(err, syncer.ErrSyncInProgress):
				writeError(w, "sync already in progress", http.StatusConflict)
			default:
				logger.Error("sync failed", "error", err)
				writeError(w, "sync failed: "+err.Error(), http.StatusBadGateway)
			}
			return
		}

		writeJSON(w, map[string]interface{}{"records_synced": synced}, http.StatusOK)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateWebhookURL checks that a destination URL is absolute http(s).
func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

func paginationParams(q url.Values) (limit, offset int32) {
	limit = 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > maxListLimit {
				n = maxListLimit
			}
			limit = int32(n)
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = int32(n)
		}
	}
	return limit, offset
}
