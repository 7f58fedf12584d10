// Package dispatch routes stored messages to webhook destinations and
// performs the signed HTTP deliveries, recording every attempt in the
// delivery log.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/momoterminal/relay/service/connectivity"
	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/metrics"
	"github.com/momoterminal/relay/service/sign"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	GetDestination(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	ListActiveDestinationsByRoutingKey(ctx context.Context, key string) ([]*db.Destination, error)
	ListActiveCatchAllDestinations(ctx context.Context) ([]*db.Destination, error)
	CreateDeliveryLog(ctx context.Context, destinationID, messageID uuid.UUID) (*db.DeliveryLog, error)
	GetDeliveryLog(ctx context.Context, id uuid.UUID) (*db.DeliveryLog, error)
	ListRetryableDeliveryLogs(ctx context.Context, maxRetries int32) ([]*db.DeliveryLog, error)
	MarkDeliverySent(ctx context.Context, id uuid.UUID, httpCode int, excerpt string, sentAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, httpCode *int, excerpt string) error
}

// Dispatcher fans stored messages out to their destinations. Delivery state
// lives entirely in the delivery log, so a crash between routing and sending
// leaves PENDING rows that the next retry pass picks up.
type Dispatcher struct {
	store        Store
	client       *http.Client
	net          connectivity.Oracle
	deviceID     string
	excerptLimit int
	maxRetries   int32
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Config carries the dispatcher's construction parameters.
type Config struct {
	Store          Store
	Connectivity   connectivity.Oracle
	DeviceID       string
	WebhookTimeout time.Duration
	ExcerptLimit   int
	MaxRetries     int32
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:        cfg.Store,
		client:       &http.Client{Timeout: cfg.WebhookTimeout},
		net:          cfg.Connectivity,
		deviceID:     cfg.DeviceID,
		excerptLimit: cfg.ExcerptLimit,
		maxRetries:   cfg.MaxRetries,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "dispatcher"),
	}
}

// DispatchParams identifies the stored message to route.
type DispatchParams struct {
	MessageID  uuid.UUID
	RoutingKey string
}

// Dispatch resolves the destinations for a message and creates a PENDING
// delivery log entry per destination before any network activity. If the
// device is online the deliveries are attempted immediately and
// concurrently; a failed attempt is recorded, never returned as an error.
// The returned ids are the delivery log entries created or resumed.
func (d *Dispatcher) Dispatch(ctx context.Context, params DispatchParams) ([]uuid.UUID, error) {
	dests, err := d.store.ListActiveDestinationsByRoutingKey(ctx, params.RoutingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	if len(dests) == 0 {
		dests, err = d.store.ListActiveCatchAllDestinations(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list catch-all destinations: %w", err)
		}
	}
	if len(dests) == 0 {
		d.logger.Info("no destinations for message",
			"message_id", params.MessageID, "routing_key", params.RoutingKey)
		return nil, nil
	}

	logIDs := make([]uuid.UUID, 0, len(dests))
	for _, dest := range dests {
		entry, err := d.store.CreateDeliveryLog(ctx, dest.ID, params.MessageID)
		if err != nil {
			return logIDs, fmt.Errorf("failed to create delivery log for %s: %w", dest.ID, err)
		}
		logIDs = append(logIDs, entry.ID)
	}

	if !d.net.Online(ctx) {
		d.logger.Info("offline, deliveries deferred",
			"message_id", params.MessageID, "pending", len(logIDs))
		return logIDs, nil
	}

	var wg sync.WaitGroup
	for _, id := range logIDs {
		wg.Add(1)
		go func(logID uuid.UUID) {
			defer wg.Done()
			if _, err := d.DeliverOne(ctx, logID); err != nil {
				d.logger.Error("delivery attempt errored", "log_id", logID, "error", err)
			}
		}(id)
	}
	wg.Wait()

	return logIDs, nil
}

// DeliverOne performs a single delivery attempt for a log entry and records
// the outcome. It returns true when the attempt succeeded. A destination
// deactivated after routing makes the attempt a no-op: the entry is left
// untouched and false is returned with no error.
func (d *Dispatcher) DeliverOne(ctx context.Context, logID uuid.UUID) (bool, error) {
	entry, err := d.store.GetDeliveryLog(ctx, logID)
	if err != nil {
		return false, fmt.Errorf("failed to load delivery log: %w", err)
	}
	if entry.Status == db.StatusSent {
		return true, nil
	}

	dest, err := d.store.GetDestination(ctx, entry.DestinationID)
	if err != nil {
		return false, fmt.Errorf("failed to load destination: %w", err)
	}
	if !dest.Active {
		d.logger.Info("destination inactive, skipping delivery",
			"log_id", logID, "destination_id", dest.ID)
		return false, nil
	}

	msg, err := d.store.GetMessage(ctx, entry.MessageID)
	if err != nil {
		return false, fmt.Errorf("failed to load message: %w", err)
	}

	body, stamped := newWebhookPayload(msg, d.deviceID)
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	start := time.Now()
	code, excerpt, sendErr := d.send(ctx, dest, payload, stamped)
	elapsed := time.Since(start).Seconds()

	if sendErr != nil {
		d.metrics.RecordDelivery("transport_error", elapsed)
		d.logger.Warn("delivery transport failure",
			"log_id", logID, "destination", dest.Name, "error", sendErr)
		if err := d.store.MarkDeliveryFailed(ctx, logID, nil, truncate(sendErr.Error(), d.excerptLimit)); err != nil {
			return false, fmt.Errorf("failed to record transport failure: %w", err)
		}
		return false, nil
	}

	if code >= 200 && code < 300 {
		d.metrics.RecordDelivery("sent", elapsed)
		if err := d.store.MarkDeliverySent(ctx, logID, code, excerpt, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("failed to record success: %w", err)
		}
		d.logger.Info("delivery sent",
			"log_id", logID, "destination", dest.Name, "http_code", code)
		return true, nil
	}

	d.metrics.RecordDelivery("failed", elapsed)
	d.logger.Warn("delivery rejected",
		"log_id", logID, "destination", dest.Name, "http_code", code)
	if err := d.store.MarkDeliveryFailed(ctx, logID, &code, excerpt); err != nil {
		return false, fmt.Errorf("failed to record rejection: %w", err)
	}
	return false, nil
}

// RetryPending re-attempts every delivery log entry still eligible for
// retry. It returns the number of entries that reached SENT this pass.
// Offline devices skip the pass entirely so retry counts are not burned
// on attempts that cannot reach the network.
func (d *Dispatcher) RetryPending(ctx context.Context) (int, error) {
	if !d.net.Online(ctx) {
		d.logger.Debug("offline, skipping retry pass")
		return 0, nil
	}

	due, err := d.store.ListRetryableDeliveryLogs(ctx, d.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable deliveries: %w", err)
	}

	succeeded := 0
	for _, entry := range due {
		ok, err := d.DeliverOne(ctx, entry.ID)
		if err != nil {
			d.logger.Error("retry attempt errored", "log_id", entry.ID, "error", err)
			continue
		}
		if ok {
			succeeded++
		}
	}

	d.metrics.RecordRetryPass(len(due), succeeded)
	if len(due) > 0 {
		d.logger.Info("retry pass complete", "due", len(due), "succeeded", succeeded)
	}
	return succeeded, nil
}

// TestResult is the outcome of a destination connectivity test.
type TestResult struct {
	StatusCode      int    `json:"status_code"`
	ResponseExcerpt string `json:"response_excerpt"`
	DurationMillis  int64  `json:"duration_ms"`
}

// TestDestination sends a synthetic payload to a destination without
// creating a delivery log entry. Transport failures are returned as errors;
// any completed exchange, success or rejection, is returned as a result.
func (d *Dispatcher) TestDestination(ctx context.Context, destinationID uuid.UUID) (*TestResult, error) {
	dest, err := d.store.GetDestination(ctx, destinationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination: %w", err)
	}

	body, stamped := newTestPayload(d.deviceID)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal test payload: %w", err)
	}

	start := time.Now()
	code, excerpt, err := d.send(ctx, dest, payload, stamped)
	if err != nil {
		return nil, fmt.Errorf("test delivery to %s failed: %w", dest.URL, err)
	}
	return &TestResult{
		StatusCode:      code,
		ResponseExcerpt: excerpt,
		DurationMillis:  time.Since(start).Milliseconds(),
	}, nil
}

// send performs one signed POST. The signature covers the exact payload
// bytes written to the wire, and X-Timestamp carries the same instant as
// the payload's timestamp field so receivers can bind the header to the
// signed body.
func (d *Dispatcher) send(ctx context.Context, dest *db.Destination, payload []byte, stamped time.Time) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sign.SignHex(payload, dest.HMACSecret))
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", stamped.UnixMilli()))
	req.Header.Set("X-Device-Id", d.deviceID)
	if dest.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+dest.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.excerptLimit)+1))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, truncate(string(body), d.excerptLimit), nil
}

// webhookPayload is the wire format delivered to destinations. Field order
// is fixed so the signed bytes are stable for a given message.
type webhookPayload struct {
	Source      string `json:"source"`
	Version     string `json:"version"`
	Timestamp   string `json:"timestamp"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Message     string `json:"message"`
	DeviceID    string `json:"device_id"`
	Test        bool   `json:"test,omitempty"`
}

const (
	payloadSource  = "momoterminal"
	payloadVersion = "1.0"
)

// newWebhookPayload builds the delivery body and returns the instant its
// timestamp field carries, truncated to the second the RFC3339 rendering
// keeps.
func newWebhookPayload(m *db.Message, deviceID string) (webhookPayload, time.Time) {
	stamped := m.ObservedAt.UTC().Truncate(time.Second)
	return webhookPayload{
		Source:      payloadSource,
		Version:     payloadVersion,
		Timestamp:   stamped.Format(time.RFC3339),
		PhoneNumber: m.PhoneNumber,
		Sender:      m.Sender,
		Message:     m.Body,
		DeviceID:    deviceID,
	}, stamped
}

func newTestPayload(deviceID string) (webhookPayload, time.Time) {
	stamped := time.Now().UTC().Truncate(time.Second)
	return webhookPayload{
		Source:    payloadSource,
		Version:   payloadVersion,
		Timestamp: stamped.Format(time.RFC3339),
		Message:   "momoterminal test delivery",
		DeviceID:  deviceID,
		Test:      true,
	}, stamped
}

// truncate trims s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
