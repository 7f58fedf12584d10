package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/retry"
)

// RemoteStore is the remote API the orchestrator syncs against.
type RemoteStore interface {
	// PushMessage uploads one local record. The remote treats the id as the
	// idempotency key, so re-pushing after a crash is safe.
	PushMessage(ctx context.Context, m *db.Message) error

	// FetchRecords downloads the remote's current view of this device's
	// records.
	FetchRecords(ctx context.Context) ([]*RemoteRecord, error)
}

// HTTPRemote is the production RemoteStore over the remote HTTP API.
type HTTPRemote struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

// NewHTTPRemote creates an HTTPRemote against baseURL authenticated with
// apiKey.
func NewHTTPRemote(baseURL, apiKey string, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  retry.DefaultPolicy(),
		logger:  logger.With("component", "remote_store"),
	}
}

type pushRecordRequest struct {
	ID           string  `json:"id"`
	Sender       string  `json:"sender"`
	Body         string  `json:"body"`
	PhoneNumber  string  `json:"phone_number"`
	Provider     string  `json:"provider"`
	Type         string  `json:"type"`
	AmountMinor  int64   `json:"amount_minor"`
	CurrencyCode string  `json:"currency_code"`
	Counterparty string  `json:"counterparty"`
	ProviderTxID *string `json:"provider_tx_id,omitempty"`
	BalanceMinor *int64  `json:"balance_minor,omitempty"`
	Status       string  `json:"status"`
	ObservedAt   string  `json:"observed_at"`
}

// PushMessage uploads one record with retry on transient failures.
func (r *HTTPRemote) PushMessage(ctx context.Context, m *db.Message) error {
	body, err := json.Marshal(pushRecordRequest{
		ID:           m.ID.String(),
		Sender:       m.Sender,
		Body:         m.Body,
		PhoneNumber:  m.PhoneNumber,
		Provider:     m.Provider,
		Type:         m.Type,
		AmountMinor:  m.AmountMinor,
		CurrencyCode: m.CurrencyCode,
		Counterparty: m.Counterparty,
		ProviderTxID: m.ProviderTxID,
		BalanceMinor: m.BalanceMinor,
		Status:       m.Status,
		ObservedAt:   m.ObservedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = retry.Do(ctx, r.policy, retry.IsRetryableHTTP, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.do(ctx, http.MethodPost, "/api/v1/records", body, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to push record %s: %w", m.ID, err)
	}
	return nil
}

// FetchRecords downloads the remote record set with retry on transient
// failures.
func (r *HTTPRemote) FetchRecords(ctx context.Context) ([]*RemoteRecord, error) {
	records, err := retry.Do(ctx, r.policy, retry.IsRetryableHTTP, func(ctx context.Context) ([]*RemoteRecord, error) {
		var out struct {
			Records []*RemoteRecord `json:"records"`
		}
		if err := r.do(ctx, http.MethodGet, "/api/v1/records", nil, &out); err != nil {
			return nil, err
		}
		return out.Records, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return records, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
