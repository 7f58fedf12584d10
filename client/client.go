// Package client provides an HTTP client for the relay service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Message is a stored mobile-money notification as reported by the server.
type Message struct {
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
	Status       string  `json:"status"`
	Synced       bool    `json:"synced"`
	ObservedAt   string  `json:"observed_at"`
}

// Destination is a registered webhook endpoint as reported by the server.
// Credentials are write-only and never returned.
type Destination struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	RoutingKey string `json:"routing_key"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
}

// DeliveryLog is one delivery attempt record.
type DeliveryLog struct {
	ID              string  `json:"id"`
	DestinationID   string  `json:"destination_id"`
	MessageID       string  `json:"message_id"`
	Status          string  `json:"status"`
	HTTPCode        *int    `json:"http_code,omitempty"`
	ResponseExcerpt string  `json:"response_excerpt,omitempty"`
	RetryCount      int32   `json:"retry_count"`
	SentAt          *string `json:"sent_at,omitempty"`
}

// IngestResult is the server's response to an ingested notification. A nil
// Message means the notification matched no provider template.
type IngestResult struct {
	Message        *Message `json:"message"`
	DeliveryLogIDs []string `json:"delivery_log_ids"`
}

// TestResult is the outcome of a destination connectivity test.
type TestResult struct {
	OK     bool `json:"ok"`
	Result *struct {
		StatusCode      int    `json:"status_code"`
		ResponseExcerpt string `json:"response_excerpt"`
		DurationMillis  int64  `json:"duration_ms"`
	} `json:"result"`
}

// Client is the HTTP client for the relay service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new relay service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Ingest submits a raw notification for parsing and dispatch. A nil result
// message means the notification was acknowledged but matched no template.
func (c *Client) Ingest(ctx context.Context, sender, body, phoneNumber string) (*IngestResult, error) {
	reqBody := map[string]interface{}{
		"sender":       sender,
		"body":         body,
		"phone_number": phoneNumber,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.logger.Debug("notification matched no template", "sender", sender)
		return &IngestResult{}, nil
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var result IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("notification ingested", "sender", sender, "deliveries", len(result.DeliveryLogIDs))
	return &result, nil
}

// ListMessages retrieves stored messages, newest first.
func (c *Client) ListMessages(ctx context.Context, limit, offset int) ([]*Message, error) {
	u := fmt.Sprintf("%s/api/v1/messages?limit=%d&offset=%d", c.baseURL, limit, offset)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Messages []*Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Messages, nil
}

// CreateDestination registers a webhook destination.
func (c *Client) CreateDestination(ctx context.Context, name, destURL, routingKey, apiKey, hmacSecret string) (*Destination, error) {
	reqBody := map[string]interface{}{
		"name":        name,
		"url":         destURL,
		"routing_key": routingKey,
		"api_key":     apiKey,
		"hmac_secret": hmacSecret,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/destinations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var dest Destination
	if err := json.NewDecoder(resp.Body).Decode(&dest); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("destination created", "id", dest.ID, "name", dest.Name)
	return &dest, nil
}

// ListDestinations retrieves all registered destinations.
func (c *Client) ListDestinations(ctx context.Context) ([]*Destination, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/destinations", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Destinations []*Destination `json:"destinations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Destinations, nil
}

// DeleteDestination removes a destination.
func (c *Client) DeleteDestination(ctx context.Context, id string) error {
	u := fmt.Sprintf("%s/api/v1/destinations/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("destination deleted", "id", id)
	return nil
}

// TestDestination asks the server to send a synthetic payload.
func (c *Client) TestDestination(ctx context.Context, id string) (*TestResult, error) {
	u := fmt.Sprintf("%s/api/v1/destinations/%s/test", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, "POST", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadGateway {
		return nil, c.parseErrorResponse(resp)
	}

	var result TestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// ListDeliveryLogs retrieves delivery log entries with the given status.
func (c *Client) ListDeliveryLogs(ctx context.Context, status string) ([]*DeliveryLog, error) {
	u := fmt.Sprintf("%s/api/v1/delivery-logs?status=%s", c.baseURL, url.QueryEscape(status))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		DeliveryLogs []*DeliveryLog `json:"delivery_logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.DeliveryLogs, nil
}

// SyncNow triggers an immediate sync cycle and returns the number of
// records pushed.
func (c *Client) SyncNow(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/sync", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.parseErrorResponse(resp)
	}

	var response struct {
		RecordsSynced int `json:"records_synced"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.RecordsSynced, nil
}

// parseErrorResponse extracts the error message from an API error response.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, apiErr.Error)
}
