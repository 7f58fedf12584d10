package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MTN Mobile Money", body["sender"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]interface{}{
				"id":       "11111111-1111-1111-1111-111111111111",
				"provider": "MTN",
				"type":     "RECEIVED",
			},
			"delivery_log_ids": []string{"22222222-2222-2222-2222-222222222222"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	result, err := c.Ingest(context.Background(), "MTN Mobile Money",
		"Received GHS 50.00 from Kofi. Transaction ID: TX1.", "+233201234567")
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "MTN", result.Message.Provider)
	assert.Len(t, result.DeliveryLogIDs, 1)
}

func TestIngest_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	result, err := c.Ingest(context.Background(), "MTN", "Promo: win big today!", "")
	require.NoError(t, err)
	assert.Nil(t, result.Message)
	assert.Empty(t, result.DeliveryLogIDs)
}

func TestIngest_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "sender is required"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.Ingest(context.Background(), "", "body", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender is required")
}

func TestCreateDestination_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/destinations", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Accounting", body["name"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "33333333-3333-3333-3333-333333333333",
			"name":        "Accounting",
			"url":         "https://hooks.example.com/momo",
			"routing_key": "*",
			"active":      true,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	dest, err := c.CreateDestination(context.Background(), "Accounting",
		"https://hooks.example.com/momo", "*", "", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Accounting", dest.Name)
	assert.True(t, dest.Active)
}

func TestDeleteDestination_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/destinations/dest-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	require.NoError(t, c.DeleteDestination(context.Background(), "dest-1"))
}

func TestListDeliveryLogs_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FAILED", r.URL.Query().Get("status"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"delivery_logs": []map[string]interface{}{
				{"id": "l1", "status": "FAILED", "retry_count": 2},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	logs, err := c.ListDeliveryLogs(context.Background(), "FAILED")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int32(2), logs[0].RetryCount)
}

func TestSyncNow_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/sync", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"records_synced": 3})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	n, err := c.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncNow_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "sync already in progress"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.SyncNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync already in progress")
}
