package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessage(t *testing.T, ts *TestStore) *Message {
	t.Helper()

	txID := "TX12345"
	msg, err := ts.CreateMessage(context.Background(), CreateMessageParams{
		Sender:       "MTN MoMo",
		Body:         "Received GHS 1,500.00 from Merchant ABC. Transaction ID: TX12345",
		PhoneNumber:  "+233555000111",
		Provider:     "MTN",
		Type:         "RECEIVED",
		AmountMinor:  150000,
		CurrencyCode: "GHS",
		Counterparty: "Merchant ABC",
		ProviderTxID: &txID,
		ObservedAt:   time.Now().UTC().Truncate(time.Millisecond),
	})
	require.NoError(t, err)
	return msg
}

func seedDestination(t *testing.T, ts *TestStore, routingKey string, active bool) *Destination {
	t.Helper()

	dest, err := ts.CreateDestination(context.Background(), CreateDestinationParams{
		Name:       "ledger-" + routingKey,
		URL:        "https://example.com/hook",
		RoutingKey: routingKey,
		APIKey:     "key",
		HMACSecret: "secret",
		Active:     active,
	})
	require.NoError(t, err)
	return dest
}

func TestMessageLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)
	ts := NewTestStore(t)
	defer ts.Close()
	ts.Cleanup(t)

	ctx := context.Background()
	msg := seedMessage(t, ts)

	assert.Equal(t, StatusPending, msg.Status)
	assert.False(t, msg.Synced)
	require.NotNil(t, msg.ProviderTxID)
	assert.Equal(t, "TX12345", *msg.ProviderTxID)
	assert.Nil(t, msg.BalanceMinor)

	unsynced, err := ts.ListUnsyncedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	require.NoError(t, ts.MarkMessageSynced(ctx, msg.ID))

	got, err := ts.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, StatusSent, got.Status)

	unsynced, err = ts.ListUnsyncedMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestGetMessage_NotFound(t *testing.T) {
	SkipIfNoTestDB(t)
	ts := NewTestStore(t)
	defer ts.Close()
	ts.Cleanup(t)

	_, err := ts.GetMessage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestinationRouting(t *testing.T) {
	SkipIfNoTestDB(t)
	ts := NewTestStore(t)
	defer ts.Close()
	ts.Cleanup(t)

	ctx := context.Background()
	exact := seedDestination(t, ts, "+1555", true)
	seedDestination(t, ts, "+1555", false) // inactive, must not route
	wildcard := seedDestination(t, ts, "*", true)
	empty := seedDestination(t, ts, "", true)

	matched, err := ts.ListActiveDestinationsByRoutingKey(ctx, "+1555")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, exact.ID, matched[0].ID)

	catchAll, err := ts.ListActiveCatchAllDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, catchAll, 2)
	ids := []uuid.UUID{catchAll[0].ID, catchAll[1].ID}
	assert.Contains(t, ids, wildcard.ID)
	assert.Contains(t, ids, empty.ID)
}

func TestDeliveryLogLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)
	ts := NewTestStore(t)
	defer ts.Close()
	ts.Cleanup(t)

	ctx := context.Background()
	msg := seedMessage(t, ts)
	dest := seedDestination(t, ts, "*", true)

	entry, err := ts.CreateDeliveryLog(ctx, dest.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Zero(t, entry.RetryCount)
	assert.Nil(t, entry.HTTPCode)
	assert.Nil(t, entry.SentAt)

	// Re-creating the same (destination, message) pair returns the
	// existing row instead of a duplicate.
	again, err := ts.CreateDeliveryLog(ctx, dest.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)

	code := 502
	require.NoError(t, ts.MarkDeliveryFailed(ctx, entry.ID, &code, "bad gateway"))

	failed, err := ts.GetDeliveryLog(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, int32(1), failed.RetryCount)
	require.NotNil(t, failed.HTTPCode)
	assert.Equal(t, 502, *failed.HTTPCode)

	retryable, err := ts.ListRetryableDeliveryLogs(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, retryable, 1)

	// Exhausted entries drop out of the retryable set.
	exhausted, err := ts.ListRetryableDeliveryLogs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, exhausted)

	sentAt := time.Now().UTC()
	require.NoError(t, ts.MarkDeliverySent(ctx, entry.ID, 200, `{"ok":true}`, sentAt))

	sent, err := ts.GetDeliveryLog(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)

	counts, err := ts.CountDeliveryLogsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusSent])
}

func TestRetentionSweep(t *testing.T) {
	SkipIfNoTestDB(t)
	ts := NewTestStore(t)
	defer ts.Close()
	ts.Cleanup(t)

	ctx := context.Background()
	msg := seedMessage(t, ts)
	dest := seedDestination(t, ts, "*", true)

	entry, err := ts.CreateDeliveryLog(ctx, dest.ID, msg.ID)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, ts.MarkDeliverySent(ctx, entry.ID, 200, "", old))

	// The sweep only touches SENT rows past the horizon.
	deleted, err := ts.DeleteSentDeliveryLogsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = ts.GetDeliveryLog(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
