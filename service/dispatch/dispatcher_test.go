package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momoterminal/relay/service/connectivity"
	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/sign"
)

// fakeStore is an in-memory Store for dispatcher tests.
type fakeStore struct {
	mu           sync.Mutex
	messages     map[uuid.UUID]*db.Message
	destinations map[uuid.UUID]*db.Destination
	logs         map[uuid.UUID]*db.DeliveryLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:     make(map[uuid.UUID]*db.Message),
		destinations: make(map[uuid.UUID]*db.Destination),
		logs:         make(map[uuid.UUID]*db.DeliveryLog),
	}
}

func (f *fakeStore) addMessage(routingKey string) *db.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &db.Message{
		ID:           uuid.New(),
		Sender:       "MTN Mobile Money",
		Body:         "Received GHS 50.00 from Kofi. Transaction ID: TX900.",
		PhoneNumber:  routingKey,
		Provider:     "MTN",
		Type:         "RECEIVED",
		AmountMinor:  5000,
		CurrencyCode: "GHS",
		Counterparty: "Kofi",
		Status:       db.StatusPending,
		ObservedAt:   time.Now().UTC().Truncate(time.Second),
	}
	f.messages[m.ID] = m
	return m
}

func (f *fakeStore) addDestination(url, routingKey, secret string, active bool) *db.Destination {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &db.Destination{
		ID:         uuid.New(),
		Name:       "dest-" + routingKey,
		URL:        url,
		RoutingKey: routingKey,
		APIKey:     "key-123",
		HMACSecret: secret,
		Active:     active,
	}
	f.destinations[d.ID] = d
	return d
}

func (f *fakeStore) GetMessage(_ context.Context, id uuid.UUID) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetDestination(_ context.Context, id uuid.UUID) (*db.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.destinations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) ListActiveDestinationsByRoutingKey(_ context.Context, key string) ([]*db.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Destination
	for _, d := range f.destinations {
		if d.Active && d.RoutingKey == key {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveCatchAllDestinations(_ context.Context) ([]*db.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Destination
	for _, d := range f.destinations {
		if d.Active && (d.RoutingKey == "*" || d.RoutingKey == "") {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateDeliveryLog(_ context.Context, destinationID, messageID uuid.UUID) (*db.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.DestinationID == destinationID && l.MessageID == messageID {
			return l, nil
		}
	}
	l := &db.DeliveryLog{
		ID:            uuid.New(),
		DestinationID: destinationID,
		MessageID:     messageID,
		Status:        db.StatusPending,
		CreatedAt:     time.Now(),
	}
	f.logs[l.ID] = l
	return l, nil
}

func (f *fakeStore) GetDeliveryLog(_ context.Context, id uuid.UUID) (*db.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeStore) ListRetryableDeliveryLogs(_ context.Context, maxRetries int32) ([]*db.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.DeliveryLog
	for _, l := range f.logs {
		if (l.Status == db.StatusPending || l.Status == db.StatusFailed) && l.RetryCount < maxRetries {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDeliverySent(_ context.Context, id uuid.UUID, httpCode int, excerpt string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return db.ErrNotFound
	}
	l.Status = db.StatusSent
	l.HTTPCode = &httpCode
	l.ResponseExcerpt = excerpt
	l.SentAt = &sentAt
	return nil
}

func (f *fakeStore) MarkDeliveryFailed(_ context.Context, id uuid.UUID, httpCode *int, excerpt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return db.ErrNotFound
	}
	l.Status = db.StatusFailed
	l.HTTPCode = httpCode
	l.ResponseExcerpt = excerpt
	l.RetryCount++
	return nil
}

func newTestDispatcher(store Store, online bool) *Dispatcher {
	return NewDispatcher(Config{
		Store:        store,
		Connectivity: connectivity.NewStatic(online),
		DeviceID:     "device-test-1",
		MaxRetries:   5,
	})
}

func TestDispatchDeliversToMatchingDestinations(t *testing.T) {
	const secret = "topsecret"
	store := newFakeStore()
	msg := store.addMessage("+233201234567")

	var gotBody []byte
	var gotSig, gotDevice, gotAuth string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotDevice = r.Header.Get("X-Device-Id")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer down.Close()

	upDest := store.addDestination(up.URL, "+233201234567", secret, true)
	downDest := store.addDestination(down.URL, "+233201234567", secret, true)

	d := newTestDispatcher(store, true)
	logIDs, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)
	require.Len(t, logIDs, 2)

	byDest := make(map[uuid.UUID]*db.DeliveryLog)
	for _, id := range logIDs {
		l, err := store.GetDeliveryLog(context.Background(), id)
		require.NoError(t, err)
		byDest[l.DestinationID] = l
	}

	sent := byDest[upDest.ID]
	require.NotNil(t, sent)
	assert.Equal(t, db.StatusSent, sent.Status)
	require.NotNil(t, sent.HTTPCode)
	assert.Equal(t, http.StatusOK, *sent.HTTPCode)
	assert.Equal(t, `{"ok":true}`, sent.ResponseExcerpt)

	failed := byDest[downDest.ID]
	require.NotNil(t, failed)
	assert.Equal(t, db.StatusFailed, failed.Status)
	require.NotNil(t, failed.HTTPCode)
	assert.Equal(t, http.StatusInternalServerError, *failed.HTTPCode)
	assert.Equal(t, int32(1), failed.RetryCount)

	// The signature must cover the exact bytes on the wire.
	assert.True(t, sign.VerifyHex(gotBody, secret, gotSig))
	assert.Equal(t, "device-test-1", gotDevice)
	assert.Equal(t, "Bearer key-123", gotAuth)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "momoterminal", payload["source"])
	assert.Equal(t, "1.0", payload["version"])
	assert.Equal(t, msg.PhoneNumber, payload["phone_number"])
	assert.Equal(t, msg.Sender, payload["sender"])
	assert.Equal(t, msg.Body, payload["message"])
	assert.NotContains(t, payload, "test")
}

func TestDeliveryTimestampHeaderMatchesPayload(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233207777777")

	// A delivery attempted long after observation, as on a retry pass. The
	// header must still carry the observation instant, not the send time.
	store.mu.Lock()
	msg.ObservedAt = time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	store.mu.Unlock()

	var gotBody []byte
	var gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTimestamp = r.Header.Get("X-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store.addDestination(srv.URL, "*", "s", true)

	d := newTestDispatcher(store, true)
	_, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)

	var payload struct {
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	parsed, err := time.Parse(time.RFC3339, payload.Timestamp)
	require.NoError(t, err)

	assert.Equal(t, strconv.FormatInt(parsed.UnixMilli(), 10), gotTimestamp)
	assert.True(t, parsed.Equal(msg.ObservedAt))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	// "héllo" is h(1) é(2) l l o; a 2-byte cut lands mid-rune.
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))

	got := truncate("☃☃☃", 4) // each snowman is 3 bytes
	assert.Equal(t, "☃", got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "", truncate("☃", 2))
}

func TestDispatchFallsBackToCatchAll(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233200000000")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store.addDestination(srv.URL, "+233999999999", "s", true) // different key
	catchAll := store.addDestination(srv.URL, "*", "s", true)
	store.addDestination(srv.URL, "", "s", false) // inactive catch-all

	d := newTestDispatcher(store, true)
	logIDs, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)
	require.Len(t, logIDs, 1)

	l, err := store.GetDeliveryLog(context.Background(), logIDs[0])
	require.NoError(t, err)
	assert.Equal(t, catchAll.ID, l.DestinationID)
	assert.Equal(t, db.StatusSent, l.Status)
}

func TestDispatchExactMatchSuppressesCatchAll(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233201111111")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exact := store.addDestination(srv.URL, "+233201111111", "s", true)
	store.addDestination(srv.URL, "*", "s", true)

	d := newTestDispatcher(store, true)
	logIDs, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)
	require.Len(t, logIDs, 1)

	l, err := store.GetDeliveryLog(context.Background(), logIDs[0])
	require.NoError(t, err)
	assert.Equal(t, exact.ID, l.DestinationID)
}

func TestDispatchOfflineLeavesPending(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233202222222")
	store.addDestination("http://127.0.0.1:1/webhook", "*", "s", true)

	d := newTestDispatcher(store, false)
	logIDs, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)
	require.Len(t, logIDs, 1)

	l, err := store.GetDeliveryLog(context.Background(), logIDs[0])
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, l.Status)
	assert.Equal(t, int32(0), l.RetryCount)
}

func TestDeliverOneSkipsInactiveDestination(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233203333333")
	dest := store.addDestination("http://127.0.0.1:1/webhook", "*", "s", true)

	entry, err := store.CreateDeliveryLog(context.Background(), dest.ID, msg.ID)
	require.NoError(t, err)

	dest.Active = false

	d := newTestDispatcher(store, true)
	ok, err := d.DeliverOne(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	l, err := store.GetDeliveryLog(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, l.Status)
	assert.Equal(t, int32(0), l.RetryCount)
}

func TestRetryPendingRecovers(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233204444444")

	var healthy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store.addDestination(srv.URL, "*", "s", true)

	d := newTestDispatcher(store, true)
	logIDs, err := d.Dispatch(context.Background(), DispatchParams{
		MessageID:  msg.ID,
		RoutingKey: msg.PhoneNumber,
	})
	require.NoError(t, err)
	require.Len(t, logIDs, 1)

	l, err := store.GetDeliveryLog(context.Background(), logIDs[0])
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, l.Status)

	healthy = true
	succeeded, err := d.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)

	l, err = store.GetDeliveryLog(context.Background(), logIDs[0])
	require.NoError(t, err)
	assert.Equal(t, db.StatusSent, l.Status)
}

func TestRetryPendingRespectsCeiling(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233205555555")
	dest := store.addDestination("http://127.0.0.1:1/webhook", "*", "s", true)

	entry, err := store.CreateDeliveryLog(context.Background(), dest.ID, msg.ID)
	require.NoError(t, err)
	store.logs[entry.ID].Status = db.StatusFailed
	store.logs[entry.ID].RetryCount = 5

	d := newTestDispatcher(store, true)
	succeeded, err := d.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)

	l, err := store.GetDeliveryLog(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(5), l.RetryCount)
}

func TestRetryPendingOfflineSkips(t *testing.T) {
	store := newFakeStore()
	msg := store.addMessage("+233206666666")
	dest := store.addDestination("http://127.0.0.1:1/webhook", "*", "s", true)
	_, err := store.CreateDeliveryLog(context.Background(), dest.ID, msg.ID)
	require.NoError(t, err)

	d := newTestDispatcher(store, false)
	succeeded, err := d.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
}

func TestTestDestination(t *testing.T) {
	const secret = "test-secret"
	store := newFakeStore()

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("received"))
	}))
	defer srv.Close()

	dest := store.addDestination(srv.URL, "*", secret, true)

	d := newTestDispatcher(store, true)
	result, err := d.TestDestination(context.Background(), dest.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.Equal(t, "received", result.ResponseExcerpt)

	assert.True(t, sign.VerifyHex(gotBody, secret, gotSig))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, true, payload["test"])
	assert.NotContains(t, payload, "phone_number")
	assert.NotContains(t, payload, "sender")

	// Test deliveries never touch the delivery log.
	assert.Empty(t, store.logs)
}

func TestTestDestinationTransportError(t *testing.T) {
	store := newFakeStore()
	dest := store.addDestination("http://127.0.0.1:1/webhook", "*", "s", true)

	d := newTestDispatcher(store, true)
	_, err := d.TestDestination(context.Background(), dest.ID)
	require.Error(t, err)
}
