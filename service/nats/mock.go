package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher for testing.
type MockPublisher struct {
	mu sync.Mutex

	Transactions []*TransactionEvent
	SyncStates   []*SyncStateEvent

	publishErr error
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetPublishError makes all publish calls return err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// PublishTransaction records the event.
func (m *MockPublisher) PublishTransaction(_ context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.Transactions = append(m.Transactions, event)
	return nil
}

// PublishSyncState records the event.
func (m *MockPublisher) PublishSyncState(_ context.Context, event *SyncStateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.SyncStates = append(m.SyncStates, event)
	return nil
}

// TransactionCount returns the number of published transaction events.
func (m *MockPublisher) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transactions)
}

// LastSyncState returns the most recent sync state event, or nil.
func (m *MockPublisher) LastSyncState() *SyncStateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SyncStates) == 0 {
		return nil
	}
	return m.SyncStates[len(m.SyncStates)-1]
}

// Close is a no-op.
func (m *MockPublisher) Close() error { return nil }
