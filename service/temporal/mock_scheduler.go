package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu         sync.Mutex
	schedules  map[string]time.Duration // map[scheduleID]interval
	triggered  []string
	createErr  error
	deleteErr  error
	triggerErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
	}
}

// CreateRelaySchedule records that a schedule was created.
func (m *MockScheduler) CreateRelaySchedule(ctx context.Context, deviceID string, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleID(deviceID)] = interval
	return nil
}

// DeleteRelaySchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteRelaySchedule(ctx context.Context, deviceID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(deviceID)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// TriggerRelayCycle records a manual trigger.
func (m *MockScheduler) TriggerRelayCycle(ctx context.Context, deviceID string) error {
	if m.triggerErr != nil {
		return m.triggerErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, deviceID)
	return nil
}

// SetCreateError makes CreateRelaySchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteRelaySchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// SetTriggerError makes TriggerRelayCycle return an error.
func (m *MockScheduler) SetTriggerError(err error) {
	m.triggerErr = err
}

// ScheduleExists checks if a schedule exists for a device.
func (m *MockScheduler) ScheduleExists(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[scheduleID(deviceID)]
	return exists
}

// GetScheduleInterval returns the interval for a device's schedule.
func (m *MockScheduler) GetScheduleInterval(deviceID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[scheduleID(deviceID)]
	return interval, exists
}

// TriggerCount returns the number of manual triggers.
func (m *MockScheduler) TriggerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggered)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]time.Duration)
	m.triggered = nil
	m.createErr = nil
	m.deleteErr = nil
	m.triggerErr = nil
}
