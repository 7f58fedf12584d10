package temporal

import (
	"context"
	"time"
)

// Scheduler manages the Temporal schedule driving the relay maintenance
// cycle: delivery retries, sync, and the delivery log retention sweep.
type Scheduler interface {
	// CreateRelaySchedule creates the schedule that triggers the
	// RelayCycleWorkflow on the given interval.
	CreateRelaySchedule(ctx context.Context, deviceID string, interval time.Duration) error

	// DeleteRelaySchedule deletes the relay schedule for a device. This
	// stops future cycles; an in-flight workflow finishes on its own.
	DeleteRelaySchedule(ctx context.Context, deviceID string) error

	// TriggerRelayCycle starts one cycle immediately, outside the schedule.
	TriggerRelayCycle(ctx context.Context, deviceID string) error
}

// scheduleID returns the Temporal schedule ID for a device.
func scheduleID(deviceID string) string {
	return "relay-cycle-" + deviceID
}
