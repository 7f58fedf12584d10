package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/momoterminal/relay/service/metrics"
)

// RelayCycleInput contains the input parameters for one relay cycle.
type RelayCycleInput struct {
	DeviceID         string        `json:"device_id"`
	RetentionHorizon time.Duration `json:"retention_horizon"`
}

// RelayCycleResult contains the result of one relay cycle.
type RelayCycleResult struct {
	DeviceID           string    `json:"device_id"`
	DeliveriesRetried  int       `json:"deliveries_retried"`
	RecordsSynced      int       `json:"records_synced"`
	LogsSwept          int64     `json:"logs_swept"`
	CycleTime          time.Time `json:"cycle_time"`
	RetryError         *string   `json:"retry_error,omitempty"`
	SyncError          *string   `json:"sync_error,omitempty"`
}

// RetryPendingDeliveriesInput contains parameters for the retry activity.
type RetryPendingDeliveriesInput struct {
	DeviceID string `json:"device_id"`
}

// RetryPendingDeliveriesResult contains the result of the retry activity.
type RetryPendingDeliveriesResult struct {
	Succeeded int `json:"succeeded"`
}

// RunSyncInput contains parameters for the sync activity.
type RunSyncInput struct {
	DeviceID string `json:"device_id"`
}

// RunSyncResult contains the result of the sync activity.
type RunSyncResult struct {
	RecordsSynced int `json:"records_synced"`
}

// SweepDeliveryLogsInput contains parameters for the retention sweep
// activity.
type SweepDeliveryLogsInput struct {
	RetentionHorizon time.Duration `json:"retention_horizon"`
}

// SweepDeliveryLogsResult contains the result of the retention sweep.
type SweepDeliveryLogsResult struct {
	Deleted int64 `json:"deleted"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	DeleteSentDeliveryLogsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DispatcherInterface defines the delivery operations needed by activities.
type DispatcherInterface interface {
	RetryPending(ctx context.Context) (int, error)
}

// SyncerInterface defines the sync operations needed by activities.
// SyncScheduled is the schedule-facing entry point: it is a no-op when
// scheduled passes are cancelled or the device is offline.
type SyncerInterface interface {
	SyncScheduled(ctx context.Context) (int, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	store      StoreInterface
	dispatcher DispatcherInterface
	syncer     SyncerInterface
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit
// dependencies. If metrics is nil, no metrics are recorded.
func NewActivities(
	store StoreInterface,
	dispatcher DispatcherInterface,
	syncer SyncerInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:      store,
		dispatcher: dispatcher,
		syncer:     syncer,
		metrics:    m,
		logger:     logger,
	}
}

// RetryPendingDeliveries re-attempts all delivery log entries still
// eligible for retry.
func (a *Activities) RetryPendingDeliveries(ctx context.Context, input RetryPendingDeliveriesInput) (*RetryPendingDeliveriesResult, error) {
	a.logger.DebugContext(ctx, "retrying pending deliveries", "device_id", input.DeviceID)

	succeeded, err := a.dispatcher.RetryPending(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "retry pass failed", "error", err)
		return nil, fmt.Errorf("retry pass failed: %w", err)
	}

	a.logger.InfoContext(ctx, "retry pass finished", "succeeded", succeeded)
	return &RetryPendingDeliveriesResult{Succeeded: succeeded}, nil
}

// RunSync runs one scheduled sync cycle against the remote.
func (a *Activities) RunSync(ctx context.Context, input RunSyncInput) (*RunSyncResult, error) {
	a.logger.DebugContext(ctx, "running scheduled sync", "device_id", input.DeviceID)

	synced, err := a.syncer.SyncScheduled(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "scheduled sync failed", "error", err)
		return nil, fmt.Errorf("scheduled sync failed: %w", err)
	}

	a.logger.InfoContext(ctx, "scheduled sync finished", "records_synced", synced)
	return &RunSyncResult{RecordsSynced: synced}, nil
}

// SweepDeliveryLogs removes SENT delivery log entries older than the
// retention horizon. Failed entries are never swept.
func (a *Activities) SweepDeliveryLogs(ctx context.Context, input SweepDeliveryLogsInput) (*SweepDeliveryLogsResult, error) {
	before := time.Now().UTC().Add(-input.RetentionHorizon)
	a.logger.DebugContext(ctx, "sweeping delivery logs", "before", before)

	deleted, err := a.store.DeleteSentDeliveryLogsOlderThan(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		return nil, fmt.Errorf("retention sweep failed: %w", err)
	}

	if deleted > 0 {
		a.logger.InfoContext(ctx, "retention sweep finished", "deleted", deleted)
	}
	return &SweepDeliveryLogsResult{Deleted: deleted}, nil
}
