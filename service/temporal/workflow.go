package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// RelayCycleWorkflow is the Temporal workflow behind the periodic relay
// maintenance cycle. It is triggered by a schedule at the configured
// interval.
//
// The workflow performs these steps:
// 1. Re-attempt pending and failed webhook deliveries (RetryPendingDeliveries)
// 2. Run a sync cycle against the remote (RunSync)
// 3. Sweep SENT delivery logs past the retention horizon (SweepDeliveryLogs)
//
// Retry and sync failures are recorded on the result but do not abort the
// cycle; a broken webhook endpoint must not stop the retention sweep.
func RelayCycleWorkflow(ctx workflow.Context, input RelayCycleInput) (*RelayCycleResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RelayCycleWorkflow started", "device_id", input.DeviceID)

	result := &RelayCycleResult{
		DeviceID:  input.DeviceID,
		CycleTime: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: retry pending deliveries
	var retryResult *RetryPendingDeliveriesResult
	err := workflow.ExecuteActivity(ctx, a.RetryPendingDeliveries,
		RetryPendingDeliveriesInput{DeviceID: input.DeviceID}).Get(ctx, &retryResult)
	if err != nil {
		logger.Warn("retry pass failed, continuing cycle", "error", err)
		errMsg := fmt.Sprintf("retry pass failed: %v", err)
		result.RetryError = &errMsg
	} else {
		result.DeliveriesRetried = retryResult.Succeeded
	}

	// Step 2: sync against the remote
	var syncResult *RunSyncResult
	err = workflow.ExecuteActivity(ctx, a.RunSync,
		RunSyncInput{DeviceID: input.DeviceID}).Get(ctx, &syncResult)
	if err != nil {
		logger.Warn("sync failed, continuing cycle", "error", err)
		errMsg := fmt.Sprintf("sync failed: %v", err)
		result.SyncError = &errMsg
	} else {
		result.RecordsSynced = syncResult.RecordsSynced
	}

	// Step 3: retention sweep
	var sweepResult *SweepDeliveryLogsResult
	err = workflow.ExecuteActivity(ctx, a.SweepDeliveryLogs,
		SweepDeliveryLogsInput{RetentionHorizon: input.RetentionHorizon}).Get(ctx, &sweepResult)
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		return result, fmt.Errorf("retention sweep failed: %w", err)
	}
	result.LogsSwept = sweepResult.Deleted

	logger.Info("RelayCycleWorkflow completed",
		"device_id", input.DeviceID,
		"deliveries_retried", result.DeliveriesRetried,
		"records_synced", result.RecordsSynced,
		"logs_swept", result.LogsSwept,
	)

	return result, nil
}
