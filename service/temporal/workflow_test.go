package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterWorkflow(RelayCycleWorkflow)
	env.RegisterActivity(activities.RetryPendingDeliveries)
	env.RegisterActivity(activities.RunSync)
	env.RegisterActivity(activities.SweepDeliveryLogs)
	return env, activities
}

func TestRelayCycleWorkflow(t *testing.T) {
	input := RelayCycleInput{
		DeviceID:         "device-test-1",
		RetentionHorizon: 720 * time.Hour,
	}

	t.Run("all steps succeed", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)

		env.OnActivity(activities.RetryPendingDeliveries, mock.Anything, mock.Anything).
			Return(&RetryPendingDeliveriesResult{Succeeded: 2}, nil)
		env.OnActivity(activities.RunSync, mock.Anything, mock.Anything).
			Return(&RunSyncResult{RecordsSynced: 5}, nil)
		env.OnActivity(activities.SweepDeliveryLogs, mock.Anything, mock.Anything).
			Return(&SweepDeliveryLogsResult{Deleted: 3}, nil)

		env.ExecuteWorkflow(RelayCycleWorkflow, input)
		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result RelayCycleResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "device-test-1", result.DeviceID)
		assert.Equal(t, 2, result.DeliveriesRetried)
		assert.Equal(t, 5, result.RecordsSynced)
		assert.Equal(t, int64(3), result.LogsSwept)
		assert.Nil(t, result.RetryError)
		assert.Nil(t, result.SyncError)
	})

	t.Run("retry failure does not abort the cycle", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)

		env.OnActivity(activities.RetryPendingDeliveries, mock.Anything, mock.Anything).
			Return(nil, errors.New("webhook endpoint down"))
		env.OnActivity(activities.RunSync, mock.Anything, mock.Anything).
			Return(&RunSyncResult{RecordsSynced: 1}, nil)
		env.OnActivity(activities.SweepDeliveryLogs, mock.Anything, mock.Anything).
			Return(&SweepDeliveryLogsResult{Deleted: 0}, nil)

		env.ExecuteWorkflow(RelayCycleWorkflow, input)
		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result RelayCycleResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.NotNil(t, result.RetryError)
		assert.Equal(t, 1, result.RecordsSynced)
	})

	t.Run("sync failure does not abort the cycle", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)

		env.OnActivity(activities.RetryPendingDeliveries, mock.Anything, mock.Anything).
			Return(&RetryPendingDeliveriesResult{Succeeded: 0}, nil)
		env.OnActivity(activities.RunSync, mock.Anything, mock.Anything).
			Return(nil, errors.New("remote unavailable"))
		env.OnActivity(activities.SweepDeliveryLogs, mock.Anything, mock.Anything).
			Return(&SweepDeliveryLogsResult{Deleted: 7}, nil)

		env.ExecuteWorkflow(RelayCycleWorkflow, input)
		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result RelayCycleResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.NotNil(t, result.SyncError)
		assert.Equal(t, int64(7), result.LogsSwept)
	})

	t.Run("sweep failure fails the workflow", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)

		env.OnActivity(activities.RetryPendingDeliveries, mock.Anything, mock.Anything).
			Return(&RetryPendingDeliveriesResult{Succeeded: 0}, nil)
		env.OnActivity(activities.RunSync, mock.Anything, mock.Anything).
			Return(&RunSyncResult{RecordsSynced: 0}, nil)
		env.OnActivity(activities.SweepDeliveryLogs, mock.Anything, mock.Anything).
			Return(nil, errors.New("database unavailable"))

		env.ExecuteWorkflow(RelayCycleWorkflow, input)
		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
	})
}

func TestMockScheduler(t *testing.T) {
	m := NewMockScheduler()
	ctx := t.Context()

	require.NoError(t, m.CreateRelaySchedule(ctx, "device-1", 15*time.Minute))
	assert.True(t, m.ScheduleExists("device-1"))

	interval, ok := m.GetScheduleInterval("device-1")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, interval)

	require.NoError(t, m.TriggerRelayCycle(ctx, "device-1"))
	assert.Equal(t, 1, m.TriggerCount())

	require.NoError(t, m.DeleteRelaySchedule(ctx, "device-1"))
	assert.False(t, m.ScheduleExists("device-1"))
	require.Error(t, m.DeleteRelaySchedule(ctx, "device-1"))
}
