package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client           client.Client
	taskQueue        string
	retentionHorizon time.Duration
	logger           *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, retentionHorizon time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:           c,
		taskQueue:        taskQueue,
		retentionHorizon: retentionHorizon,
		logger:           logger,
	}, nil
}

// CreateRelaySchedule creates the Temporal schedule for a device's relay
// cycle. An existing schedule is left untouched.
func (c *Client) CreateRelaySchedule(ctx context.Context, deviceID string, interval time.Duration) error {
	id := scheduleID(deviceID)

	c.logger.Debug("creating relay schedule",
		"device_id", deviceID,
		"schedule_id", id,
		"interval", interval,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err == nil {
		c.logger.Info("relay schedule already exists", "schedule_id", id)
		return nil
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "relay-cycle-" + deviceID,
			Workflow:  "RelayCycleWorkflow",
			TaskQueue: c.taskQueue,
			Args: []interface{}{RelayCycleInput{
				DeviceID:         deviceID,
				RetentionHorizon: c.retentionHorizon,
			}},
		},
		Memo: map[string]interface{}{
			"device_id":  deviceID,
			"created_by": "momoterminal-relay",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"device_id", deviceID,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("relay schedule created",
		"device_id", deviceID,
		"schedule_id", id,
		"interval", interval,
	)

	return nil
}

// DeleteRelaySchedule deletes the Temporal schedule for a device.
func (c *Client) DeleteRelaySchedule(ctx context.Context, deviceID string) error {
	id := scheduleID(deviceID)

	c.logger.Debug("deleting relay schedule", "device_id", deviceID, "schedule_id", id)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"device_id", deviceID,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("relay schedule deleted", "device_id", deviceID, "schedule_id", id)
	return nil
}

// TriggerRelayCycle starts one relay cycle immediately.
func (c *Client) TriggerRelayCycle(ctx context.Context, deviceID string) error {
	workflowID := fmt.Sprintf("relay-cycle-manual-%s-%d", deviceID, time.Now().UnixMilli())

	_, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, "RelayCycleWorkflow", RelayCycleInput{
		DeviceID:         deviceID,
		RetentionHorizon: c.retentionHorizon,
	})
	if err != nil {
		return fmt.Errorf("failed to start relay cycle: %w", err)
	}

	c.logger.Info("relay cycle triggered", "device_id", deviceID, "workflow_id", workflowID)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow
// operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
