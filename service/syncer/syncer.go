package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momoterminal/relay/service/connectivity"
	"github.com/momoterminal/relay/service/db"
	"github.com/momoterminal/relay/service/metrics"
	"github.com/momoterminal/relay/service/nats"
)

// State is the orchestrator's externally visible condition.
type State string

const (
	StateIdle    State = "IDLE"
	StateSyncing State = "SYNCING"
	StateSuccess State = "SUCCESS"
	StateError   State = "ERROR"
	StateOffline State = "OFFLINE"
)

// Event is one state transition, fanned out to subscribers and NATS.
type Event struct {
	State       State
	SyncedCount int
	Err         string
	Retryable   bool
	At          time.Time
}

// ErrOffline is returned when a sync is requested while the device has no
// network.
var ErrOffline = errors.New("syncer: device is offline")

// ErrSyncInProgress is returned when a sync is requested while one is
// already running. The in-flight cycle's result stands for both callers.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Store is the persistence surface the orchestrator needs.
type Store interface {
	ListMessages(ctx context.Context, limit, offset int32) ([]*db.Message, error)
	ListUnsyncedMessages(ctx context.Context) ([]*db.Message, error)
	MarkMessageSynced(ctx context.Context, id uuid.UUID) error
	MarkMessageUnsynced(ctx context.Context, id uuid.UUID) error
	ApplyRemoteMessage(ctx context.Context, m *db.Message) (*db.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
}

// Orchestrator drives the push-then-reconcile sync cycle. A single cycle
// runs at a time; overlapping triggers collapse into the in-flight one.
// In-flight cycles are never cancelled, losing connectivity mid-cycle lets
// the remaining records fail naturally.
type Orchestrator struct {
	store     Store
	remote    RemoteStore
	net       connectivity.Oracle
	publisher nats.Publisher
	deviceID  string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	syncing bool

	subMu       sync.Mutex
	subscribers []chan Event

	scheduleCancelled atomic.Bool
}

// OrchestratorConfig carries the orchestrator's construction parameters.
type OrchestratorConfig struct {
	Store        Store
	Remote       RemoteStore
	Connectivity connectivity.Oracle
	Publisher    nats.Publisher
	DeviceID     string
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     cfg.Store,
		remote:    cfg.Remote,
		net:       cfg.Connectivity,
		publisher: cfg.Publisher,
		deviceID:  cfg.DeviceID,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "sync_orchestrator"),
	}
}

// Start watches the connectivity signal until ctx ends. Going offline emits
// the Offline state; regaining the network emits Idle and triggers a sync.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-o.net.Changes():
				if !ok {
					return
				}
				if !online {
					o.emit(Event{State: StateOffline, At: time.Now().UTC()})
					continue
				}
				o.emit(Event{State: StateIdle, At: time.Now().UTC()})
				if _, err := o.SyncNow(ctx); err != nil &&
					!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
					o.logger.Error("connectivity-triggered sync failed", "error", err)
				}
			}
		}
	}()
}

// Subscribe returns a channel receiving every state transition. Slow
// subscribers drop events rather than stall the cycle.
func (o *Orchestrator) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	o.subMu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.subMu.Unlock()
	return ch
}

// CancelScheduled suppresses future scheduled passes. It never interrupts
// an in-flight cycle; explicit SyncNow calls still run.
func (o *Orchestrator) CancelScheduled() {
	o.scheduleCancelled.Store(true)
	o.logger.Info("scheduled sync passes cancelled")
}

// ResumeScheduled re-enables scheduled passes after CancelScheduled.
func (o *Orchestrator) ResumeScheduled() {
	o.scheduleCancelled.Store(false)
}

// SyncScheduled runs a cycle on behalf of the periodic schedule. It is a
// no-op after CancelScheduled.
func (o *Orchestrator) SyncScheduled(ctx context.Context) (int, error) {
	if o.scheduleCancelled.Load() {
		o.logger.Debug("scheduled pass suppressed")
		return 0, nil
	}
	n, err := o.SyncNow(ctx)
	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrOffline) {
		return 0, nil
	}
	return n, err
}

// SyncNow runs one full cycle: push unsynced local records, then pull the
// remote set and reconcile. Returns the number of records pushed.
func (o *Orchestrator) SyncNow(ctx context.Context) (int, error) {
	if !o.net.Online(ctx) {
		return 0, ErrOffline
	}

	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
		o.emit(Event{State: StateIdle, At: time.Now().UTC()})
	}()

	o.emit(Event{State: StateSyncing, At: time.Now().UTC()})
	start := time.Now()

	pushed, err := o.runCycle(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		o.metrics.RecordSyncCycle("error", elapsed, pushed)
		o.emit(Event{
			State:     StateError,
			Err:       err.Error(),
			Retryable: !errors.Is(err, context.Canceled),
			At:        time.Now().UTC(),
		})
		return pushed, err
	}

	o.metrics.RecordSyncCycle("success", elapsed, pushed)
	o.emit(Event{State: StateSuccess, SyncedCount: pushed, At: time.Now().UTC()})
	o.logger.Info("sync cycle complete", "pushed", pushed, "duration_s", elapsed)
	return pushed, nil
}

func (o *Orchestrator) runCycle(ctx context.Context) (int, error) {
	pushed, pushErr := o.push(ctx)

	// Reconcile even after a partial push so acknowledged records are not
	// starved by one bad upload.
	repushed, err := o.reconcile(ctx)
	pushed += repushed
	if err != nil {
		if pushErr != nil {
			return pushed, fmt.Errorf("push: %w; reconcile: %v", pushErr, err)
		}
		return pushed, err
	}
	return pushed, pushErr
}

// push uploads unsynced records one at a time. Each record is its own unit
// of work: a failure leaves that record PENDING and moves on.
func (o *Orchestrator) push(ctx context.Context) (int, error) {
	unsynced, err := o.store.ListUnsyncedMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced messages: %w", err)
	}

	pushed := 0
	var firstErr error
	for _, m := range unsynced {
		if err := o.remote.PushMessage(ctx, m); err != nil {
			o.logger.Warn("push failed, record stays pending", "message_id", m.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := o.store.MarkMessageSynced(ctx, m.ID); err != nil {
			return pushed, fmt.Errorf("failed to mark %s synced: %w", m.ID, err)
		}
		pushed++
	}

	if firstErr != nil {
		return pushed, fmt.Errorf("%d of %d records failed to push: %w",
			len(unsynced)-pushed, len(unsynced), firstErr)
	}
	return pushed, nil
}

// reconcilePageSize bounds one reconciliation pass.
const reconcilePageSize = 500

// reconcile pulls the remote set and resolves conflicts per record. It
// returns how many records were re-uploaded because the local version won.
func (o *Orchestrator) reconcile(ctx context.Context) (int, error) {
	records, err := o.remote.FetchRecords(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[uuid.UUID]*RemoteRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	locals, err := o.store.ListMessages(ctx, reconcilePageSize, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list local messages: %w", err)
	}

	repushed := 0
	for _, local := range locals {
		remote := byID[local.ID]
		conflict := DetectConflict(local, remote)
		if conflict == ConflictNone {
			continue
		}

		resolution := Resolve(conflict, local, remote)
		o.metrics.RecordConflict(string(conflict), string(resolution))
		o.logger.Info("conflict resolved",
			"message_id", local.ID, "type", conflict, "resolution", resolution)

		if resolution == KeepLocal {
			if conflict == ConflictDeletedOnServer {
				continue
			}
			// The record is already flagged synced, so the push pass skips
			// it; re-upload the winning local version now or the stale
			// server copy re-detects the same conflict every cycle.
			if err := o.remote.PushMessage(ctx, local); err != nil {
				o.logger.Warn("re-push of conflicted record failed",
					"message_id", local.ID, "error", err)
				if err := o.store.MarkMessageUnsynced(ctx, local.ID); err != nil {
					return repushed, fmt.Errorf("failed to flag %s for re-upload: %w", local.ID, err)
				}
				continue
			}
			if err := o.store.MarkMessageSynced(ctx, local.ID); err != nil {
				return repushed, fmt.Errorf("failed to mark %s synced: %w", local.ID, err)
			}
			repushed++
			continue
		}

		if conflict == ConflictDeletedOnServer {
			if err := o.store.DeleteMessage(ctx, local.ID); err != nil {
				return repushed, fmt.Errorf("failed to apply server deletion of %s: %w", local.ID, err)
			}
			continue
		}

		if _, err := o.store.ApplyRemoteMessage(ctx, Merge(local, remote)); err != nil {
			return repushed, fmt.Errorf("failed to apply remote version of %s: %w", local.ID, err)
		}
	}
	return repushed, nil
}

func (o *Orchestrator) emit(e Event) {
	o.subMu.Lock()
	for _, ch := range o.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	o.subMu.Unlock()

	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.publisher.PublishSyncState(ctx, &nats.SyncStateEvent{
		State:       string(e.State),
		SyncedCount: e.SyncedCount,
		Error:       e.Err,
		Retryable:   e.Retryable,
		DeviceID:    o.deviceID,
		At:          e.At,
	})
	if err != nil {
		o.logger.Warn("failed to publish sync state", "state", e.State, "error", err)
	}
}
