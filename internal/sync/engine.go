// Package sync provides the offline-first synchronization engine: a
// write-through save path, a durable queue of mutations made while the
// remote store was unreachable, and a drain that replays them.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/cache"
	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
	"github.com/kimhsiao/studysync/backend/internal/models"
	"github.com/kimhsiao/studysync/backend/internal/remote"
	"github.com/kimhsiao/studysync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/studysync/backend/internal/sync/queue"
	"github.com/kimhsiao/studysync/backend/internal/telemetry"
	"github.com/kimhsiao/studysync/backend/internal/uuid"
)

// Load sources.
const (
	SourceRemote = "remote"
	SourceCache  = "cache"
)

// SaveResult reports where a save landed.
type SaveResult struct {
	Synced      bool  `json:"synced"`
	Queued      bool  `json:"queued"`
	OperationID int64 `json:"operationId,omitempty"`
}

// LoadResult is the payload returned by Load and where it came from.
// Found is false when neither the remote store nor the cache has a value.
type LoadResult struct {
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Found     bool            `json:"found"`
	UpdatedAt int64           `json:"updatedAt,omitempty"`
}

// DrainResult counts the outcome of a drain.
type DrainResult struct {
	Processed  int   `json:"processed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Superseded int64 `json:"superseded"`
	Swept      int64 `json:"swept"`
}

func (r *DrainResult) add(other DrainResult) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Superseded += other.Superseded
	r.Swept += other.Swept
}

// Engine owns every status transition of queued operations.
type Engine struct {
	cache   *cache.Store
	queue   *queue.SyncQueue
	remote  remote.DocumentStore
	monitor *connectivity.Monitor
	metrics *telemetry.Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	handlerMu sync.RWMutex
	handler   SyncEventHandler

	now       func() time.Time
	ready     chan struct{}
	readyOnce sync.Once
}

// NewEngine creates an Engine. The monitor supplies the online signal used
// by Save and Load and the transitions followed by Run.
func NewEngine(store *cache.Store, q *queue.SyncQueue, docs remote.DocumentStore, monitor *connectivity.Monitor) *Engine {
	return &Engine{
		cache:   store,
		queue:   q,
		remote:  docs,
		monitor: monitor,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
		ready:   make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus collectors. Nil disables recording.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// SetEventHandler sets the handler receiving sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.handlerMu.RLock()
	handler := e.handler
	e.handlerMu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	handler.OnSyncEvent(event)
}

// Online reports the current connectivity signal.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Queue returns the engine's sync queue.
func (e *Engine) Queue() *queue.SyncQueue {
	return e.queue
}

// Save writes payload to the local cache, then tries the remote store when
// online. A failed or skipped remote write queues the mutation. Local
// storage errors abort the save and nothing is queued. Saves and drains of
// the same user are serialized: an online save first replays the user's
// pending operations, so the direct write never lands ahead of older
// queued ones.
func (e *Engine) Save(ctx context.Context, entityType models.EntityType, userID string, payload json.RawMessage) (SaveResult, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.cache.Save(ctx, entityType, userID, payload); err != nil {
		return SaveResult{}, err
	}

	if e.Online() {
		synced, err := e.writeThrough(ctx, userID, entityType, payload)
		if err != nil {
			return SaveResult{}, err
		}
		if synced {
			e.metrics.RecordSave(string(entityType), false)
			e.emitEvent(SyncEvent{Type: SyncEventSaveSynced, UserID: userID, EntityType: entityType, Online: true})
			return SaveResult{Synced: true}, nil
		}
	}

	op := &models.QueueOperation{
		UserID:     userID,
		EntityType: entityType,
		Payload:    payload,
		Timestamp:  e.now().UnixMilli(),
	}
	id, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return SaveResult{}, err
	}

	e.metrics.RecordSave(string(entityType), true)
	e.emitEvent(SyncEvent{
		Type:        SyncEventSaveQueued,
		UserID:      userID,
		EntityType:  entityType,
		OperationID: id,
		Online:      e.Online(),
	})
	return SaveResult{Queued: true, OperationID: id}, nil
}

// writeThrough drains userID's pending operations, then writes payload to
// the remote store. It reports false when the remote write fails. The
// caller holds the user lock.
func (e *Engine) writeThrough(ctx context.Context, userID string, entityType models.EntityType, payload json.RawMessage) (bool, error) {
	counts, err := e.queue.Counts(ctx, userID)
	if err != nil {
		return false, err
	}
	if counts.Pending > 0 {
		if _, err := e.drainLocked(ctx, userID); err != nil {
			return false, err
		}
	}

	if err := e.writeRemote(ctx, userID, entityType, payload); err != nil {
		logging.Warn("Remote write failed, queuing operation", map[string]interface{}{
			"user_id":     userID,
			"entity_type": string(entityType),
			"error":       err.Error(),
		})
		return false, nil
	}

	// Every queued operation for this field is older than payload.
	if _, err := e.queue.Supersede(ctx, userID, entityType, math.MaxInt64); err != nil {
		logging.Warn("Failed to supersede queued operations", map[string]interface{}{
			"user_id":     userID,
			"entity_type": string(entityType),
			"error":       err.Error(),
		})
	}
	return true, nil
}

// Load returns the remote value when online and reachable, writing it
// through to the cache. Otherwise it returns the cached value. A field the
// remote document does not have falls back to the cache, as does a field
// with unsynced queued operations: the cache holds the newer value.
func (e *Engine) Load(ctx context.Context, entityType models.EntityType, userID string) (LoadResult, error) {
	if !entityType.Valid() || userID == "" {
		return LoadResult{}, errors.New(errors.ErrInvalid, "load requires a user id and a known entity type")
	}

	useRemote := e.Online()
	if useRemote {
		unsynced, err := e.queue.HasUnsynced(ctx, userID, entityType)
		if err != nil {
			return LoadResult{}, err
		}
		if unsynced {
			logging.Debug("Field has unsynced changes, serving cache", map[string]interface{}{
				"user_id":     userID,
				"entity_type": string(entityType),
			})
			useRemote = false
		}
	}

	if useRemote {
		payload, found, err := e.remote.GetField(ctx, userID, string(entityType))
		switch {
		case err != nil:
			logging.Warn("Remote read failed, serving cache", map[string]interface{}{
				"user_id":     userID,
				"entity_type": string(entityType),
				"error":       errors.Wrap(errors.ErrRemoteReadFailed, "get field", err).Error(),
			})
		case found:
			if err := e.cache.Save(ctx, entityType, userID, payload); err != nil {
				return LoadResult{}, err
			}
			return LoadResult{
				Payload:   payload,
				Source:    SourceRemote,
				Found:     true,
				UpdatedAt: e.now().UnixMilli(),
			}, nil
		}
	}

	e.metrics.RecordCacheFallback()
	record, err := e.cache.Load(ctx, entityType, userID)
	if err != nil {
		return LoadResult{}, err
	}
	if record == nil {
		return LoadResult{Source: SourceCache}, nil
	}
	return LoadResult{
		Payload:   record.Payload,
		Source:    SourceCache,
		Found:     true,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// Drain replays the pending operations of userID in insertion order, then
// sweeps completed entries. Drains for the same user are serialized, and
// each operation's status is re-read immediately before its replay so an
// operation completed elsewhere is skipped. A remote failure marks only
// that operation failed; the loop continues. Once an operation lands,
// older pending or failed operations for the same field are superseded.
// Cancelling ctx does not interrupt a drain in progress.
func (e *Engine) Drain(ctx context.Context, userID string) (DrainResult, error) {
	if userID == "" {
		return DrainResult{}, errors.New(errors.ErrInvalid, "drain requires a user id")
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return e.drainLocked(ctx, userID)
}

// drainLocked is Drain without taking the user lock.
func (e *Engine) drainLocked(ctx context.Context, userID string) (DrainResult, error) {
	ctx = context.WithoutCancel(ctx)
	started := e.now()
	runID := uuid.New()
	var result DrainResult

	pending, err := e.queue.ListPendingForUser(ctx, userID)
	if err != nil {
		return result, err
	}

	e.emitEvent(SyncEvent{Type: SyncEventDrainStarted, RunID: runID, UserID: userID, Online: e.Online()})
	logging.Info("Draining sync queue", map[string]interface{}{
		"run_id":  runID,
		"user_id": userID,
		"pending": len(pending),
	})

	for _, op := range pending {
		current, err := e.queue.Get(ctx, op.ID)
		if errors.Is(err, errors.ErrNotFound) {
			result.Skipped++
			continue
		}
		if err != nil {
			return result, err
		}
		if current.Status != models.QueueStatusPending {
			result.Skipped++
			continue
		}

		if err := e.writeRemote(ctx, current.UserID, current.EntityType, current.Payload); err != nil {
			if markErr := e.queue.MarkStatus(ctx, current.ID, models.QueueStatusFailed, err); markErr != nil {
				return result, markErr
			}
			result.Failed++
			logging.ErrorWithCode("Queued operation failed", string(errors.ErrRemoteWriteFailed), err, map[string]interface{}{
				"run_id":       runID,
				"operation_id": current.ID,
				"entity_type":  string(current.EntityType),
			})
			e.emitEvent(SyncEvent{
				Type:        SyncEventOperationFailed,
				RunID:       runID,
				UserID:      userID,
				EntityType:  current.EntityType,
				OperationID: current.ID,
				Message:     err.Error(),
			})
			continue
		}

		if err := e.queue.MarkStatus(ctx, current.ID, models.QueueStatusCompleted, nil); err != nil {
			return result, err
		}
		result.Processed++

		superseded, err := e.queue.Supersede(ctx, current.UserID, current.EntityType, current.ID)
		if err != nil {
			return result, err
		}
		result.Superseded += superseded
	}

	swept, err := e.queue.SweepCompleted(ctx)
	if err != nil {
		return result, err
	}
	result.Swept = swept

	e.metrics.RecordDrain(result.Processed, result.Failed, result.Skipped, result.Swept, e.now().Sub(started))
	e.refreshQueueDepth(ctx)

	logging.Info("Sync queue drained", map[string]interface{}{
		"run_id":    runID,
		"user_id":   userID,
		"processed": result.Processed,
		"failed":    result.Failed,
		"skipped":    result.Skipped,
		"superseded": result.Superseded,
		"swept":      result.Swept,
	})
	e.emitEvent(SyncEvent{
		Type:      SyncEventDrainCompleted,
		RunID:     runID,
		UserID:    userID,
		Processed: result.Processed,
		Failed:    result.Failed,
		Online:    e.Online(),
	})
	return result, nil
}

// DrainAll drains every user that has pending operations. A failing user
// does not stop the others; their errors are joined.
func (e *Engine) DrainAll(ctx context.Context) (DrainResult, error) {
	var total DrainResult

	users, err := e.queue.PendingUsers(ctx)
	if err != nil {
		return total, err
	}

	var errs []error
	for _, userID := range users {
		result, err := e.Drain(ctx, userID)
		total.add(result)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", userID, err))
		}
	}
	return total, stderrors.Join(errs...)
}

// RetryFailed moves the failed operations of userID back to pending and
// drains them. An empty userID retries every user.
func (e *Engine) RetryFailed(ctx context.Context, userID string) (int64, DrainResult, error) {
	requeued, err := e.queue.RetryFailed(ctx, userID)
	if err != nil {
		return 0, DrainResult{}, err
	}
	logging.Info("Failed operations requeued", map[string]interface{}{
		"user_id":  userID,
		"requeued": requeued,
	})

	if !e.Online() {
		return requeued, DrainResult{}, nil
	}
	if userID == "" {
		result, err := e.DrainAll(ctx)
		return requeued, result, err
	}
	result, err := e.Drain(ctx, userID)
	return requeued, result, err
}

// Reset deletes every cached record and queued operation.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.cache.ClearAll(ctx); err != nil {
		return err
	}
	e.refreshQueueDepth(ctx)
	logging.Warn("Local cache and sync queue cleared", nil)
	e.emitEvent(SyncEvent{Type: SyncEventReset, Online: e.Online()})
	return nil
}

// Run follows connectivity transitions until ctx is done, draining every
// user with pending operations on each offline→online transition.
func (e *Engine) Run(ctx context.Context) error {
	transitions, cancel := e.monitor.Subscribe()
	defer cancel()
	e.readyOnce.Do(func() { close(e.ready) })

	e.metrics.SetOnline(e.Online())

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			e.metrics.SetOnline(t.Online)
			e.emitEvent(SyncEvent{Type: SyncEventConnectivityChanged, Online: t.Online, Timestamp: t.At})
			if !t.Reconnected() {
				continue
			}
			if _, err := e.DrainAll(ctx); err != nil {
				logging.ErrorWithCode("Reconnection drain failed", string(errors.ErrSyncFailed), err, nil)
			}
		}
	}
}

// Ready is closed once Run has subscribed to connectivity transitions.
// Transitions published after that are never missed.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) writeRemote(ctx context.Context, userID string, entityType models.EntityType, payload json.RawMessage) error {
	if err := e.remote.MergeField(ctx, userID, string(entityType), payload); err != nil {
		return errors.Wrap(errors.ErrRemoteWriteFailed, fmt.Sprintf("merge %s", entityType), err)
	}
	return nil
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	lock, ok := e.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[userID] = lock
	}
	return lock
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.queue.Counts(ctx, "")
	if err != nil {
		logging.Warn("Failed to read queue counts", map[string]interface{}{"error": err.Error()})
		return
	}
	e.metrics.SetQueueDepth(counts.Pending, counts.Failed, counts.Completed)
}
