// Package scheduler provides background sync scheduling: periodic drains
// while online, periodic sweeps of completed operations and optional
// backoff-driven requeue of failed ones.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/studysync/backend/internal/sync"
	"github.com/kimhsiao/studysync/backend/internal/sync/queue"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	queue           *queue.SyncQueue
	drainInterval   time.Duration
	sweepInterval   time.Duration
	autoRetry       bool
	maxRetries      int
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	lastDrainTime   time.Time
	lastResult      syncpkg.DrainResult
	drainInProgress bool
	sweepInProgress bool
	now             func() time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval time.Duration // How often to drain when online (default: 5 minutes)
	SweepInterval time.Duration // How often to sweep and requeue (default: 15 minutes)
	AutoRetry     bool          // Requeue failed operations with exponential backoff
	MaxRetries    int           // Failures after which an operation stays failed
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DrainInterval: 5 * time.Minute,
		SweepInterval: 15 * time.Minute,
		MaxRetries:    5,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		drainInterval: config.DrainInterval,
		sweepInterval: config.SweepInterval,
		autoRetry:     config.AutoRetry,
		maxRetries:    config.MaxRetries,
		now:           time.Now,
	}
}

// Start starts the background sync scheduler. A stopped scheduler can be
// started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicDrainLoop(ctx, stopCh)
	go s.maintenanceLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"drain_interval": s.drainInterval.String(),
		"sweep_interval": s.sweepInterval.String(),
		"auto_retry":     s.autoRetry,
	})
}

// Stop stops the background sync scheduler and waits for its loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicDrainLoop drains every user with pending operations while online.
func (s *Scheduler) periodicDrainLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.engine.Online() {
				continue
			}
			if s.isDraining() {
				logging.Debug("Drain already in progress, skipping", nil)
				continue
			}
			s.runDrain(ctx)
		}
	}
}

// maintenanceLoop sweeps completed operations and, when enabled, requeues
// failed operations whose backoff has elapsed.
func (s *Scheduler) maintenanceLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Scheduler) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drainInProgress
}

// runDrain drains all users and records the result.
func (s *Scheduler) runDrain(ctx context.Context) {
	s.mu.Lock()
	if s.drainInProgress {
		s.mu.Unlock()
		return
	}
	s.drainInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.drainInProgress = false
		s.mu.Unlock()
	}()

	result, err := s.engine.DrainAll(ctx)
	s.recordDrain(result)
	if err != nil {
		logging.ErrorWithCode("Periodic drain failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.drainInterval.Minutes()})
		return
	}

	if result.Processed > 0 || result.Failed > 0 {
		logging.Info("Periodic drain completed", map[string]interface{}{
			"processed": result.Processed,
			"failed":    result.Failed,
		})
	}
}

// runMaintenance sweeps the queue and requeues due failures.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	s.mu.Lock()
	if s.sweepInProgress {
		s.mu.Unlock()
		return
	}
	s.sweepInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweepInProgress = false
		s.mu.Unlock()
	}()

	swept, err := s.queue.SweepCompleted(ctx)
	if err != nil {
		logging.ErrorWithCode("Queue sweep failed", string(errors.CodeOf(err)), err, nil)
		return
	}

	var requeued int64
	if s.autoRetry {
		requeued, err = s.queue.RequeueFailed(ctx, s.now(), s.maxRetries)
		if err != nil {
			logging.ErrorWithCode("Failed operation requeue failed", string(errors.CodeOf(err)), err, nil)
			return
		}
	}

	if swept > 0 || requeued > 0 {
		logging.Info("Queue maintenance completed", map[string]interface{}{
			"swept":    swept,
			"requeued": requeued,
		})
	}
}

func (s *Scheduler) recordDrain(result syncpkg.DrainResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDrainTime = s.now()
	s.lastResult = result
}

// TriggerSync starts a drain of every user in the background.
// Returns false if a drain is already in progress or the engine is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.engine.Online() || s.isDraining() {
		return false
	}

	go s.runDrain(ctx)
	return true
}

// SchedulerStatus reports the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool                `json:"isRunning"`
	IsOnline        bool                `json:"isOnline"`
	AutoRetry       bool                `json:"autoRetry"`
	LastDrainTime   *time.Time          `json:"lastDrainTime,omitempty"`
	LastResult      syncpkg.DrainResult `json:"lastResult"`
	DrainInProgress bool                `json:"drainInProgress"`
	SweepInProgress bool                `json:"sweepInProgress"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.engine.Online(),
		AutoRetry:       s.autoRetry,
		LastResult:      s.lastResult,
		DrainInProgress: s.drainInProgress,
		SweepInProgress: s.sweepInProgress,
	}

	if !s.lastDrainTime.IsZero() {
		last := s.lastDrainTime
		status.LastDrainTime = &last
	}
	return status
}

// SyncNow drains one user, or every user when userID is empty, and waits
// for completion. It fails with SYNC_FAILED while offline.
func (s *Scheduler) SyncNow(ctx context.Context, userID string) (syncpkg.DrainResult, error) {
	if !s.engine.Online() {
		return syncpkg.DrainResult{}, errors.New(errors.ErrSyncFailed, "cannot sync while offline")
	}

	var (
		result syncpkg.DrainResult
		err    error
	)
	if userID == "" {
		result, err = s.engine.DrainAll(ctx)
	} else {
		result, err = s.engine.Drain(ctx, userID)
	}
	s.recordDrain(result)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"user_id":   userID,
		"processed": result.Processed,
		"failed":    result.Failed,
	})
	return result, nil
}

// IsOnline returns whether the engine reports online.
func (s *Scheduler) IsOnline() bool {
	return s.engine.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
