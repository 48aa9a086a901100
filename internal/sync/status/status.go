// Package status derives the user-facing sync summary from queue contents.
package status

import (
	"context"
	"fmt"

	"github.com/kimhsiao/studysync/backend/internal/models"
	"github.com/kimhsiao/studysync/backend/internal/sync/queue"
)

// SyncedMessage is reported when nothing is pending.
const SyncedMessage = "All changes synced"

// Reporter reads the queue on every call; snapshots are never cached.
type Reporter struct {
	queue *queue.SyncQueue
}

// NewReporter creates a Reporter over q.
func NewReporter(q *queue.SyncQueue) *Reporter {
	return &Reporter{queue: q}
}

// Status summarizes the queue of every user on the device.
func (r *Reporter) Status(ctx context.Context) (models.SyncStatusSnapshot, error) {
	return r.StatusForUser(ctx, "")
}

// StatusForUser summarizes the queue of one user. An empty userID covers
// every user.
func (r *Reporter) StatusForUser(ctx context.Context, userID string) (models.SyncStatusSnapshot, error) {
	counts, err := r.queue.Counts(ctx, userID)
	if err != nil {
		return models.SyncStatusSnapshot{}, err
	}
	return Snapshot(counts), nil
}

// Snapshot builds the status snapshot for counts.
func Snapshot(counts queue.Counts) models.SyncStatusSnapshot {
	return models.SyncStatusSnapshot{
		HasPendingOperations: counts.Pending > 0,
		PendingCount:         counts.Pending,
		FailedCount:          counts.Failed,
		TotalCount:           counts.Total,
		Message:              Message(counts.Pending),
	}
}

// Message renders the pending-count message shown in the UI.
func Message(pending int) string {
	if pending == 0 {
		return SyncedMessage
	}
	return fmt.Sprintf("%d change(s) pending sync", pending)
}
