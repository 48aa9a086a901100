// Package queue provides the durable sync queue: an ordered log of mutations
// recorded while the remote store could not be written.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
	"github.com/kimhsiao/studysync/backend/internal/models"
)

// DefaultMaxSize is the default number of unswept operations the queue holds.
const DefaultMaxSize = 10000

// Counts holds per-status operation counts.
type Counts struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// SyncQueue is backed by the sync_queue table. Operations are append-only;
// only status, retry_count, last_error and updated_at change after insert.
type SyncQueue struct {
	db      *sql.DB
	maxSize int
	now     func() time.Time
}

// NewSyncQueue creates a SyncQueue on a migrated database. A non-positive
// maxSize selects DefaultMaxSize.
func NewSyncQueue(db *sql.DB, maxSize int) *SyncQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &SyncQueue{
		db:      db,
		maxSize: maxSize,
		now:     time.Now,
	}
}

const selectColumns = `id, user_id, entity_type, payload, timestamp, status, retry_count, last_error, updated_at`

// Enqueue appends op as a pending operation and returns its assigned id.
// Identical operations are not deduplicated.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.QueueOperation) (int64, error) {
	if op == nil || op.UserID == "" || !op.EntityType.Valid() {
		return 0, errors.New(errors.ErrInvalid, "operation requires a user id and a known entity type")
	}
	if !json.Valid(op.Payload) {
		return 0, errors.New(errors.ErrInvalid, "operation payload is not valid JSON")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to begin enqueue", err)
	}
	defer tx.Rollback()

	var size int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&size); err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to check queue size", err)
	}
	if size >= q.maxSize {
		return 0, errors.New(errors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	now := q.now().UnixMilli()
	if op.Timestamp == 0 {
		op.Timestamp = now
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (user_id, entity_type, payload, timestamp, status, retry_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		op.UserID, string(op.EntityType), string(op.Payload), op.Timestamp, string(models.QueueStatusPending), now)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to enqueue operation", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to read operation id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to commit enqueue", err)
	}

	op.ID = id
	op.Status = models.QueueStatusPending
	op.RetryCount = 0
	op.LastError = ""
	op.UpdatedAt = now

	logging.Debug("[SyncQueue] Enqueued operation", map[string]interface{}{
		"operation_id": id,
		"user_id":      op.UserID,
		"entity_type":  string(op.EntityType),
	})
	return id, nil
}

// ListPending returns pending operations of every user, oldest first.
func (q *SyncQueue) ListPending(ctx context.Context) ([]*models.QueueOperation, error) {
	return q.list(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE status = ? ORDER BY id`,
		string(models.QueueStatusPending))
}

// ListPendingForUser returns pending operations of userID, oldest first.
// Other users' operations are neither returned nor touched.
func (q *SyncQueue) ListPendingForUser(ctx context.Context, userID string) ([]*models.QueueOperation, error) {
	return q.list(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, string(models.QueueStatusPending))
}

// ListByStatus returns every operation in status, oldest first. An empty
// userID lists all users.
func (q *SyncQueue) ListByStatus(ctx context.Context, userID string, status models.QueueStatus) ([]*models.QueueOperation, error) {
	if userID == "" {
		return q.list(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE status = ? ORDER BY id`, string(status))
	}
	return q.list(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, string(status))
}

// Get returns the operation with id.
func (q *SyncQueue) Get(ctx context.Context, id int64) (*models.QueueOperation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id)
	op, err := scanOperation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("operation %d not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to get operation", err)
	}
	return op, nil
}

// MarkStatus transitions operation id to status. Marking failed increments
// retry_count and records cause.
func (q *SyncQueue) MarkStatus(ctx context.Context, id int64, status models.QueueStatus, cause error) error {
	if !status.Valid() {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
	}

	now := q.now().UnixMilli()
	var (
		result sql.Result
		err    error
	)
	switch status {
	case models.QueueStatusFailed:
		lastErr := ""
		if cause != nil {
			lastErr = cause.Error()
		}
		result, err = q.db.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?`,
			string(status), lastErr, now, id)
	default:
		result, err = q.db.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to update operation status", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("operation %d not found", id))
	}
	return nil
}

// SweepCompleted hard-deletes completed operations and returns how many
// were removed.
func (q *SyncQueue) SweepCompleted(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, string(models.QueueStatusCompleted))
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to sweep completed operations", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		logging.Debug("[SyncQueue] Swept completed operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Supersede marks the pending and failed operations of userID for
// entityType with an id below beforeID as completed. It is called once a
// newer value for the same field has reached the remote store, so a later
// retry cannot overwrite it with an older payload.
func (q *SyncQueue) Supersede(ctx context.Context, userID string, entityType models.EntityType, beforeID int64) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, updated_at = ?
		 WHERE user_id = ? AND entity_type = ? AND id < ? AND status IN (?, ?)`,
		string(models.QueueStatusCompleted), q.now().UnixMilli(),
		userID, string(entityType), beforeID,
		string(models.QueueStatusPending), string(models.QueueStatusFailed))
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to supersede operations", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		logging.Debug("[SyncQueue] Superseded stale operations", map[string]interface{}{
			"count":       n,
			"user_id":     userID,
			"entity_type": string(entityType),
			"before_id":   beforeID,
		})
	}
	return n, nil
}

// HasUnsynced reports whether userID has pending or failed operations for
// entityType.
func (q *SyncQueue) HasUnsynced(ctx context.Context, userID string, entityType models.EntityType) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_queue WHERE user_id = ? AND entity_type = ? AND status IN (?, ?))`,
		userID, string(entityType), string(models.QueueStatusPending), string(models.QueueStatusFailed)).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorageUnavailable, "failed to check unsynced operations", err)
	}
	return exists, nil
}

// Counts returns per-status counts. An empty userID counts all users.
func (q *SyncQueue) Counts(ctx context.Context, userID string) (Counts, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	} else {
		rows, err = q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue WHERE user_id = ? GROUP BY status`, userID)
	}
	if err != nil {
		return Counts{}, errors.Wrap(errors.ErrStorageUnavailable, "failed to count operations", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan counts", err)
		}
		c.Total += n
		switch models.QueueStatus(status) {
		case models.QueueStatusPending:
			c.Pending = n
		case models.QueueStatusFailed:
			c.Failed = n
		case models.QueueStatusCompleted:
			c.Completed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, errors.Wrap(errors.ErrStorageUnavailable, "failed to read counts", err)
	}
	return c, nil
}

// PendingUsers returns the distinct users that have pending operations,
// ordered by their oldest pending operation.
func (q *SyncQueue) PendingUsers(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT user_id FROM sync_queue WHERE status = ? GROUP BY user_id ORDER BY MIN(id)`,
		string(models.QueueStatusPending))
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to list pending users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RetryFailed moves userID's failed operations back to pending so the next
// drain replays them. retry_count is kept. An empty userID retries all users.
func (q *SyncQueue) RetryFailed(ctx context.Context, userID string) (int64, error) {
	now := q.now().UnixMilli()
	var (
		result sql.Result
		err    error
	)
	if userID == "" {
		result, err = q.db.ExecContext(ctx, `UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`,
			string(models.QueueStatusPending), now, string(models.QueueStatusFailed))
	} else {
		result, err = q.db.ExecContext(ctx, `UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ? AND user_id = ?`,
			string(models.QueueStatusPending), now, string(models.QueueStatusFailed), userID)
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to retry failed operations", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		logging.Info("[SyncQueue] Reset failed operations for retry", map[string]interface{}{
			"count":   n,
			"user_id": userID,
		})
	}
	return n, nil
}

// RequeueFailed moves failed operations whose backoff has elapsed back to
// pending. Operations that have failed maxRetries times stay failed.
func (q *SyncQueue) RequeueFailed(ctx context.Context, now time.Time, maxRetries int) (int64, error) {
	failed, err := q.ListByStatus(ctx, "", models.QueueStatusFailed)
	if err != nil {
		return 0, err
	}

	var requeued int64
	for _, op := range failed {
		if op.RetryCount >= maxRetries {
			continue
		}
		due := op.UpdatedAt + calculateBackoff(op.RetryCount).Milliseconds()
		if now.UnixMilli() < due {
			continue
		}
		result, err := q.db.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(models.QueueStatusPending), now.UnixMilli(), op.ID, string(models.QueueStatusFailed))
		if err != nil {
			return requeued, errors.Wrap(errors.ErrStorageUnavailable, "failed to requeue operation", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			requeued++
		}
	}
	return requeued, nil
}

// calculateBackoff returns the delay before a failed operation is retried.
// Formula: 2^retry_count minutes, capped at one hour.
func calculateBackoff(retryCount int) time.Duration {
	if retryCount > 6 {
		return time.Hour
	}
	backoff := time.Duration(int64(1)<<uint(retryCount)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

func (q *SyncQueue) list(ctx context.Context, query string, args ...interface{}) ([]*models.QueueOperation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.QueueOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to read operations", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (*models.QueueOperation, error) {
	var (
		op         models.QueueOperation
		entityType string
		payload    string
		status     string
	)
	err := row.Scan(&op.ID, &op.UserID, &entityType, &payload, &op.Timestamp,
		&status, &op.RetryCount, &op.LastError, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.EntityType = models.EntityType(entityType)
	op.Payload = json.RawMessage(payload)
	op.Status = models.QueueStatus(status)
	return &op, nil
}
