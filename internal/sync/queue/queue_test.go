// Package queue provides unit tests for the durable sync queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/backend/internal/db"
	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/models"
)

func newTestQueue(t *testing.T, maxSize int) (*SyncQueue, *db.DB) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewSyncQueue(database.DB, maxSize), database
}

func op(userID string, entity models.EntityType, payload string) *models.QueueOperation {
	return &models.QueueOperation{
		UserID:     userID,
		EntityType: entity,
		Payload:    json.RawMessage(payload),
	}
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestSyncQueueEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	item := op("u1", models.EntityTasks, `["A"]`)
	id, err := q.Enqueue(ctx, item)
	require.NoError(t, err)

	assert.Positive(t, id)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.NotZero(t, item.Timestamp)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.EntityTasks, got.EntityType)
	assert.JSONEq(t, `["A"]`, string(got.Payload))
}

func TestSyncQueueEnqueue_monotonicIDs(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestSyncQueueEnqueue_noDeduplication(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("u1", models.EntityProfile, `{"name":"Ada"}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("u1", models.EntityProfile, `{"name":"Ada"}`))
	require.NoError(t, err)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSyncQueueEnqueue_invalid(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	tests := []struct {
		name string
		op   *models.QueueOperation
	}{
		{"nil", nil},
		{"no user", op("", models.EntityTasks, `[]`)},
		{"unknown entity", op("u1", models.EntityType("grades"), `[]`)},
		{"bad payload", op("u1", models.EntityTasks, `[`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.op)
			assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
		})
	}
}

func TestSyncQueueFull(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("u1", models.EntitySkills, `[]`))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, op("u1", models.EntityProfile, `{}`))
	assert.True(t, errors.Is(err, errors.ErrQueueFull), "got %v", err)
}

// =====================================================
// Listing Tests
// =====================================================

func TestListPending_insertionOrder(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, op("u1", models.EntityTasks, fmt.Sprintf(`[%d]`, i)))
		require.NoError(t, err)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.JSONEq(t, fmt.Sprintf(`[%d]`, i+1), string(p.Payload))
	}
}

func TestListPendingForUser_isolation(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, op("alice", models.EntityTasks, `["a1"]`))
	_, _ = q.Enqueue(ctx, op("bob", models.EntityTasks, `["b1"]`))
	_, _ = q.Enqueue(ctx, op("alice", models.EntitySkills, `["a2"]`))

	alice, err := q.ListPendingForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, models.EntityTasks, alice[0].EntityType)
	assert.Equal(t, models.EntitySkills, alice[1].EntityType)

	all, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3, "listing by user leaves other users' entries in place")

	users, err := q.PendingUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

// =====================================================
// Status Transition Tests
// =====================================================

func TestMarkStatus(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	require.NoError(t, err)

	require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusFailed, fmt.Errorf("remote timeout")))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "remote timeout", got.LastError)

	require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusCompleted, nil))
	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount, "completion keeps retry count")
}

func TestMarkStatus_errors(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	err := q.MarkStatus(ctx, 999, models.QueueStatusCompleted, nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

	id, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	err = q.MarkStatus(ctx, id, models.QueueStatus("in_progress"), nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)

	_, err = q.Get(ctx, 999)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestSweepCompleted(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	id1, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[1]`))
	id2, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[2]`))
	id3, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[3]`))

	require.NoError(t, q.MarkStatus(ctx, id1, models.QueueStatusCompleted, nil))
	require.NoError(t, q.MarkStatus(ctx, id2, models.QueueStatusFailed, fmt.Errorf("x")))

	n, err := q.SweepCompleted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = q.Get(ctx, id1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	c, err := q.Counts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Failed: 1, Total: 2}, c)

	got, err := q.Get(ctx, id3)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
}

func TestSupersede(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	stale, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[1]`))
	older, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[2]`))
	otherField, _ := q.Enqueue(ctx, op("u1", models.EntitySkills, `["go"]`))
	otherUser, _ := q.Enqueue(ctx, op("u2", models.EntityTasks, `[9]`))
	landed, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[3]`))
	newer, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[4]`))

	require.NoError(t, q.MarkStatus(ctx, stale, models.QueueStatusFailed, fmt.Errorf("x")))
	require.NoError(t, q.MarkStatus(ctx, landed, models.QueueStatusCompleted, nil))

	n, err := q.Supersede(ctx, "u1", models.EntityTasks, landed)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for id, want := range map[int64]models.QueueStatus{
		stale:      models.QueueStatusCompleted,
		older:      models.QueueStatusCompleted,
		otherField: models.QueueStatusPending,
		otherUser:  models.QueueStatusPending,
		newer:      models.QueueStatusPending,
	} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "operation %d", id)
	}

	requeued, err := q.RetryFailed(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestHasUnsynced(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	has, err := q.HasUnsynced(ctx, "u1", models.EntityTasks)
	require.NoError(t, err)
	assert.False(t, has)

	id, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	has, err = q.HasUnsynced(ctx, "u1", models.EntityTasks)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = q.HasUnsynced(ctx, "u1", models.EntityProfile)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusFailed, fmt.Errorf("x")))
	has, err = q.HasUnsynced(ctx, "u1", models.EntityTasks)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusCompleted, nil))
	has, err = q.HasUnsynced(ctx, "u1", models.EntityTasks)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCounts_perUser(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	a1, _ := q.Enqueue(ctx, op("alice", models.EntityTasks, `[]`))
	_, _ = q.Enqueue(ctx, op("alice", models.EntityTasks, `[]`))
	_, _ = q.Enqueue(ctx, op("bob", models.EntityTasks, `[]`))
	require.NoError(t, q.MarkStatus(ctx, a1, models.QueueStatusCompleted, nil))

	alice, err := q.Counts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Completed: 1, Total: 2}, alice)

	bob, err := q.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Total: 1}, bob)

	nobody, err := q.Counts(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, Counts{}, nobody)
}

// =====================================================
// Retry Tests
// =====================================================

func TestRetryFailed(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, op("alice", models.EntityTasks, `[]`))
	b, _ := q.Enqueue(ctx, op("bob", models.EntityTasks, `[]`))
	require.NoError(t, q.MarkStatus(ctx, a, models.QueueStatusFailed, fmt.Errorf("x")))
	require.NoError(t, q.MarkStatus(ctx, b, models.QueueStatusFailed, fmt.Errorf("x")))

	n, err := q.RetryFailed(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := q.Get(ctx, a)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "manual retry keeps the retry count")

	got, _ = q.Get(ctx, b)
	assert.Equal(t, models.QueueStatusFailed, got.Status)

	n, err = q.RetryFailed(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRequeueFailed_backoff(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return base }

	id, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusFailed, fmt.Errorf("x")))

	// retry_count = 1 -> 2 minute backoff
	n, err := q.RequeueFailed(ctx, base.Add(time.Minute), 3)
	require.NoError(t, err)
	assert.Zero(t, n, "backoff not elapsed")

	n, err = q.RequeueFailed(ctx, base.Add(2*time.Minute), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := q.Get(ctx, id)
	assert.Equal(t, models.QueueStatusPending, got.Status)
}

func TestRequeueFailed_maxRetries(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, op("u1", models.EntityTasks, `[]`))
	for i := 0; i < 3; i++ {
		require.NoError(t, q.MarkStatus(ctx, id, models.QueueStatusFailed, fmt.Errorf("x")))
	}

	n, err := q.RequeueFailed(ctx, time.Now().Add(24*time.Hour), 3)
	require.NoError(t, err)
	assert.Zero(t, n, "operations at max retries stay failed")
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.retry), "retry %d", tt.retry)
	}
}
