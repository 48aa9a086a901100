package models

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a queued operation.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// QueueOperation is a mutation recorded while the remote store could not be
// written. Only Status, RetryCount, LastError and UpdatedAt change after insert.
type QueueOperation struct {
	ID         int64           `db:"id" json:"id"`
	UserID     string          `db:"user_id" json:"user_id"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // unix millis, insertion order key
	Status     QueueStatus     `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueOperation.
func (QueueOperation) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns Timestamp as time.Time.
func (o *QueueOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.Timestamp)
}
