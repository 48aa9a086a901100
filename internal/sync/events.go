package sync

import (
	"time"

	"github.com/kimhsiao/studysync/backend/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventSaveSynced          SyncEventType = "save.synced"
	SyncEventSaveQueued          SyncEventType = "save.queued"
	SyncEventDrainStarted        SyncEventType = "drain.started"
	SyncEventDrainCompleted      SyncEventType = "drain.completed"
	SyncEventOperationFailed     SyncEventType = "operation.failed"
	SyncEventConnectivityChanged SyncEventType = "connectivity.changed"
	SyncEventReset               SyncEventType = "reset"
)

// SyncEvent is emitted to the registered SyncEventHandler.
type SyncEvent struct {
	Type        SyncEventType     `json:"type"`
	RunID       string            `json:"runId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	EntityType  models.EntityType `json:"entityType,omitempty"`
	OperationID int64             `json:"operationId,omitempty"`
	Processed   int               `json:"processed,omitempty"`
	Failed      int               `json:"failed,omitempty"`
	Online      bool              `json:"online"`
	Message     string            `json:"message,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. OnSyncEvent is called on the
// goroutine doing the work and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
