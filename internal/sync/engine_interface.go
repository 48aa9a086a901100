package sync

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/studysync/backend/internal/models"
)

// SyncEngineInterface defines the engine operations used by the scheduler
// and the desktop API. It allows for mocking in tests.
type SyncEngineInterface interface {
	// Save writes payload locally, then remotely when possible, queuing the
	// mutation when the remote write cannot happen now.
	Save(ctx context.Context, entityType models.EntityType, userID string, payload json.RawMessage) (SaveResult, error)

	// Load reads an entity, preferring the remote store when online.
	Load(ctx context.Context, entityType models.EntityType, userID string) (LoadResult, error)

	// Drain replays the pending operations of one user.
	Drain(ctx context.Context, userID string) (DrainResult, error)

	// DrainAll drains every user with pending operations.
	DrainAll(ctx context.Context) (DrainResult, error)

	// Online reports the current connectivity signal.
	Online() bool

	// SetEventHandler sets the handler receiving sync notifications.
	SetEventHandler(handler SyncEventHandler)
}

var _ SyncEngineInterface = (*Engine)(nil)
