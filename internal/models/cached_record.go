package models

import (
	"encoding/json"
	"time"
)

// CachedRecord is the local point-in-time snapshot of one entity type for
// one user. There is at most one record per (UserID, EntityType).
type CachedRecord struct {
	UserID     string          `db:"user_id" json:"user_id"`
	EntityType EntityType      `db:"-" json:"entity_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *CachedRecord) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}
