// Package remote provides the boundary to the hosted document store: one
// document per user, updated by merging named fields.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned when the store cannot be reached.
var ErrUnavailable = errors.New("remote store unavailable")

// DocumentStore is the remote persistence boundary the sync engine needs.
// MergeField performs a last-write-wins merge-set of field under the user's
// document, creating the document if needed. GetField reports found=false
// if the document or the field does not exist.
type DocumentStore interface {
	MergeField(ctx context.Context, userID, field string, value json.RawMessage) error
	GetField(ctx context.Context, userID, field string) (value json.RawMessage, found bool, err error)
}
