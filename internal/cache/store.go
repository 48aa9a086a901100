// Package cache provides the local durable store: one partition per entity
// type, each holding at most one snapshot per user.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/models"
)

// Store is the only component that reads or writes on-device entity state.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store on an opened and migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save overwrites the snapshot for (entityType, userID). Saving the same
// payload twice leaves the partition in the same state.
func (s *Store) Save(ctx context.Context, entityType models.EntityType, userID string, payload json.RawMessage) error {
	table, err := validate(entityType, userID)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return errors.New(errors.ErrInvalid, "payload is not valid JSON")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO %s (user_id, payload, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`, table)
		_, err := tx.ExecContext(ctx, query, userID, string(payload), s.now().UnixMilli())
		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, fmt.Sprintf("failed to save %s", entityType), err)
	}
	return nil
}

// Load returns the snapshot for (entityType, userID), or nil when absent.
func (s *Store) Load(ctx context.Context, entityType models.EntityType, userID string) (*models.CachedRecord, error) {
	table, err := validate(entityType, userID)
	if err != nil {
		return nil, err
	}

	record := &models.CachedRecord{UserID: userID, EntityType: entityType}
	var payload string
	query := fmt.Sprintf("SELECT payload, updated_at FROM %s WHERE user_id = ?", table)
	err = s.db.QueryRowContext(ctx, query, userID).Scan(&payload, &record.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, fmt.Sprintf("failed to load %s", entityType), err)
	}
	record.Payload = json.RawMessage(payload)
	return record, nil
}

// ClearAll deletes every cached partition and the sync queue in one
// transaction. It is the only path that removes cached records.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range models.AllEntityTypes() {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+e.TableName()); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_queue")
		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to clear local store", err)
	}
	return nil
}

// withTx runs fn in a transaction that is always released: committed when
// fn succeeds, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func validate(entityType models.EntityType, userID string) (string, error) {
	if !entityType.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if userID == "" {
		return "", errors.New(errors.ErrInvalid, "user id is required")
	}
	return entityType.TableName(), nil
}
