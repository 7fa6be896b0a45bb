package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// writeTombstone records a DeletedRecord for (entityType, entityID),
// reused (replaced) on repeat deletion of the same entity. deletedAt
// is the logical delete time: the caller's wall-clock time for a
// local delete, or the originating change's updated_at for a remote
// one, so the tombstone-wins comparison in conflict.Decide is made
// against the delete's real logical time rather than whenever it
// happened to be applied locally.
func writeTombstone(tx *sql.Tx, entityType models.EntityType, entityID, deviceID string, deletedAt time.Time) error {
	_, err := tx.Exec(`INSERT INTO deleted_records (entity_type, entity_id, deleted_at, deleted_by_device)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET deleted_at = excluded.deleted_at, deleted_by_device = excluded.deleted_by_device`,
		string(entityType), entityID, deletedAt.UTC().Format(time.RFC3339), deviceID)
	if err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}
	return nil
}

// clearTombstone removes a tombstone, called when an entity is
// re-upserted after having been deleted.
func clearTombstone(tx *sql.Tx, entityType models.EntityType, entityID string) error {
	_, err := tx.Exec(`DELETE FROM deleted_records WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("clear tombstone: %w", err)
	}
	return nil
}

// getTombstone returns the deleted_at time for (entityType, entityID),
// or nil if no tombstone exists.
func getTombstone(tx *sql.Tx, entityType models.EntityType, entityID string) (*time.Time, error) {
	row := tx.QueryRow(`SELECT deleted_at FROM deleted_records WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID)
	var deletedAt string
	if err := row.Scan(&deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get tombstone: %w", err)
	}
	t, err := time.Parse(time.RFC3339, deletedAt)
	if err != nil {
		return nil, fmt.Errorf("parse tombstone time: %w", err)
	}
	return &t, nil
}
