package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// GetSyncCheckpoint returns the singleton checkpoint row.
func (db *DB) GetSyncCheckpoint() (*models.SyncCheckpoint, error) {
	row := db.conn.QueryRow(`SELECT last_sync_cursor, last_synced_at, updated_at FROM sync_checkpoint WHERE id = 1`)
	var cursor, updatedAt string
	var syncedAt sql.NullString
	if err := row.Scan(&cursor, &syncedAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp := &models.SyncCheckpoint{LastSyncCursor: cursor}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if syncedAt.Valid && syncedAt.String != "" {
		t, err := time.Parse(time.RFC3339, syncedAt.String)
		if err == nil {
			cp.LastSyncedAt = &t
		}
	}
	return cp, nil
}

// SetSyncCheckpoint advances the checkpoint to cursor/syncedAt.
// Rejects empty/whitespace cursors per spec §4.4.4.
func (db *DB) SetSyncCheckpoint(cursor string, syncedAt time.Time) error {
	if trimmedEmpty(cursor) {
		return fmt.Errorf("store: cursor must not be empty")
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_checkpoint SET last_sync_cursor = ?, last_synced_at = ?, updated_at = ? WHERE id = 1`,
			cursor, syncedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("set checkpoint: %w", err)
		}
		return nil
	})
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' {
			return false
		}
	}
	return true
}
