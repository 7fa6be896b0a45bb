package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// GetSetting returns the value for key, or ErrNotFound.
func (db *DB) GetSetting(key string) (*models.AppSetting, error) {
	row := db.conn.QueryRow(`SELECT key, value FROM settings WHERE key = ?`, key)
	var s models.AppSetting
	if err := row.Scan(&s.Key, &s.Value); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return &s, nil
}

// ListSettings returns every setting row, key ascending.
func (db *DB) ListSettings() ([]models.AppSetting, error) {
	rows, err := db.conn.Query(`SELECT key, value FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	var out []models.AppSetting
	for rows.Next() {
		var s models.AppSetting
		if err := rows.Scan(&s.Key, &s.Value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSetting upserts a key/value setting and enqueues a SETTING
// outbox row keyed by key (settings use key, not id, as their sync
// identity per entityTables).
func (db *DB) SetSetting(deviceID, key, value string) (*models.AppSetting, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		var syncVersion int
		row := tx.QueryRow(`SELECT sync_version FROM settings WHERE key = ?`, key)
		if err := row.Scan(&syncVersion); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read setting sync_version: %w", err)
		}
		syncVersion++

		if _, err := tx.Exec(`INSERT INTO settings (key, value, updated_at, sync_version, updated_by_device)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at,
				sync_version=excluded.sync_version, updated_by_device=excluded.updated_by_device`,
			key, value, now.Format(time.RFC3339), syncVersion, deviceID); err != nil {
			return fmt.Errorf("upsert setting: %w", err)
		}

		payload, err := json.Marshal(map[string]any{
			"key":               key,
			"value":             value,
			"updated_at":        now.Format(time.RFC3339),
			"sync_version":      syncVersion,
			"updated_by_device": deviceID,
		})
		if err != nil {
			return fmt.Errorf("marshal setting payload: %w", err)
		}
		return enqueueOutbox(tx, deviceID, models.EntitySetting, key, models.OpUpsert, payload)
	})
	if err != nil {
		return nil, err
	}
	return &models.AppSetting{Key: key, Value: value}, nil
}

// DeleteSetting removes a setting and enqueues a tombstone.
func (db *DB) DeleteSetting(deviceID, key string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete setting: %w", err)
		}
		if err := writeTombstone(tx, models.EntitySetting, key, deviceID, time.Now().UTC()); err != nil {
			return err
		}
		return enqueueOutbox(tx, deviceID, models.EntitySetting, key, models.OpDelete, nil)
	})
}
