package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/models"
)

// enqueueOutbox inserts or coalesces a pending outbox row for
// (entityType, entityID) within tx, implementing spec invariant 3:
// at most one pending row per entity, later mutation replaces the
// earlier one and operation upgrades UPSERT->DELETE as needed.
func enqueueOutbox(tx *sql.Tx, deviceID string, entityType models.EntityType, entityID string, op models.Operation, payload []byte) error {
	changeID, err := generateID("chg_")
	if err != nil {
		return err
	}
	key, err := codec.CreateIdempotencyKey(deviceID, changeID)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payloadArg any
	if op == models.OpDelete {
		payloadArg = nil
	} else {
		payloadArg = string(payload)
	}

	_, err = tx.Exec(`
		INSERT INTO sync_outbox (entity_type, entity_id, operation, payload_json, idempotency_key, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			operation = excluded.operation,
			payload_json = excluded.payload_json,
			idempotency_key = excluded.idempotency_key,
			attempts = 0,
			last_error = '',
			updated_at = excluded.updated_at
	`, string(entityType), entityID, string(op), payloadArg, key, now, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox row: %w", err)
	}
	return nil
}

// ListSyncOutboxChanges returns up to limit pending outbox rows,
// FIFO by created_at.
func (db *DB) ListSyncOutboxChanges(limit int) ([]models.SyncOutboxRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, entity_type, entity_id, operation, payload_json, idempotency_key, attempts, last_error, created_at, updated_at
		FROM sync_outbox ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []models.SyncOutboxRecord
	for rows.Next() {
		var r models.SyncOutboxRecord
		var payload sql.NullString
		var entityType, op, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &entityType, &r.EntityID, &op, &payload, &r.IdempotencyKey, &r.Attempts, &r.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		r.EntityType = models.EntityType(entityType)
		r.Operation = models.Operation(op)
		if payload.Valid {
			r.PayloadJSON = []byte(payload.String)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveSyncOutboxChanges deletes the given outbox rows by id,
// called after the server has accepted them.
func (db *DB) RemoveSyncOutboxChanges(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM sync_outbox WHERE id = ?`, id); err != nil {
				return fmt.Errorf("remove outbox row %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkSyncOutboxChangeFailed records a server rejection on an outbox
// row, leaving it pending for the next cycle (idempotency key makes
// retry safe).
func (db *DB) MarkSyncOutboxChangeFailed(id int64, message string) error {
	return db.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_outbox SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
			message, time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("mark outbox row %d failed: %w", id, err)
		}
		return nil
	})
}

// CountPendingOutboxChanges returns the number of outbox rows awaiting push.
func (db *DB) CountPendingOutboxChanges() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_outbox`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
