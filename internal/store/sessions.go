package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// CreateSessionRecord inserts a focus/work session record.
func (db *DB) CreateSessionRecord(deviceID string, s models.SessionRecord) (*models.SessionRecord, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = mustID(prefixSession)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.SyncVersion = 1
	s.UpdatedByDevice = deviceID

	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`INSERT INTO session_records (id, task_id, started_at, ended_at, notes, created_at, updated_at, sync_version, updated_by_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, nullableStr(s.TaskID), s.StartedAt.Format(time.RFC3339), nullableTime(s.EndedAt), s.Notes,
			s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339), s.SyncVersion, s.UpdatedByDevice); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSessionRecord stamps ended_at on a running session.
func (db *DB) EndSessionRecord(deviceID, id string, endedAt time.Time) (*models.SessionRecord, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	var updated models.SessionRecord
	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		s, err := getSessionTx(tx, id)
		if err != nil {
			return err
		}
		s.EndedAt = &endedAt
		s.UpdatedAt = time.Now().UTC()
		s.SyncVersion++
		s.UpdatedByDevice = deviceID

		if _, err := tx.Exec(`UPDATE session_records SET ended_at=?, updated_at=?, sync_version=?, updated_by_device=? WHERE id=?`,
			nullableTime(s.EndedAt), s.UpdatedAt.Format(time.RFC3339), s.SyncVersion, s.UpdatedByDevice, s.ID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		updated = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListSessionRecords returns sessions newest-first.
func (db *DB) ListSessionRecords() ([]models.SessionRecord, error) {
	rows, err := db.conn.Query(`SELECT id, task_id, started_at, ended_at, notes, created_at, updated_at, sync_version, updated_by_device
		FROM session_records ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func getSessionTx(tx *sql.Tx, id string) (*models.SessionRecord, error) {
	row := tx.QueryRow(`SELECT id, task_id, started_at, ended_at, notes, created_at, updated_at, sync_version, updated_by_device
		FROM session_records WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row scanner) (*models.SessionRecord, error) {
	var s models.SessionRecord
	var taskID, endedAt sql.NullString
	var startedAt, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &taskID, &startedAt, &endedAt, &s.Notes, &createdAt, &updatedAt, &s.SyncVersion, &s.UpdatedByDevice); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if taskID.Valid {
		v := taskID.String
		s.TaskID = &v
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339, endedAt.String)
		s.EndedAt = &t
	}
	s.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}
