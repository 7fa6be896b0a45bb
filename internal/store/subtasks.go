package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// CreateTaskSubtask inserts a checklist item under a task.
func (db *DB) CreateTaskSubtask(deviceID string, s models.TaskSubtask) (*models.TaskSubtask, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = mustID(prefixSubtask)
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
		if _, err := tx.Exec(`INSERT INTO task_subtasks (id, task_id, title, is_done, created_at, updated_at, sync_version, updated_by_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.TaskID, s.Title, boolToInt(s.IsDone), s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339),
			s.SyncVersion, s.UpdatedByDevice); err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		payload, err := json.Marshal(subtaskPayload(s))
		if err != nil {
			return fmt.Errorf("marshal subtask payload: %w", err)
		}
		return enqueueOutbox(tx, deviceID, models.EntityTaskSubtask, s.ID, models.OpUpsert, payload)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateTaskSubtask applies mutate and re-enqueues the outbox row.
func (db *DB) UpdateTaskSubtask(deviceID, id string, mutate func(*models.TaskSubtask)) (*models.TaskSubtask, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	var updated models.TaskSubtask
	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		s, err := getSubtaskTx(tx, id)
		if err != nil {
			return err
		}
		mutate(s)
		s.UpdatedAt = time.Now().UTC()
		s.SyncVersion++
		s.UpdatedByDevice = deviceID

		if _, err := tx.Exec(`UPDATE task_subtasks SET task_id=?, title=?, is_done=?, updated_at=?, sync_version=?, updated_by_device=? WHERE id=?`,
			s.TaskID, s.Title, boolToInt(s.IsDone), s.UpdatedAt.Format(time.RFC3339), s.SyncVersion, s.UpdatedByDevice, s.ID); err != nil {
			return fmt.Errorf("update subtask: %w", err)
		}
		payload, err := json.Marshal(subtaskPayload(*s))
		if err != nil {
			return fmt.Errorf("marshal subtask payload: %w", err)
		}
		if err := enqueueOutbox(tx, deviceID, models.EntityTaskSubtask, s.ID, models.OpUpsert, payload); err != nil {
			return err
		}
		updated = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteTaskSubtask removes a subtask row and enqueues a tombstone.
func (db *DB) DeleteTaskSubtask(deviceID, id string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`DELETE FROM task_subtasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete subtask: %w", err)
		}
		if err := writeTombstone(tx, models.EntityTaskSubtask, id, deviceID, time.Now().UTC()); err != nil {
			return err
		}
		return enqueueOutbox(tx, deviceID, models.EntityTaskSubtask, id, models.OpDelete, nil)
	})
}

// ListTaskSubtasks returns subtasks for taskID, oldest first.
func (db *DB) ListTaskSubtasks(taskID string) ([]models.TaskSubtask, error) {
	rows, err := db.conn.Query(`SELECT id, task_id, title, is_done, created_at, updated_at, sync_version, updated_by_device
		FROM task_subtasks WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()
	var out []models.TaskSubtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func getSubtaskTx(tx *sql.Tx, id string) (*models.TaskSubtask, error) {
	row := tx.QueryRow(`SELECT id, task_id, title, is_done, created_at, updated_at, sync_version, updated_by_device
		FROM task_subtasks WHERE id = ?`, id)
	return scanSubtask(row)
}

func scanSubtask(row scanner) (*models.TaskSubtask, error) {
	var s models.TaskSubtask
	var isDone int
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.TaskID, &s.Title, &isDone, &createdAt, &updatedAt, &s.SyncVersion, &s.UpdatedByDevice); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subtask: %w", err)
	}
	s.IsDone = isDone != 0
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

func subtaskPayload(s models.TaskSubtask) map[string]any {
	return map[string]any{
		"id":                s.ID,
		"task_id":           s.TaskID,
		"title":             s.Title,
		"is_done":           s.IsDone,
		"created_at":        s.CreatedAt.Format(time.RFC3339),
		"updated_at":        s.UpdatedAt.Format(time.RFC3339),
		"sync_version":      s.SyncVersion,
		"updated_by_device": s.UpdatedByDevice,
	}
}
