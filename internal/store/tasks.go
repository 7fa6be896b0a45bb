package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// CreateTask inserts a new Task, enqueueing a changelog CREATED row
// and a matching outbox row, within one transaction.
func (db *DB) CreateTask(deviceID string, t models.Task) (*models.Task, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = mustID(prefixTask)
	}
	if !models.IsValidTaskStatus(t.Status) {
		t.Status = models.TaskTodo
	}
	if !models.IsValidPriority(t.Priority) {
		t.Priority = models.PriorityNormal
	}
	if !models.IsValidRecurrence(t.Recurrence) {
		t.Recurrence = models.RecurrenceNone
	}
	if t.DueAt == nil {
		t.Recurrence = models.RecurrenceNone
	}
	if t.RemindAt != nil && t.DueAt != nil && t.RemindAt.After(*t.DueAt) {
		return nil, fmt.Errorf("store: remind_at must not be after due_at")
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.SyncVersion = 1
	t.UpdatedByDevice = deviceID

	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if err := insertTaskTx(tx, t); err != nil {
			return err
		}
		if err := insertChangelog(tx, t.ID, models.ChangelogCreated, "", "", ""); err != nil {
			return err
		}
		payload, err := json.Marshal(taskPayload(t))
		if err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
		return enqueueOutbox(tx, deviceID, models.EntityTask, t.ID, models.OpUpsert, payload)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies mutate to the existing task, records changelog
// rows for any field that differs, bumps sync_version, and
// re-enqueues the outbox row. If mutate transitions Status to DONE on
// a recurring task, a successor TODO task is spawned (spec invariant 4).
func (db *DB) UpdateTask(deviceID, id string, mutate func(*models.Task)) (updated *models.Task, spawned *models.Task, err error) {
	if err := db.checkWritable(); err != nil {
		return nil, nil, err
	}
	err = db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		before, err := getTaskTx(tx, id)
		if err != nil {
			return err
		}
		after := *before
		mutate(&after)
		if after.RemindAt != nil && after.DueAt != nil && after.RemindAt.After(*after.DueAt) {
			return fmt.Errorf("store: remind_at must not be after due_at")
		}
		after.UpdatedAt = time.Now().UTC()
		after.SyncVersion = before.SyncVersion + 1
		after.UpdatedByDevice = deviceID

		if err := updateTaskTx(tx, after); err != nil {
			return err
		}
		if err := recordTaskChangelog(tx, *before, after); err != nil {
			return err
		}
		payload, err := json.Marshal(taskPayload(after))
		if err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
		if err := enqueueOutbox(tx, deviceID, models.EntityTask, after.ID, models.OpUpsert, payload); err != nil {
			return err
		}

		if before.Status != models.TaskDone && after.Status == models.TaskDone && after.Recurrence != models.RecurrenceNone {
			next, err := spawnRecurringTask(tx, deviceID, after)
			if err != nil {
				return err
			}
			spawned = next
		}
		updated = &after
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, spawned, nil
}

// spawnRecurringTask creates the successor task per spec invariant 4:
// due_at shifted by the recurrence period, remind_at shifted by the
// same offset when both are present.
func spawnRecurringTask(tx *sql.Tx, deviceID string, done models.Task) (*models.Task, error) {
	if done.DueAt == nil {
		return nil, nil
	}
	period := done.Recurrence.Period()
	newDue := done.DueAt.Add(period)
	var newRemind *time.Time
	if done.RemindAt != nil {
		r := done.RemindAt.Add(period)
		newRemind = &r
	}

	now := time.Now().UTC()
	next := models.Task{
		ID:              mustID(prefixTask),
		Title:           done.Title,
		Description:     done.Description,
		ProjectID:       done.ProjectID,
		Status:          models.TaskTodo,
		Priority:        done.Priority,
		IsImportant:     done.IsImportant,
		DueAt:           &newDue,
		RemindAt:        newRemind,
		Recurrence:      done.Recurrence,
		CreatedAt:       now,
		UpdatedAt:       now,
		SyncVersion:     1,
		UpdatedByDevice: deviceID,
	}
	if err := insertTaskTx(tx, next); err != nil {
		return nil, err
	}
	if err := insertChangelog(tx, next.ID, models.ChangelogCreated, "", "", ""); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(taskPayload(next))
	if err != nil {
		return nil, fmt.Errorf("marshal spawned task payload: %w", err)
	}
	if err := enqueueOutbox(tx, deviceID, models.EntityTask, next.ID, models.OpUpsert, payload); err != nil {
		return nil, err
	}
	return &next, nil
}

// DeleteTask removes the row, writes a tombstone, and enqueues a
// DELETE outbox row.
func (db *DB) DeleteTask(deviceID, id string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := writeTombstone(tx, models.EntityTask, id, deviceID, time.Now().UTC()); err != nil {
			return err
		}
		return enqueueOutbox(tx, deviceID, models.EntityTask, id, models.OpDelete, nil)
	})
}

// GetTask returns a task by id, or ErrNotFound.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.conn.QueryRow(taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks ordered by due_at (nulls last), then created_at.
func (db *DB) ListTasks() ([]models.Task, error) {
	rows, err := db.conn.Query(taskSelect + ` ORDER BY (due_at IS NULL), due_at ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT id, title, description, notes_markdown, project_id, status, priority, is_important, due_at, remind_at, recurrence, created_at, updated_at, sync_version, updated_by_device FROM tasks`

func getTaskTx(tx *sql.Tx, id string) (*models.Task, error) {
	row := tx.QueryRow(taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var status, priority, recurrence, createdAt, updatedAt string
	var projectID, dueAt, remindAt sql.NullString
	var isImportant int
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.NotesMarkdown, &projectID, &status, &priority,
		&isImportant, &dueAt, &remindAt, &recurrence, &createdAt, &updatedAt, &t.SyncVersion, &t.UpdatedByDevice); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = models.TaskStatus(status)
	t.Priority = models.TaskPriority(priority)
	t.Recurrence = models.Recurrence(recurrence)
	t.IsImportant = isImportant != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if projectID.Valid {
		pid := projectID.String
		t.ProjectID = &pid
	}
	if dueAt.Valid {
		d, err := time.Parse(time.RFC3339, dueAt.String)
		if err == nil {
			t.DueAt = &d
		}
	}
	if remindAt.Valid {
		r, err := time.Parse(time.RFC3339, remindAt.String)
		if err == nil {
			t.RemindAt = &r
		}
	}
	return &t, nil
}

func insertTaskTx(tx *sql.Tx, t models.Task) error {
	_, err := tx.Exec(`INSERT INTO tasks (id, title, description, notes_markdown, project_id, status, priority, is_important, due_at, remind_at, recurrence, created_at, updated_at, sync_version, updated_by_device)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.NotesMarkdown, nullableStr(t.ProjectID), string(t.Status), string(t.Priority),
		boolToInt(t.IsImportant), nullableTime(t.DueAt), nullableTime(t.RemindAt), string(t.Recurrence),
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339), t.SyncVersion, t.UpdatedByDevice)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func updateTaskTx(tx *sql.Tx, t models.Task) error {
	_, err := tx.Exec(`UPDATE tasks SET title=?, description=?, notes_markdown=?, project_id=?, status=?, priority=?, is_important=?,
		due_at=?, remind_at=?, recurrence=?, updated_at=?, sync_version=?, updated_by_device=? WHERE id=?`,
		t.Title, t.Description, t.NotesMarkdown, nullableStr(t.ProjectID), string(t.Status), string(t.Priority),
		boolToInt(t.IsImportant), nullableTime(t.DueAt), nullableTime(t.RemindAt), string(t.Recurrence),
		t.UpdatedAt.Format(time.RFC3339), t.SyncVersion, t.UpdatedByDevice, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func taskPayload(t models.Task) map[string]any {
	p := map[string]any{
		"id":                t.ID,
		"title":             t.Title,
		"description":       t.Description,
		"notes_markdown":    t.NotesMarkdown,
		"status":            string(t.Status),
		"priority":          string(t.Priority),
		"is_important":      t.IsImportant,
		"recurrence":        string(t.Recurrence),
		"created_at":        t.CreatedAt.Format(time.RFC3339),
		"updated_at":        t.UpdatedAt.Format(time.RFC3339),
		"sync_version":      t.SyncVersion,
		"updated_by_device": t.UpdatedByDevice,
	}
	if t.ProjectID != nil {
		p["project_id"] = *t.ProjectID
	}
	if t.DueAt != nil {
		p["due_at"] = t.DueAt.Format(time.RFC3339)
	}
	if t.RemindAt != nil {
		p["remind_at"] = t.RemindAt.Format(time.RFC3339)
	}
	return p
}

// recordTaskChangelog inserts one changelog row per differing field
// between before and after, plus a STATUS_CHANGED row when status
// differs.
func recordTaskChangelog(tx *sql.Tx, before, after models.Task) error {
	if before.Status != after.Status {
		if err := insertChangelog(tx, after.ID, models.ChangelogStatusChanged, "status", string(before.Status), string(after.Status)); err != nil {
			return err
		}
	}
	fields := []struct {
		name     string
		oldValue string
		newValue string
	}{
		{"title", before.Title, after.Title},
		{"description", before.Description, after.Description},
		{"notes_markdown", before.NotesMarkdown, after.NotesMarkdown},
		{"priority", string(before.Priority), string(after.Priority)},
	}
	for _, f := range fields {
		if f.oldValue != f.newValue {
			if err := insertChangelog(tx, after.ID, models.ChangelogUpdated, f.name, f.oldValue, f.newValue); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertChangelog(tx *sql.Tx, taskID string, action models.ChangelogAction, field, oldValue, newValue string) error {
	id := mustID("chl_")
	_, err := tx.Exec(`INSERT INTO task_changelogs (id, task_id, action, field_name, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, taskID, string(action), field, oldValue, newValue, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert changelog: %w", err)
	}
	return nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
