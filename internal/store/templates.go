package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// CreateTaskTemplate inserts a reusable task blueprint.
func (db *DB) CreateTaskTemplate(deviceID string, t models.TaskTemplate) (*models.TaskTemplate, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = mustID(prefixTemplate)
	}
	if !models.IsValidPriority(t.DefaultPriority) {
		t.DefaultPriority = models.PriorityNormal
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
		if _, err := tx.Exec(`INSERT INTO task_templates
			(id, name, title_template, description_template, default_priority, default_project_id, created_at, updated_at, sync_version, updated_by_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.TitleTemplate, t.DescriptionTemplate, string(t.DefaultPriority), nullableStr(t.DefaultProjectID),
			t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339), t.SyncVersion, t.UpdatedByDevice); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		payload, err := json.Marshal(templatePayload(t))
		if err != nil {
			return fmt.Errorf("marshal template payload: %w", err)
		}
		return enqueueOutbox(tx, deviceID, models.EntityTaskTemplate, t.ID, models.OpUpsert, payload)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskTemplate applies mutate and re-enqueues the outbox row.
func (db *DB) UpdateTaskTemplate(deviceID, id string, mutate func(*models.TaskTemplate)) (*models.TaskTemplate, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	var updated models.TaskTemplate
	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		t, err := getTemplateTx(tx, id)
		if err != nil {
			return err
		}
		mutate(t)
		t.UpdatedAt = time.Now().UTC()
		t.SyncVersion++
		t.UpdatedByDevice = deviceID

		if _, err := tx.Exec(`UPDATE task_templates SET name=?, title_template=?, description_template=?, default_priority=?,
			default_project_id=?, updated_at=?, sync_version=?, updated_by_device=? WHERE id=?`,
			t.Name, t.TitleTemplate, t.DescriptionTemplate, string(t.DefaultPriority), nullableStr(t.DefaultProjectID),
			t.UpdatedAt.Format(time.RFC3339), t.SyncVersion, t.UpdatedByDevice, t.ID); err != nil {
			return fmt.Errorf("update template: %w", err)
		}
		payload, err := json.Marshal(templatePayload(*t))
		if err != nil {
			return fmt.Errorf("marshal template payload: %w", err)
		}
		if err := enqueueOutbox(tx, deviceID, models.EntityTaskTemplate, t.ID, models.OpUpsert, payload); err != nil {
			return err
		}
		updated = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteTaskTemplate removes a template and enqueues a tombstone.
func (db *DB) DeleteTaskTemplate(deviceID, id string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`DELETE FROM task_templates WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete template: %w", err)
		}
		if err := writeTombstone(tx, models.EntityTaskTemplate, id, deviceID, time.Now().UTC()); err != nil {
			return err
		}
		return enqueueOutbox(tx, deviceID, models.EntityTaskTemplate, id, models.OpDelete, nil)
	})
}

// ListTaskTemplates returns all templates ordered by name.
func (db *DB) ListTaskTemplates() ([]models.TaskTemplate, error) {
	rows, err := db.conn.Query(`SELECT id, name, title_template, description_template, default_priority, default_project_id,
		created_at, updated_at, sync_version, updated_by_device FROM task_templates ORDER BY name COLLATE NOCASE ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []models.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func getTemplateTx(tx *sql.Tx, id string) (*models.TaskTemplate, error) {
	row := tx.QueryRow(`SELECT id, name, title_template, description_template, default_priority, default_project_id,
		created_at, updated_at, sync_version, updated_by_device FROM task_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func scanTemplate(row scanner) (*models.TaskTemplate, error) {
	var t models.TaskTemplate
	var priority, createdAt, updatedAt string
	var defaultProjectID sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.TitleTemplate, &t.DescriptionTemplate, &priority, &defaultProjectID,
		&createdAt, &updatedAt, &t.SyncVersion, &t.UpdatedByDevice); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan template: %w", err)
	}
	t.DefaultPriority = models.TaskPriority(priority)
	if defaultProjectID.Valid {
		v := defaultProjectID.String
		t.DefaultProjectID = &v
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

func templatePayload(t models.TaskTemplate) map[string]any {
	return map[string]any{
		"id":                   t.ID,
		"name":                 t.Name,
		"title_template":       t.TitleTemplate,
		"description_template": t.DescriptionTemplate,
		"default_priority":     string(t.DefaultPriority),
		"default_project_id":   t.DefaultProjectID,
		"created_at":           t.CreatedAt.Format(time.RFC3339),
		"updated_at":           t.UpdatedAt.Format(time.RFC3339),
		"sync_version":         t.SyncVersion,
		"updated_by_device":    t.UpdatedByDevice,
	}
}
