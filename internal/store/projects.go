package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// CreateProject inserts a new Project, bumping sync_version to 1,
// stamping updated_by_device, and enqueueing a matching outbox row,
// all within one transaction (spec invariant 1).
func (db *DB) CreateProject(deviceID string, p models.Project) (*models.Project, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = mustID(prefixProject)
	}
	if !models.IsValidProjectStatus(p.Status) {
		p.Status = models.ProjectActive
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.SyncVersion = 1
	p.UpdatedByDevice = deviceID

	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`INSERT INTO projects (id, name, description, color, status, created_at, updated_at, sync_version, updated_by_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.Color, string(p.Status),
			p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339), p.SyncVersion, p.UpdatedByDevice); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		payload, err := json.Marshal(projectPayload(p))
		if err != nil {
			return fmt.Errorf("marshal project payload: %w", err)
		}
		return enqueueOutbox(tx, deviceID, models.EntityProject, p.ID, models.OpUpsert, payload)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProject applies mutate to the stored project, bumps
// sync_version, and re-enqueues the outbox row.
func (db *DB) UpdateProject(deviceID, id string, mutate func(*models.Project)) (*models.Project, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}
	var updated models.Project
	err := db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		p, err := getProjectTx(tx, id)
		if err != nil {
			return err
		}
		mutate(p)
		p.UpdatedAt = time.Now().UTC()
		p.SyncVersion++
		p.UpdatedByDevice = deviceID

		if _, err := tx.Exec(`UPDATE projects SET name=?, description=?, color=?, status=?, updated_at=?, sync_version=?, updated_by_device=? WHERE id=?`,
			p.Name, p.Description, p.Color, string(p.Status), p.UpdatedAt.Format(time.RFC3339), p.SyncVersion, p.UpdatedByDevice, p.ID); err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		payload, err := json.Marshal(projectPayload(*p))
		if err != nil {
			return fmt.Errorf("marshal project payload: %w", err)
		}
		if err := enqueueOutbox(tx, deviceID, models.EntityProject, p.ID, models.OpUpsert, payload); err != nil {
			return err
		}
		updated = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteProject removes the row, writes a tombstone, clears
// project_id on referencing tasks (FK SET NULL semantics), and
// enqueues a DELETE outbox row (spec invariant 2).
func (db *DB) DeleteProject(deviceID, id string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		if blocked, reason, err := writeBlocked(tx); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
		}
		if _, err := tx.Exec(`UPDATE tasks SET project_id = NULL WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("clear task project refs: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if err := writeTombstone(tx, models.EntityProject, id, deviceID, time.Now().UTC()); err != nil {
			return err
		}
		return enqueueOutbox(tx, deviceID, models.EntityProject, id, models.OpDelete, nil)
	})
}

// GetProject returns a project by id, or ErrNotFound.
func (db *DB) GetProject(id string) (*models.Project, error) {
	row := db.conn.QueryRow(`SELECT id, name, description, color, status, created_at, updated_at, sync_version, updated_by_device
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by name.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.conn.Query(`SELECT id, name, description, color, status, created_at, updated_at, sync_version, updated_by_device
		FROM projects ORDER BY name COLLATE NOCASE ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func getProjectTx(tx *sql.Tx, id string) (*models.Project, error) {
	row := tx.QueryRow(`SELECT id, name, description, color, status, created_at, updated_at, sync_version, updated_by_device
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	var status, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Color, &status, &createdAt, &updatedAt, &p.SyncVersion, &p.UpdatedByDevice); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = models.ProjectStatus(status)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*models.Project, error) {
	return scanProject(rows)
}

func projectPayload(p models.Project) map[string]any {
	return map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"color":             p.Color,
		"status":            string(p.Status),
		"created_at":        p.CreatedAt.Format(time.RFC3339),
		"updated_at":        p.UpdatedAt.Format(time.RFC3339),
		"sync_version":      p.SyncVersion,
		"updated_by_device": p.UpdatedByDevice,
	}
}

// checkWritable surfaces the migration guardrail outside of a
// transaction, for callers that want to fail fast before doing other
// work.
func (db *DB) checkWritable() error {
	return db.probeWritable()
}

func (db *DB) probeWritable() error {
	var v string
	row := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, migrationGuardFlagKey)
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check write guardrail: %w", err)
	}
	if v != "" {
		return fmt.Errorf("%w: %s", ErrWriteBlocked, v)
	}
	return nil
}
