package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// ErrForceRestoreRequired is returned by RestoreBackup when pending
// outbox changes or open conflicts would be silently discarded and
// the caller did not pass force=true.
var ErrForceRestoreRequired = errors.New("store: restore requires force=true")

// BackupData is the full snapshot of every syncable (and session)
// table, matching spec's backup export "data" object.
type BackupData struct {
	Settings       []models.AppSetting    `json:"settings"`
	Projects       []models.Project       `json:"projects"`
	Tasks          []models.Task          `json:"tasks"`
	Sessions       []models.SessionRecord `json:"sessions"`
	TaskSubtasks   []models.TaskSubtask   `json:"task_subtasks"`
	TaskChangelogs []models.TaskChangelog `json:"task_changelogs"`
	TaskTemplates  []models.TaskTemplate  `json:"task_templates"`
}

// BackupExport is the full JSON shape of one backup export.
type BackupExport struct {
	Version    int        `json:"version"`
	ExportedAt time.Time  `json:"exported_at"`
	Data       BackupData `json:"data"`
}

// ExportBackup assembles a full snapshot of every table named by the
// backup export format and records one backup_exports row so later
// RestorePreflight calls can report on it.
func (db *DB) ExportBackup() (*BackupExport, error) {
	settings, err := db.ListSettings()
	if err != nil {
		return nil, fmt.Errorf("export backup: settings: %w", err)
	}
	projects, err := db.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("export backup: projects: %w", err)
	}
	tasks, err := db.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("export backup: tasks: %w", err)
	}
	sessions, err := db.ListSessionRecords()
	if err != nil {
		return nil, fmt.Errorf("export backup: sessions: %w", err)
	}
	subtasks, err := db.listAllTaskSubtasks()
	if err != nil {
		return nil, fmt.Errorf("export backup: task subtasks: %w", err)
	}
	changelogs, err := db.listAllTaskChangelogs()
	if err != nil {
		return nil, fmt.Errorf("export backup: task changelogs: %w", err)
	}
	templates, err := db.ListTaskTemplates()
	if err != nil {
		return nil, fmt.Errorf("export backup: task templates: %w", err)
	}

	export := &BackupExport{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Data: BackupData{
			Settings:       settings,
			Projects:       projects,
			Tasks:          tasks,
			Sessions:       sessions,
			TaskSubtasks:   subtasks,
			TaskChangelogs: changelogs,
			TaskTemplates:  templates,
		},
	}

	summary, err := json.Marshal(backupSummary{
		Projects:  len(projects),
		Tasks:     len(tasks),
		Subtasks:  len(subtasks),
		Templates: len(templates),
		Settings:  len(settings),
		Sessions:  len(sessions),
	})
	if err != nil {
		return nil, fmt.Errorf("export backup: marshal summary: %w", err)
	}
	if err := db.recordBackupExport(export.ExportedAt, summary); err != nil {
		return nil, fmt.Errorf("export backup: record history: %w", err)
	}
	return export, nil
}

// backupSummary is the compact latest_backup_summary shape reported
// by RestorePreflight.
type backupSummary struct {
	Projects  int `json:"projects"`
	Tasks     int `json:"tasks"`
	Subtasks  int `json:"subtasks"`
	Templates int `json:"templates"`
	Settings  int `json:"settings"`
	Sessions  int `json:"sessions"`
}

func (db *DB) recordBackupExport(exportedAt time.Time, summaryJSON []byte) error {
	_, err := db.conn.Exec(`INSERT INTO backup_exports (id, exported_at, summary_json) VALUES (?, ?, ?)`,
		mustID("bkp_"), exportedAt.Format(time.RFC3339Nano), string(summaryJSON))
	return err
}

func (db *DB) listAllTaskSubtasks() ([]models.TaskSubtask, error) {
	rows, err := db.conn.Query(`SELECT id, task_id, title, is_done, created_at, updated_at, sync_version, updated_by_device
		FROM task_subtasks ORDER BY task_id ASC, created_at ASC`)
	if err != nil {
		return nil, err
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

func (db *DB) listAllTaskChangelogs() ([]models.TaskChangelog, error) {
	rows, err := db.conn.Query(`SELECT id, task_id, action, field_name, old_value, new_value, created_at
		FROM task_changelogs ORDER BY task_id ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TaskChangelog
	for rows.Next() {
		c, err := scanChangelog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanChangelog(row scanner) (*models.TaskChangelog, error) {
	var c models.TaskChangelog
	var action, createdAt string
	if err := row.Scan(&c.ID, &c.TaskID, &action, &c.FieldName, &c.OldValue, &c.NewValue, &createdAt); err != nil {
		return nil, fmt.Errorf("scan changelog: %w", err)
	}
	c.Action = models.ChangelogAction(action)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// RestorePreflight is the result of GetRestorePreflight.
type RestorePreflight struct {
	PendingOutboxChanges   int        `json:"pending_outbox_changes"`
	OpenConflicts          int        `json:"open_conflicts"`
	HasLatestBackup        bool       `json:"has_latest_backup"`
	LatestBackupExportedAt *time.Time `json:"latest_backup_exported_at"`
	LatestBackupSummary    *string    `json:"latest_backup_summary"`
	RequiresForceRestore   bool       `json:"requires_force_restore"`
}

// GetRestorePreflight reports the state a restore would discard:
// pending outbox changes and open conflicts require force=true to
// proceed, per spec's restore preflight operation.
func (db *DB) GetRestorePreflight() (*RestorePreflight, error) {
	pending, err := db.CountPendingOutboxChanges()
	if err != nil {
		return nil, fmt.Errorf("restore preflight: %w", err)
	}
	openConflicts, err := db.ListSyncConflicts(string(models.ConflictOpen))
	if err != nil {
		return nil, fmt.Errorf("restore preflight: %w", err)
	}

	pre := &RestorePreflight{
		PendingOutboxChanges: pending,
		OpenConflicts:        len(openConflicts),
	}

	var exportedAt, summary string
	row := db.conn.QueryRow(`SELECT exported_at, summary_json FROM backup_exports ORDER BY exported_at DESC LIMIT 1`)
	switch err := row.Scan(&exportedAt, &summary); err {
	case nil:
		pre.HasLatestBackup = true
		t, parseErr := time.Parse(time.RFC3339Nano, exportedAt)
		if parseErr == nil {
			pre.LatestBackupExportedAt = &t
		}
		pre.LatestBackupSummary = &summary
	case sql.ErrNoRows:
		pre.HasLatestBackup = false
	default:
		return nil, fmt.Errorf("restore preflight: read latest backup: %w", err)
	}

	pre.RequiresForceRestore = pre.PendingOutboxChanges > 0 || pre.OpenConflicts > 0
	return pre, nil
}

// RestoreBackup replaces all table contents with the given backup's
// data. If the preflight requires a force restore, force must be
// true; pending outbox changes and sync checkpoint/state are reset
// since the restored data supersedes them.
func (db *DB) RestoreBackup(backup *BackupExport, force bool) error {
	pre, err := db.GetRestorePreflight()
	if err != nil {
		return err
	}
	if pre.RequiresForceRestore && !force {
		return ErrForceRestoreRequired
	}

	return db.withWriteLock(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM settings`, `DELETE FROM projects`, `DELETE FROM tasks`,
			`DELETE FROM session_records`, `DELETE FROM task_subtasks`,
			`DELETE FROM task_changelogs`, `DELETE FROM task_templates`,
			`DELETE FROM sync_outbox`, `DELETE FROM deleted_records`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("restore backup: clear tables: %w", err)
			}
		}

		for _, s := range backup.Data.Settings {
			if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)`, s.Key, s.Value); err != nil {
				return fmt.Errorf("restore backup: setting %s: %w", s.Key, err)
			}
		}
		for _, p := range backup.Data.Projects {
			if _, err := tx.Exec(`INSERT INTO projects (id, name, description, color, status, created_at, updated_at, sync_version, updated_by_device)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.Name, p.Description, p.Color, string(p.Status),
				p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339), p.SyncVersion, p.UpdatedByDevice); err != nil {
				return fmt.Errorf("restore backup: project %s: %w", p.ID, err)
			}
		}
		for _, t := range backup.Data.Tasks {
			if _, err := tx.Exec(`INSERT INTO tasks (id, title, description, notes_markdown, project_id, status, priority,
				is_important, due_at, remind_at, recurrence, created_at, updated_at, sync_version, updated_by_device)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.Title, t.Description, t.NotesMarkdown, nullableStr(t.ProjectID), string(t.Status), string(t.Priority),
				boolToInt(t.IsImportant), nullableTime(t.DueAt), nullableTime(t.RemindAt), string(t.Recurrence),
				t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339), t.SyncVersion, t.UpdatedByDevice); err != nil {
				return fmt.Errorf("restore backup: task %s: %w", t.ID, err)
			}
		}
		for _, s := range backup.Data.TaskSubtasks {
			if _, err := tx.Exec(`INSERT INTO task_subtasks (id, task_id, title, is_done, created_at, updated_at, sync_version, updated_by_device)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.TaskID, s.Title, boolToInt(s.IsDone), s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339),
				s.SyncVersion, s.UpdatedByDevice); err != nil {
				return fmt.Errorf("restore backup: subtask %s: %w", s.ID, err)
			}
		}
		for _, c := range backup.Data.TaskChangelogs {
			if _, err := tx.Exec(`INSERT INTO task_changelogs (id, task_id, action, field_name, old_value, new_value, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.TaskID, string(c.Action), c.FieldName, c.OldValue, c.NewValue, c.CreatedAt.Format(time.RFC3339)); err != nil {
				return fmt.Errorf("restore backup: changelog %s: %w", c.ID, err)
			}
		}
		for _, tpl := range backup.Data.TaskTemplates {
			if _, err := tx.Exec(`INSERT INTO task_templates (id, name, title_template, description_template,
				default_priority, default_project_id, created_at, updated_at, sync_version, updated_by_device)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tpl.ID, tpl.Name, tpl.TitleTemplate, tpl.DescriptionTemplate, string(tpl.DefaultPriority), nullableStr(tpl.DefaultProjectID),
				tpl.CreatedAt.Format(time.RFC3339), tpl.UpdatedAt.Format(time.RFC3339), tpl.SyncVersion, tpl.UpdatedByDevice); err != nil {
				return fmt.Errorf("restore backup: template %s: %w", tpl.ID, err)
			}
		}
		for _, s := range backup.Data.Sessions {
			if _, err := tx.Exec(`INSERT INTO session_records (id, task_id, started_at, ended_at, notes, created_at, updated_at, sync_version, updated_by_device)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, nullableStr(s.TaskID), s.StartedAt.Format(time.RFC3339), nullableTime(s.EndedAt), s.Notes,
				s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339), s.SyncVersion, s.UpdatedByDevice); err != nil {
				return fmt.Errorf("restore backup: session %s: %w", s.ID, err)
			}
		}

		if _, err := tx.Exec(`UPDATE sync_checkpoint SET last_sync_cursor = '', last_synced_at = NULL, updated_at = ? WHERE id = 1`,
			time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("restore backup: reset checkpoint: %w", err)
		}
		return nil
	})
}
