package store

// SchemaVersion is the current canonical schema version. Bump alongside
// an entry in migrations below.
const SchemaVersion = 1

// schema is the canonical DDL applied to a fresh database. Existing
// databases are brought up to date incrementally by migrations.
const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT '',
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name_nocase ON projects (name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	notes_markdown TEXT NOT NULL DEFAULT '',
	project_id TEXT,
	status TEXT NOT NULL DEFAULT 'TODO',
	priority TEXT NOT NULL DEFAULT 'NORMAL',
	is_important INTEGER NOT NULL DEFAULT 0,
	due_at TEXT,
	remind_at TEXT,
	recurrence TEXT NOT NULL DEFAULT 'NONE',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due_at ON tasks (due_at);
CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks (project_id);

CREATE TABLE IF NOT EXISTS task_subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	title TEXT NOT NULL,
	is_done INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_subtasks_task_id ON task_subtasks (task_id, created_at ASC);

CREATE TABLE IF NOT EXISTS task_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	title_template TEXT NOT NULL DEFAULT '',
	description_template TEXT NOT NULL DEFAULT '',
	default_priority TEXT NOT NULL DEFAULT 'NORMAL',
	default_project_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_records (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	notes TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 1,
	updated_by_device TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_changelogs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	action TEXT NOT NULL,
	field_name TEXT NOT NULL DEFAULT '',
	old_value TEXT NOT NULL DEFAULT '',
	new_value TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_changelogs_task_id ON task_changelogs (task_id, created_at DESC);

CREATE TABLE IF NOT EXISTS deleted_records (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	deleted_at TEXT NOT NULL,
	deleted_by_device TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload_json TEXT,
	idempotency_key TEXT NOT NULL UNIQUE,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_outbox_created_at ON sync_outbox (created_at);

CREATE TABLE IF NOT EXISTS sync_checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_cursor TEXT NOT NULL DEFAULT '',
	last_synced_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id TEXT PRIMARY KEY,
	incoming_idempotency_key TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	reason_code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	local_payload_json TEXT,
	remote_payload_json TEXT,
	base_payload_json TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	resolution_strategy TEXT,
	resolution_payload_json TEXT,
	resolved_by_device TEXT NOT NULL DEFAULT '',
	detected_at TEXT NOT NULL,
	resolved_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_status ON sync_conflicts (status, detected_at DESC);

CREATE TABLE IF NOT EXISTS sync_conflict_events (
	id TEXT PRIMARY KEY,
	conflict_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_payload_json TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflict_events_conflict_id ON sync_conflict_events (conflict_id, created_at ASC);

CREATE TABLE IF NOT EXISTS sync_diagnostics_history (
	id TEXT PRIMARY KEY,
	captured_at TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_exports (
	id TEXT PRIMARY KEY,
	exported_at TEXT NOT NULL,
	summary_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_exports_exported_at ON backup_exports (exported_at DESC);
`

// migration is one idempotent forward step applied after the base
// schema. Modeled on the teacher's versioned Migration slice; kept as
// a slice even though it is short today so new columns/tables can be
// added the same way without reshaping the runner.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base schema",
		SQL:         "",
	},
}

// runtimePresetDefaults seeds the desktop/mobile runtime profile
// cadence+batch-size presets into settings on first Initialize.
var runtimePresetDefaults = map[string]string{
	"runtime_preset.desktop.auto_interval_seconds":       "60",
	"runtime_preset.desktop.background_interval_seconds": "300",
	"runtime_preset.desktop.push_limit":                  "200",
	"runtime_preset.desktop.pull_limit":                  "200",
	"runtime_preset.desktop.max_pull_pages":               "5",
	"runtime_preset.mobile.auto_interval_seconds":         "120",
	"runtime_preset.mobile.background_interval_seconds":   "600",
	"runtime_preset.mobile.push_limit":                    "120",
	"runtime_preset.mobile.pull_limit":                    "120",
	"runtime_preset.mobile.max_pull_pages":                 "3",
	"provider.storage_profile":                             "provider_neutral",
	"sync.runtime_profile":                                 "desktop",
}

// migrationGuardFlagKey is the settings key the Store checks before
// allowing any write that would enqueue an outbox row (spec §4.2/§7
// sync_write_blocked guardrail).
const migrationGuardFlagKey = "sync_write_blocked"
