// Package store is the durable relational Store (spec component C2):
// schema, migrations, entity CRUD, outbox, checkpoint, conflicts and
// diagnostics, behind a single-writer SQLite connection.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrWriteBlocked is returned while the migration-diagnostics
// guardrail flag is set by the entity mutations (create, update,
// delete) and by conflict resolutions that enqueue an outbox row.
// Incoming sync changes, outbox and checkpoint upkeep, diagnostics
// and backup restore do not check the flag.
var ErrWriteBlocked = errors.New("store: writes blocked by migration guardrail")

// DB wraps the single-writer SQLite connection and the advisory file
// lock that enforces cross-process write exclusivity, grounded on the
// teacher's internal/db/db.go and internal/db/lock.go.
type DB struct {
	conn    *sql.DB
	baseDir string
	locker  *writeLocker
	log     *slog.Logger
}

// ResolveBaseDir returns the directory SoloStack stores its database
// in, honoring SOLOSTACK_HOME, else ~/.local/share/solostack.
func ResolveBaseDir() (string, error) {
	if dir := os.Getenv("SOLOSTACK_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "solostack"), nil
}

// driverName selects the SQLite driver: mattn/go-sqlite3 (cgo) for
// in-memory test databases, modernc.org/sqlite (pure Go) otherwise.
// Both drivers are registered by the blank imports in drivers.go.
func driverName(path string) string {
	if path == ":memory:" {
		return "sqlite3"
	}
	return "sqlite"
}

// Open opens (creating if necessary) the database at baseDir/solostack.db,
// applies pragmas for single-writer WAL operation, sets up the
// cross-process write lock (taken per write by withWriteLock), and
// runs migrations.
func Open(baseDir string) (*DB, error) {
	if baseDir == "" {
		var err error
		baseDir, err = ResolveBaseDir()
		if err != nil {
			return nil, err
		}
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
	}
	path := filepath.Join(baseDir, "solostack.db")
	return openAt(path, baseDir)
}

// OpenMemory opens an in-memory database for tests, using the cgo
// driver the way the teacher's own test suite does.
func OpenMemory() (*DB, error) {
	return openAt(":memory:", "")
}

func openAt(path, baseDir string) (*DB, error) {
	conn, err := sql.Open(driverName(path), path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db := &DB{conn: conn, baseDir: baseDir, log: slog.Default().With("component", "store")}

	if baseDir != "" {
		locker, err := newWriteLocker(filepath.Join(baseDir, "db.lock"))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("init write lock: %w", err)
		}
		db.locker = locker
	}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// BaseDir returns the directory the database file lives in ("" for
// in-memory databases).
func (db *DB) BaseDir() string { return db.baseDir }

// Conn exposes the raw connection for callers that need to query row
// state directly.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.baseDir != "" {
		_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.conn.Close()
}

func (db *DB) initialize() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	if err := db.runMigrations(); err != nil {
		return err
	}
	return db.seedDefaults()
}

func (db *DB) runMigrations() error {
	current, err := db.schemaVersion()
	if err != nil {
		return err
	}
	if current >= SchemaVersion {
		return nil
	}
	return db.withWriteLock(func(tx *sql.Tx) error {
		for _, m := range migrations {
			if m.Version <= current {
				continue
			}
			if m.SQL != "" {
				if _, err := tx.Exec(m.SQL); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
				}
			}
			db.log.Info("applied migration", "version", m.Version, "description", m.Description)
		}
		return db.setSchemaVersionTx(tx, SchemaVersion)
	})
}

func (db *DB) schemaVersion() (int, error) {
	row := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'schema_version'`)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", v, err)
	}
	return parsed, nil
}

func (db *DB) setSchemaVersionTx(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT INTO schema_info (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", version))
	return err
}

func (db *DB) seedDefaults() error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.conn.Exec(`INSERT OR IGNORE INTO sync_checkpoint (id, last_sync_cursor, last_synced_at, updated_at)
		VALUES (1, '', NULL, ?)`, now); err != nil {
		return fmt.Errorf("seed checkpoint: %w", err)
	}
	for k, v := range runtimePresetDefaults {
		if _, err := db.conn.Exec(`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("seed setting %q: %w", k, err)
		}
	}
	return nil
}

// withWriteLock serializes a mutating operation behind both the
// cross-process advisory file lock (when the database is on disk) and
// a single SQLite transaction, mirroring the teacher's
// internal/db/db.go withWriteLock helper. The transaction is opened
// with database/sql's default deferred BEGIN, not BEGIN IMMEDIATE;
// writers within the process are serialized by the single connection.
func (db *DB) withWriteLock(fn func(tx *sql.Tx) error) error {
	if db.locker != nil {
		if err := db.locker.acquire(); err != nil {
			return fmt.Errorf("acquire write lock: %w", err)
		}
		defer db.locker.release()
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// writeBlocked checks the migration guardrail flag within an
// in-flight transaction.
func writeBlocked(tx *sql.Tx) (bool, string, error) {
	row := tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, migrationGuardFlagKey)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return v != "", v, nil
}
