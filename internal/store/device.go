package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// GetOrCreateDeviceID returns the persisted device id, generating and
// storing a new 16-byte random hex id on first use, matching the
// teacher's syncconfig.GenerateDeviceID. Stored in schema_info (not a
// syncable settings row) so it never participates in the sync pipeline
// itself.
func (db *DB) GetOrCreateDeviceID() (string, error) {
	row := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'device_id'`)
	var id string
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	id = hex.EncodeToString(b)

	werr := db.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO schema_info (key, value) VALUES ('device_id', ?)
			ON CONFLICT(key) DO NOTHING`, id)
		return err
	})
	if werr != nil {
		return "", fmt.Errorf("persist device id: %w", werr)
	}

	// Another concurrent opener may have won the race; re-read to
	// guarantee all callers converge on the same id.
	row = db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'device_id'`)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("re-read device id: %w", err)
	}
	return id, nil
}
