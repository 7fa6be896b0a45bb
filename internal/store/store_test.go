package store

import "testing"

// mustOpenMemory opens an in-memory Store for a test, closing it on
// cleanup.
func mustOpenMemory(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
