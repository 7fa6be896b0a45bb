package store

// Both SQLite drivers are registered via blank import, exactly as the
// teacher does: modernc.org/sqlite (pure Go) backs on-disk production
// databases, mattn/go-sqlite3 (cgo) backs in-memory test databases.

import (
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)
