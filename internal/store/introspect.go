package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
)

// validColumnName guards every dynamically-built identifier used in
// SQL below, matching the teacher's internal/sync/events.go guard of
// the same name.
var validColumnName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// entityTables maps a syncable entity type to its backing table and
// primary-key column, the generalization this Store uses instead of
// one hand-written apply function per entity (the teacher achieves
// the same generality via PRAGMA table_info introspection in
// internal/sync/events.go).
var entityTables = map[string]struct {
	table   string
	idCol   string
}{
	"PROJECT":       {"projects", "id"},
	"TASK":          {"tasks", "id"},
	"TASK_SUBTASK":  {"task_subtasks", "id"},
	"TASK_TEMPLATE": {"task_templates", "id"},
	"SETTING":       {"settings", "key"},
}

func tableForEntity(entityType string) (table, idCol string, ok bool) {
	t, ok := entityTables[entityType]
	if !ok {
		return "", "", false
	}
	return t.table, t.idCol, true
}

// getTableColumns returns the ordered column names of table via
// PRAGMA table_info, validating table against validColumnName first
// exactly as the teacher's getTableColumns does.
func getTableColumns(tx queryer, table string) ([]string, error) {
	if !validColumnName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// scanRowToMap reads a single row of table (identified by idCol=idVal)
// into a column-name-keyed map, or returns (nil, ErrNotFound).
func scanRowToMap(tx *sql.Tx, table, idCol, idVal string) (map[string]any, error) {
	cols, err := getTableColumns(tx, table)
	if err != nil {
		return nil, err
	}
	if !validColumnName.MatchString(idCol) {
		return nil, fmt.Errorf("invalid id column %q", idCol)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", joinCols(cols), table, idCol)
	row := tx.QueryRow(q, idVal)

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan %s row: %w", table, err)
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = dest[i]
	}
	return out, nil
}

// upsertRow writes data (column -> value) into table via INSERT ...
// ON CONFLICT(idCol) DO UPDATE, dropping any keys not present as real
// columns so forward (newer-schema) payloads degrade gracefully.
//
// This deliberately avoids INSERT OR REPLACE: SQLite's REPLACE
// conflict resolution deletes the pre-existing row before reinserting
// it, and with foreign_keys=ON that delete fires ON DELETE CASCADE on
// any child table (task_subtasks.task_id here), silently wiping rows
// that were never part of this change. ON CONFLICT DO UPDATE is a true
// in-place update, so no cascade fires.
func upsertRow(tx *sql.Tx, table, idCol string, data map[string]any) error {
	cols, err := getTableColumns(tx, table)
	if err != nil {
		return err
	}
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c] = true
	}

	var useCols []string
	for _, c := range cols {
		if _, present := data[c]; !present {
			continue
		}
		useCols = append(useCols, c)
	}
	if len(useCols) == 0 {
		return fmt.Errorf("upsert %s: no recognized columns in payload", table)
	}
	sort.Strings(useCols) // deterministic column order, matching buildInsert

	var updateClauses []string
	for _, c := range useCols {
		if c == idCol {
			continue
		}
		updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	if len(updateClauses) == 0 {
		// Nothing besides the id column was supplied; update it to
		// itself so the statement stays valid SQL.
		updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", idCol, idCol))
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, joinCols(useCols), joinPlaceholders(len(useCols)), idCol, joinCols(updateClauses))
	args := make([]any, len(useCols))
	for i, c := range useCols {
		args[i] = data[c]
	}
	if _, err := tx.Exec(q, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

func deleteRow(tx *sql.Tx, table, idCol, idVal string) error {
	if !validColumnName.MatchString(table) || !validColumnName.MatchString(idCol) {
		return fmt.Errorf("invalid identifier")
	}
	_, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, idCol), idVal)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
