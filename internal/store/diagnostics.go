package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendSyncSessionDiagnosticsSnapshot records one observability
// snapshot (e.g. a Runner cycle summary) unless it is byte-identical
// to the most recently recorded payload from the same source at the
// same captured_at timestamp, per spec §4 operation list.
func (db *DB) AppendSyncSessionDiagnosticsSnapshot(source string, capturedAt time.Time, payload []byte) error {
	return db.withWriteLock(func(tx *sql.Tx) error {
		var lastPayload string
		var lastCapturedAt string
		row := tx.QueryRow(`SELECT captured_at, payload_json FROM sync_diagnostics_history
			WHERE source = ? ORDER BY captured_at DESC LIMIT 1`, source)
		err := row.Scan(&lastCapturedAt, &lastPayload)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read last diagnostics snapshot: %w", err)
		}
		if err == nil && lastCapturedAt == capturedAt.UTC().Format(time.RFC3339Nano) && bytes.Equal([]byte(lastPayload), payload) {
			return nil
		}

		id := mustID("diag_")
		_, err = tx.Exec(`INSERT INTO sync_diagnostics_history (id, captured_at, source, payload_json) VALUES (?, ?, ?, ?)`,
			id, capturedAt.UTC().Format(time.RFC3339Nano), source, string(payload))
		if err != nil {
			return fmt.Errorf("append diagnostics snapshot: %w", err)
		}
		return nil
	})
}

// ListSyncSessionDiagnostics returns the most recent limit snapshots
// for source, newest first.
func (db *DB) ListSyncSessionDiagnostics(source string, limit int) ([]DiagnosticsSnapshot, error) {
	rows, err := db.conn.Query(`SELECT id, captured_at, source, payload_json FROM sync_diagnostics_history
		WHERE source = ? ORDER BY captured_at DESC LIMIT ?`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []DiagnosticsSnapshot
	for rows.Next() {
		var s DiagnosticsSnapshot
		var capturedAt string
		if err := rows.Scan(&s.ID, &capturedAt, &s.Source, &s.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan diagnostics snapshot: %w", err)
		}
		s.CapturedAt, _ = time.Parse(time.RFC3339Nano, capturedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DiagnosticsSnapshot is one row of sync_diagnostics_history.
type DiagnosticsSnapshot struct {
	ID          string
	CapturedAt  time.Time
	Source      string
	PayloadJSON string
}

// DiagnosticsHistoryFilters narrows an ExportSyncDiagnosticsHistory
// call. DateFrom/DateTo are RFC3339 strings; an unparseable non-empty
// value is ignored and reported via DateRangeInvalid rather than
// failing the export.
type DiagnosticsHistoryFilters struct {
	SourceFilter string `json:"source_filter"`
	Query        string `json:"query"`
	DateFrom     string `json:"date_from"`
	DateTo       string `json:"date_to"`
	Limit        int    `json:"limit"`
}

// DiagnosticsHistoryReport is the stable export shape from spec §6.
type DiagnosticsHistoryReport struct {
	ReportType    string                          `json:"report_type"`
	Filters       appliedDiagnosticsFilters       `json:"filters"`
	TotalFiltered int                             `json:"total_filtered"`
	TotalExported int                             `json:"total_exported"`
	Items         []DiagnosticsHistoryReportItem  `json:"items"`
}

// appliedDiagnosticsFilters echoes the filters actually applied,
// including whether a malformed date range was dropped.
type appliedDiagnosticsFilters struct {
	SourceFilter     string `json:"source_filter"`
	Query            string `json:"query"`
	DateFrom         string `json:"date_from"`
	DateTo           string `json:"date_to"`
	Limit            int    `json:"limit"`
	DateRangeInvalid bool   `json:"date_range_invalid"`
}

// DiagnosticsHistoryReportItem is one exported snapshot row.
type DiagnosticsHistoryReportItem struct {
	CapturedAt  time.Time `json:"captured_at"`
	Source      string    `json:"source"`
	PayloadJSON string    `json:"payload_json"`
}

// ExportSyncDiagnosticsHistory filters sync_diagnostics_history by
// source, a free-text substring match against the payload, and a
// captured_at range, then caps the result at limit (0 means
// unbounded). total_filtered counts all rows matching source/query/date
// filters before the limit is applied; total_exported counts the
// returned items.
func (db *DB) ExportSyncDiagnosticsHistory(filters DiagnosticsHistoryFilters) (*DiagnosticsHistoryReport, error) {
	applied := appliedDiagnosticsFilters{
		SourceFilter: filters.SourceFilter,
		Query:        filters.Query,
		Limit:        filters.Limit,
	}

	var fromT, toT time.Time
	if filters.DateFrom != "" {
		t, err := time.Parse(time.RFC3339, filters.DateFrom)
		if err != nil {
			applied.DateRangeInvalid = true
		} else {
			fromT = t
			applied.DateFrom = filters.DateFrom
		}
	}
	if filters.DateTo != "" {
		t, err := time.Parse(time.RFC3339, filters.DateTo)
		if err != nil {
			applied.DateRangeInvalid = true
		} else {
			toT = t
			applied.DateTo = filters.DateTo
		}
	}
	if !fromT.IsZero() && !toT.IsZero() && fromT.After(toT) {
		applied.DateRangeInvalid = true
		fromT, toT = time.Time{}, time.Time{}
		applied.DateFrom, applied.DateTo = "", ""
	}

	q := `SELECT captured_at, source, payload_json FROM sync_diagnostics_history WHERE 1=1`
	args := []any{}
	if filters.SourceFilter != "" {
		q += ` AND source = ?`
		args = append(args, filters.SourceFilter)
	}
	if filters.Query != "" {
		q += ` AND payload_json LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(filters.Query)+"%")
	}
	if !fromT.IsZero() {
		q += ` AND captured_at >= ?`
		args = append(args, fromT.UTC().Format(time.RFC3339Nano))
	}
	if !toT.IsZero() {
		q += ` AND captured_at <= ?`
		args = append(args, toT.UTC().Format(time.RFC3339Nano))
	}
	q += ` ORDER BY captured_at DESC`

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("export diagnostics history: %w", err)
	}
	defer rows.Close()

	var all []DiagnosticsHistoryReportItem
	for rows.Next() {
		var item DiagnosticsHistoryReportItem
		var capturedAt string
		if err := rows.Scan(&capturedAt, &item.Source, &item.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan diagnostics history row: %w", err)
		}
		item.CapturedAt, _ = time.Parse(time.RFC3339Nano, capturedAt)
		all = append(all, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &DiagnosticsHistoryReport{
		ReportType:    "sync_diagnostics_history",
		Filters:       applied,
		TotalFiltered: len(all),
	}
	if filters.Limit > 0 && filters.Limit < len(all) {
		all = all[:filters.Limit]
	}
	report.Items = all
	report.TotalExported = len(all)
	return report, nil
}

// escapeLike escapes SQLite LIKE wildcard characters in a user-supplied
// substring query so `%`/`_` in the query text match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
