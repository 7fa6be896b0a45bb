package store

import (
	"testing"
	"time"
)

func TestAppendSyncSessionDiagnosticsSnapshotDedupes(t *testing.T) {
	db := mustOpenMemory(t)

	captured := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := db.AppendSyncSessionDiagnosticsSnapshot("runner", captured, []byte(`{"applied":1}`)); err != nil {
		t.Fatalf("AppendSyncSessionDiagnosticsSnapshot: %v", err)
	}
	if err := db.AppendSyncSessionDiagnosticsSnapshot("runner", captured, []byte(`{"applied":1}`)); err != nil {
		t.Fatalf("AppendSyncSessionDiagnosticsSnapshot (dup): %v", err)
	}

	list, err := db.ListSyncSessionDiagnostics("runner", 10)
	if err != nil {
		t.Fatalf("ListSyncSessionDiagnostics: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected duplicate snapshot to be dropped, got %d rows", len(list))
	}
}

func TestAppendSyncSessionDiagnosticsSnapshotKeepsDistinctPayloads(t *testing.T) {
	db := mustOpenMemory(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := db.AppendSyncSessionDiagnosticsSnapshot("runner", base, []byte(`{"applied":1}`)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := db.AppendSyncSessionDiagnosticsSnapshot("runner", base.Add(time.Minute), []byte(`{"applied":2}`)); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	list, err := db.ListSyncSessionDiagnostics("runner", 10)
	if err != nil {
		t.Fatalf("ListSyncSessionDiagnostics: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 distinct snapshots, got %d", len(list))
	}
	if list[0].PayloadJSON != `{"applied":2}` {
		t.Fatalf("expected newest-first ordering, got %q first", list[0].PayloadJSON)
	}
}

func TestExportSyncDiagnosticsHistoryFilters(t *testing.T) {
	db := mustOpenMemory(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []struct {
		source  string
		offset  time.Duration
		payload string
	}{
		{"runner", 0, `{"note":"push ok"}`},
		{"runner", time.Hour, `{"note":"pull conflict"}`},
		{"cli", 2 * time.Hour, `{"note":"manual backup"}`},
	}
	for _, e := range entries {
		if err := db.AppendSyncSessionDiagnosticsSnapshot(e.source, base.Add(e.offset), []byte(e.payload)); err != nil {
			t.Fatalf("append %s: %v", e.source, err)
		}
	}

	report, err := db.ExportSyncDiagnosticsHistory(DiagnosticsHistoryFilters{SourceFilter: "runner"})
	if err != nil {
		t.Fatalf("ExportSyncDiagnosticsHistory: %v", err)
	}
	if report.TotalFiltered != 2 || report.TotalExported != 2 {
		t.Fatalf("source filter: got filtered=%d exported=%d, want 2/2", report.TotalFiltered, report.TotalExported)
	}

	report, err = db.ExportSyncDiagnosticsHistory(DiagnosticsHistoryFilters{Query: "conflict"})
	if err != nil {
		t.Fatalf("ExportSyncDiagnosticsHistory (query): %v", err)
	}
	if report.TotalExported != 1 || report.Items[0].Source != "runner" {
		t.Fatalf("query filter: got %+v", report)
	}

	report, err = db.ExportSyncDiagnosticsHistory(DiagnosticsHistoryFilters{Limit: 1})
	if err != nil {
		t.Fatalf("ExportSyncDiagnosticsHistory (limit): %v", err)
	}
	if report.TotalFiltered != 3 || report.TotalExported != 1 {
		t.Fatalf("limit: got filtered=%d exported=%d, want 3/1", report.TotalFiltered, report.TotalExported)
	}

	report, err = db.ExportSyncDiagnosticsHistory(DiagnosticsHistoryFilters{DateFrom: "not-a-date"})
	if err != nil {
		t.Fatalf("ExportSyncDiagnosticsHistory (invalid range): %v", err)
	}
	if !report.Filters.DateRangeInvalid {
		t.Fatal("expected date_range_invalid=true for an unparseable date_from")
	}
	if report.TotalFiltered != 3 {
		t.Fatalf("invalid range should be dropped entirely, got filtered=%d", report.TotalFiltered)
	}

	report, err = db.ExportSyncDiagnosticsHistory(DiagnosticsHistoryFilters{
		DateFrom: base.Add(2 * time.Hour).Format(time.RFC3339),
		DateTo:   base.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("ExportSyncDiagnosticsHistory (inverted range): %v", err)
	}
	if !report.Filters.DateRangeInvalid || report.TotalFiltered != 3 {
		t.Fatalf("expected inverted range to be flagged invalid and dropped, got %+v", report.Filters)
	}
}
