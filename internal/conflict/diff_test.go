package conflict

import (
	"testing"
	"time"
)

func TestDiffLinesIdenticalText(t *testing.T) {
	rows := DiffLines("a\nb\nc", "a\nb\nc")
	for _, r := range rows {
		if r.Kind != DiffSame {
			t.Fatalf("expected all rows same, got %+v", r)
		}
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
}

func TestDiffLinesDetectsRemoteOnly(t *testing.T) {
	rows := DiffLines("a\nb", "a\nb\nc")
	var kinds []DiffRowKind
	for _, r := range rows {
		kinds = append(kinds, r.Kind)
	}
	found := false
	for _, k := range kinds {
		if k == DiffRemoteOnly {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a remote_only row, got %v", kinds)
	}
}

func TestDiffLinesEmptyInputs(t *testing.T) {
	if rows := DiffLines("", ""); len(rows) != 0 {
		t.Fatalf("expected no rows for two empty strings, got %d", len(rows))
	}
}

func TestComputeCountersResolutionRateAndMedian(t *testing.T) {
	detected := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resolvedFast := detected.Add(10 * time.Second)
	resolvedSlow := detected.Add(30 * time.Second)

	timings := []ConflictTiming{
		{Status: "resolved", DetectedAt: detected, ResolvedAt: &resolvedFast},
		{Status: "resolved", DetectedAt: detected, ResolvedAt: &resolvedSlow},
		{Status: "open", DetectedAt: detected},
	}

	counters := ComputeCounters(timings, 2, 1)
	if counters.ResolutionRatePercent != 67 {
		t.Fatalf("resolution rate: got %d, want 67", counters.ResolutionRatePercent)
	}
	if counters.MedianResolutionTimeMs != 20000 {
		t.Fatalf("median resolution time: got %d, want 20000", counters.MedianResolutionTimeMs)
	}
	if counters.TotalByStatus["resolved"] != 2 || counters.TotalByStatus["open"] != 1 {
		t.Fatalf("status totals: %+v", counters.TotalByStatus)
	}
	if counters.RetriedEvents != 2 || counters.ExportedEvents != 1 {
		t.Fatalf("event totals: retried=%d exported=%d", counters.RetriedEvents, counters.ExportedEvents)
	}
}

func TestComputeCountersEmptyInput(t *testing.T) {
	counters := ComputeCounters(nil, 0, 0)
	if counters.ResolutionRatePercent != 0 || counters.MedianResolutionTimeMs != 0 {
		t.Fatalf("expected zero-value counters for no conflicts, got %+v", counters)
	}
}
