package conflict

import (
	"math"
	"sort"
	"strings"
	"time"
)

// DiffRowKind classifies one row of the manual-merge diff model.
type DiffRowKind string

const (
	DiffSame       DiffRowKind = "same"
	DiffLocalOnly  DiffRowKind = "local_only"
	DiffRemoteOnly DiffRowKind = "remote_only"
	DiffChanged    DiffRowKind = "changed"
)

// DiffRow is one line-wise row of the manual-merge diff model
// consumed by the (out of scope) merge editor; truncation above 300
// rows is the consumer's responsibility, not this engine's.
type DiffRow struct {
	Kind       DiffRowKind
	LocalLine  string
	RemoteLine string
	LocalNo    int // 1-based, 0 if not present on this side
	RemoteNo   int
}

// DiffLines decomposes two free-text blobs line-wise via an LCS-based
// alignment, grounded on the teacher's diffJSON field-by-field diff
// (here applied line-by-line instead of field-by-field, matching the
// spec's manual-merge diff model which operates on Task.notes_markdown
// text rather than JSON objects).
func DiffLines(localText, remoteText string) []DiffRow {
	localLines := splitLines(localText)
	remoteLines := splitLines(remoteText)

	lcs := longestCommonSubsequence(localLines, remoteLines)

	var rows []DiffRow
	li, ri, ci := 0, 0, 0
	for li < len(localLines) || ri < len(remoteLines) {
		if ci < len(lcs) && li < len(localLines) && ri < len(remoteLines) &&
			localLines[li] == lcs[ci] && remoteLines[ri] == lcs[ci] {
			rows = append(rows, DiffRow{Kind: DiffSame, LocalLine: localLines[li], RemoteLine: remoteLines[ri], LocalNo: li + 1, RemoteNo: ri + 1})
			li++
			ri++
			ci++
			continue
		}
		switch {
		case li < len(localLines) && (ci >= len(lcs) || localLines[li] != lcs[ci]) && ri < len(remoteLines) && (ci >= len(lcs) || remoteLines[ri] != lcs[ci]):
			rows = append(rows, DiffRow{Kind: DiffChanged, LocalLine: localLines[li], RemoteLine: remoteLines[ri], LocalNo: li + 1, RemoteNo: ri + 1})
			li++
			ri++
		case li < len(localLines) && (ci >= len(lcs) || localLines[li] != lcs[ci]):
			rows = append(rows, DiffRow{Kind: DiffLocalOnly, LocalLine: localLines[li], LocalNo: li + 1})
			li++
		case ri < len(remoteLines):
			rows = append(rows, DiffRow{Kind: DiffRemoteOnly, RemoteLine: remoteLines[ri], RemoteNo: ri + 1})
			ri++
		default:
			// Exhausted one side while the LCS pointer still has
			// unmatched entries; advance defensively to avoid looping.
			if li < len(localLines) {
				li++
			} else {
				ri++
			}
		}
	}
	return rows
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func longestCommonSubsequence(a, b []string) []string {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	var out []string
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}

// ObservabilityCounters aggregates the per-conflict timing data the
// Store passes in to compute the rates defined in spec §4.3.
type ObservabilityCounters struct {
	TotalByStatus          map[string]int
	RetriedEvents          int
	ExportedEvents         int
	ResolutionRatePercent  int
	MedianResolutionTimeMs int64
	LatestDetectedAt       *time.Time
	LatestResolvedAt       *time.Time
}

// ConflictTiming is the minimal per-conflict input to ComputeCounters.
type ConflictTiming struct {
	Status     string
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// ComputeCounters computes the observability aggregate from the raw
// per-conflict rows plus separately-counted retried/exported event
// totals.
func ComputeCounters(conflicts []ConflictTiming, retriedEvents, exportedEvents int) ObservabilityCounters {
	counters := ObservabilityCounters{
		TotalByStatus:  map[string]int{},
		RetriedEvents:  retriedEvents,
		ExportedEvents: exportedEvents,
	}

	var resolutionDurations []int64
	total := len(conflicts)
	resolved := 0
	for _, c := range conflicts {
		counters.TotalByStatus[c.Status]++
		if counters.LatestDetectedAt == nil || c.DetectedAt.After(*counters.LatestDetectedAt) {
			d := c.DetectedAt
			counters.LatestDetectedAt = &d
		}
		if c.ResolvedAt != nil {
			resolved++
			if counters.LatestResolvedAt == nil || c.ResolvedAt.After(*counters.LatestResolvedAt) {
				r := *c.ResolvedAt
				counters.LatestResolvedAt = &r
			}
			resolutionDurations = append(resolutionDurations, c.ResolvedAt.Sub(c.DetectedAt).Milliseconds())
		}
	}

	if total == 0 {
		counters.ResolutionRatePercent = 0
	} else {
		counters.ResolutionRatePercent = int(math.Round(float64(resolved) / float64(total) * 100))
	}
	counters.MedianResolutionTimeMs = median(resolutionDurations)
	return counters
}

func median(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
