// Package syncengine implements the four pure push/pull batch
// functions of the sync pipeline. None of them perform I/O directly;
// callers inject the side-effecting operations (Store mutations,
// Transport calls happen one layer up in syncrunner).
package syncengine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/models"
)

// OutboxChange is the subset of models.SyncOutboxRecord that
// preparePushBatch needs, kept narrow so callers don't have to
// construct a full record to test this package.
type OutboxChange struct {
	ID             int64
	EntityType     models.EntityType
	EntityID       string
	Operation      models.Operation
	PayloadJSON    []byte
	IdempotencyKey string
}

// SkippedChange names an outbox row preparePushBatch left out of the
// request, and why.
type SkippedChange struct {
	OutboxID int64
	Reason   string
}

const (
	ReasonMissingEntityID    = "MISSING_ENTITY_ID"
	ReasonInvalidPayloadJSON = "INVALID_PAYLOAD_JSON"
)

// PushBatch is the result of PreparePushBatch.
type PushBatch struct {
	Request *codec.PushRequest
	// Entries maps outbox row id to the idempotency key it was sent
	// under, in the order they appear in Request.Changes.
	Entries []EntryRef
	Skipped []SkippedChange
}

// EntryRef links one prepared wire Change back to its source outbox row.
type EntryRef struct {
	OutboxID       int64
	IdempotencyKey string
}

// PreparePushBatch builds a PushRequest from pending outbox rows,
// skipping rows that cannot be represented on the wire instead of
// failing the whole batch.
func PreparePushBatch(deviceID string, baseCursor *string, outboxChanges []OutboxChange) (PushBatch, error) {
	var inputs []codec.ChangeInput
	var entries []EntryRef
	var skipped []SkippedChange

	for _, row := range outboxChanges {
		if strings.TrimSpace(row.EntityID) == "" {
			skipped = append(skipped, SkippedChange{OutboxID: row.ID, Reason: ReasonMissingEntityID})
			continue
		}
		var updatedAt time.Time
		var updatedByDevice string
		syncVersion := 1

		if row.Operation == models.OpUpsert {
			if len(row.PayloadJSON) == 0 || !json.Valid(row.PayloadJSON) {
				skipped = append(skipped, SkippedChange{OutboxID: row.ID, Reason: ReasonInvalidPayloadJSON})
				continue
			}
			var fields map[string]any
			if err := json.Unmarshal(row.PayloadJSON, &fields); err != nil {
				skipped = append(skipped, SkippedChange{OutboxID: row.ID, Reason: ReasonInvalidPayloadJSON})
				continue
			}
			if v, ok := fields["updated_at"].(string); ok {
				updatedAt, _ = time.Parse(time.RFC3339, v)
			}
			if v, ok := fields["updated_by_device"].(string); ok {
				updatedByDevice = v
			}
			if v, ok := fields["sync_version"].(float64); ok {
				syncVersion = int(v)
			}
		}

		inputs = append(inputs, codec.ChangeInput{
			EntityType:      row.EntityType,
			EntityID:        row.EntityID,
			Operation:       row.Operation,
			UpdatedAt:       updatedAt,
			UpdatedByDevice: updatedByDevice,
			SyncVersion:     syncVersion,
			Payload:         json.RawMessage(row.PayloadJSON),
			IdempotencyKey:  row.IdempotencyKey,
		})
		entries = append(entries, EntryRef{OutboxID: row.ID, IdempotencyKey: row.IdempotencyKey})
	}

	req, err := codec.BuildPushRequest(deviceID, baseCursor, inputs)
	if err != nil {
		return PushBatch{}, fmt.Errorf("prepare push batch: %w", err)
	}

	// Re-derive Entries order to match req.Changes (BuildPushRequest sorts).
	byKey := make(map[string]int64, len(entries))
	for _, e := range entries {
		byKey[e.IdempotencyKey] = e.OutboxID
	}
	ordered := make([]EntryRef, 0, len(req.Changes))
	for _, c := range req.Changes {
		ordered = append(ordered, EntryRef{OutboxID: byKey[c.IdempotencyKey], IdempotencyKey: c.IdempotencyKey})
	}

	return PushBatch{Request: req, Entries: ordered, Skipped: skipped}, nil
}

// AckSummary is the result of AcknowledgePushResult.
type AckSummary struct {
	RemovedOutboxIDs []int64
	FailedOutboxIDs  []int64
	PendingOutboxIDs []int64
}

// AcknowledgePushResult reconciles outbox state against the server's
// push response, via the injected removeOutboxChanges /
// markOutboxChangeFailed callbacks.
func AcknowledgePushResult(
	entries []EntryRef,
	response *codec.PushResponse,
	removeOutboxChanges func(ids []int64) error,
	markOutboxChangeFailed func(id int64, message string) error,
) (AckSummary, error) {
	byKey := make(map[string]int64, len(entries))
	for _, e := range entries {
		byKey[e.IdempotencyKey] = e.OutboxID
	}

	var summary AckSummary
	handled := make(map[string]bool, len(entries))

	var toRemove []int64
	for _, key := range response.Accepted {
		if id, ok := byKey[key]; ok {
			toRemove = append(toRemove, id)
			summary.RemovedOutboxIDs = append(summary.RemovedOutboxIDs, id)
			handled[key] = true
		}
	}
	if len(toRemove) > 0 {
		if err := removeOutboxChanges(toRemove); err != nil {
			return AckSummary{}, fmt.Errorf("acknowledge push result: %w", err)
		}
	}

	for _, rej := range response.Rejected {
		id, ok := byKey[rej.IdempotencyKey]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("[%s] %s", rej.Reason, rej.Message)
		if err := markOutboxChangeFailed(id, msg); err != nil {
			return AckSummary{}, fmt.Errorf("acknowledge push result: %w", err)
		}
		summary.FailedOutboxIDs = append(summary.FailedOutboxIDs, id)
		handled[rej.IdempotencyKey] = true
	}

	for _, e := range entries {
		if !handled[e.IdempotencyKey] {
			summary.PendingOutboxIDs = append(summary.PendingOutboxIDs, e.OutboxID)
		}
	}
	return summary, nil
}

// PullApplyResult is the outcome of ApplyPullBatch.
type PullApplyResult struct {
	Applied     int
	Skipped     int
	Conflicts   int
	Failed      int
	SkippedSelf int
	Failures    []PullFailure
}

// PullFailure records an entry whose applyChange callback errored.
type PullFailure struct {
	IdempotencyKey string
	Error          string
}

// ApplyChangeFunc applies one incoming change to the store and
// reports the outcome, matching internal/conflict.Outcome's values.
type ApplyChangeFunc func(change codec.Change) (outcome string, err error)

const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
)

// ApplyPullBatch walks a pull response's changes in deterministic
// order, filtering out self-originated changes, and invokes
// applyChange for the rest, tolerating per-change errors.
func ApplyPullBatch(response *codec.PullResponse, localDeviceID string, applyChange ApplyChangeFunc) PullApplyResult {
	changes := make([]codec.Change, len(response.Changes))
	copy(changes, response.Changes)
	sortChangesForApply(changes)

	var result PullApplyResult
	for _, c := range changes {
		if strings.EqualFold(c.UpdatedByDevice, localDeviceID) {
			result.SkippedSelf++
			continue
		}
		outcome, err := applyChange(c)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, PullFailure{IdempotencyKey: c.IdempotencyKey, Error: err.Error()})
			continue
		}
		switch outcome {
		case OutcomeApplied:
			result.Applied++
		case OutcomeConflict:
			result.Conflicts++
		default:
			result.Skipped++
		}
	}
	return result
}

func sortChangesForApply(changes []codec.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt < b.UpdatedAt
		}
		pa := models.EntityPriority(models.EntityType(a.EntityType))
		pb := models.EntityPriority(models.EntityType(b.EntityType))
		if pa != pb {
			return pa < pb
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
}

// AdvanceCursor validates and persists a new checkpoint cursor via
// the injected setCheckpoint callback.
func AdvanceCursor(serverCursor, serverTime string, setCheckpoint func(cursor string, syncedAt time.Time) error) error {
	cursor := strings.TrimSpace(serverCursor)
	if cursor == "" {
		return fmt.Errorf("advance cursor: empty server_cursor")
	}
	syncedAt, err := time.Parse(time.RFC3339, serverTime)
	if err != nil {
		syncedAt = time.Unix(0, 0).UTC()
	}
	if err := setCheckpoint(cursor, syncedAt); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
