package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/conflict"
	"github.com/solostack/solostack/internal/models"
)

// ApplyIncomingSyncChange evaluates and, if warranted, applies one
// incoming wire Change against local state, per spec §4.3. Returns
// the decision outcome; on Conflict, a SyncConflictRecord has already
// been persisted.
func (db *DB) ApplyIncomingSyncChange(localDeviceID string, change codec.Change) (conflict.Outcome, error) {
	var outcome conflict.Outcome
	err := db.withWriteLock(func(tx *sql.Tx) error {
		entityType := models.EntityType(change.EntityType)
		operation := models.Operation(change.Operation)
		table, idCol, ok := tableForEntity(string(entityType))
		if !ok {
			return fmt.Errorf("store: unknown entity type %q", entityType)
		}

		updatedAt, err := time.Parse(time.RFC3339, change.UpdatedAt)
		if err != nil {
			updatedAt = time.Time{}
		}

		local, err := loadEntityState(tx, table, idCol, change.EntityID, entityType)
		if err != nil {
			return err
		}
		tombstoneAt, err := getTombstone(tx, entityType, change.EntityID)
		if err != nil {
			return err
		}

		payloadMap := map[string]any{}
		if len(change.Payload) > 0 {
			_ = json.Unmarshal(change.Payload, &payloadMap)
		}

		ic := conflict.IncomingChange{
			EntityType:      entityType,
			Operation:       operation,
			UpdatedAt:       updatedAt,
			UpdatedByDevice: change.UpdatedByDevice,
			SyncVersion:     change.SyncVersion,
		}
		if entityType == models.EntityTask {
			if notes, ok := payloadMap["notes_markdown"]; ok {
				ic.TouchesNotes = true
				ic.NotesMarkdown, _ = notes.(string)
			}
			if local == nil {
				title, _ := payloadMap["title"].(string)
				ic.TaskTitle = title
				if pid, ok := payloadMap["project_id"]; ok && pid != nil {
					ic.TaskHasProjectRef = true
					ic.TaskProjectExists = projectExists(tx, fmt.Sprint(pid))
				}
			}
		}

		decision := conflict.Decide(localDeviceID, ic, local, tombstoneAt)
		outcome = decision.Outcome

		switch decision.Outcome {
		case conflict.Applied:
			return applyDecided(tx, table, idCol, entityType, change.EntityID, operation, payloadMap, updatedAt, change.UpdatedByDevice)
		case conflict.Skipped:
			return nil
		default: // Conflict
			return persistConflict(tx, change, decision, local)
		}
	})
	return outcome, err
}

func loadEntityState(tx *sql.Tx, table, idCol, id string, entityType models.EntityType) (*conflict.EntityState, error) {
	row, err := scanRowToMap(tx, table, idCol, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	state := &conflict.EntityState{Exists: true}
	if v, ok := row["updated_at"].(string); ok {
		state.UpdatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := row["updated_by_device"].(string); ok {
		state.UpdatedByDevice = v
	}
	switch sv := row["sync_version"].(type) {
	case int64:
		state.SyncVersion = int(sv)
	case int:
		state.SyncVersion = sv
	}
	if entityType == models.EntityTask {
		state.HasNotes = true
		if v, ok := row["notes_markdown"].(string); ok {
			state.NotesMarkdown = v
		}
	}
	return state, nil
}

func projectExists(tx *sql.Tx, id string) bool {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM projects WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func applyDecided(tx *sql.Tx, table, idCol string, entityType models.EntityType, entityID string, op models.Operation, payloadMap map[string]any, updatedAt time.Time, updatedByDevice string) error {
	if op == models.OpDelete {
		if err := deleteRow(tx, table, idCol, entityID); err != nil {
			return err
		}
		return writeTombstone(tx, entityType, entityID, updatedByDevice, updatedAt)
	}
	if payloadMap == nil {
		payloadMap = map[string]any{}
	}
	payloadMap[idCol] = entityID
	if err := upsertRow(tx, table, idCol, normalizeForColumns(table, payloadMap)); err != nil {
		return err
	}
	return clearTombstone(tx, entityType, entityID)
}

// normalizeForColumns coerces boolean JSON values to SQLite integers
// for the boolean columns we store (tasks.is_important,
// task_subtasks.is_done), matching the teacher's normalizeFieldsForDB.
// Every bool value in data is converted, whatever the table.
func normalizeForColumns(table string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if b, ok := v.(bool); ok {
			if b {
				out[k] = 1
			} else {
				out[k] = 0
			}
			continue
		}
		out[k] = v
	}
	return out
}

func persistConflict(tx *sql.Tx, change codec.Change, decision conflict.Decision, local *conflict.EntityState) error {
	id := mustID(prefixConflict)
	now := time.Now().UTC()

	var localPayload []byte
	if local != nil {
		lp, _ := json.Marshal(map[string]any{
			"updated_at":        local.UpdatedAt.Format(time.RFC3339),
			"updated_by_device": local.UpdatedByDevice,
			"sync_version":      local.SyncVersion,
			"notes_markdown":    local.NotesMarkdown,
		})
		localPayload = lp
	}

	_, err := tx.Exec(`INSERT INTO sync_conflicts
		(id, incoming_idempotency_key, entity_type, entity_id, operation, conflict_type, reason_code, message,
		 local_payload_json, remote_payload_json, base_payload_json, status, detected_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 'open', ?, ?, ?)`,
		id, change.IdempotencyKey, change.EntityType, change.EntityID, change.Operation,
		string(decision.ConflictType), decision.ReasonCode, decision.ReasonCode,
		nullableBytes(localPayload), nullableBytes(change.Payload),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist conflict: %w", err)
	}
	return insertConflictEvent(tx, id, models.EventDetected, nil)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func insertConflictEvent(tx *sql.Tx, conflictID string, eventType models.ConflictEventType, payload []byte) error {
	id := mustID(prefixConflictEvnt)
	_, err := tx.Exec(`INSERT INTO sync_conflict_events (id, conflict_id, event_type, event_payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, conflictID, string(eventType), nullableBytes(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert conflict event: %w", err)
	}
	return nil
}

// ListSyncConflicts returns conflicts matching statusFilter ("" for all).
func (db *DB) ListSyncConflicts(statusFilter string) ([]models.SyncConflictRecord, error) {
	q := `SELECT id, incoming_idempotency_key, entity_type, entity_id, operation, conflict_type, reason_code, message,
		local_payload_json, remote_payload_json, base_payload_json, status, resolution_strategy, resolution_payload_json,
		resolved_by_device, detected_at, resolved_at, created_at, updated_at FROM sync_conflicts`
	args := []any{}
	if statusFilter != "" {
		q += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.SyncConflictRecord
	for rows.Next() {
		c, err := scanConflictRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConflictRow(rows *sql.Rows) (*models.SyncConflictRecord, error) {
	var c models.SyncConflictRecord
	var entityType, operation, conflictType, status, detectedAt, createdAt, updatedAt string
	var resolutionStrategy, resolvedAt sql.NullString
	var localPayload, remotePayload, basePayload, resolutionPayload sql.NullString
	err := rows.Scan(&c.ID, &c.IncomingIdempotencyKey, &entityType, &c.EntityID, &operation, &conflictType, &c.ReasonCode, &c.Message,
		&localPayload, &remotePayload, &basePayload, &status, &resolutionStrategy, &resolutionPayload,
		&c.ResolvedByDevice, &detectedAt, &resolvedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	c.EntityType = models.EntityType(entityType)
	c.Operation = models.Operation(operation)
	c.ConflictType = models.ConflictType(conflictType)
	c.Status = models.ConflictStatus(status)
	c.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		c.ResolvedAt = &t
	}
	if resolutionStrategy.Valid {
		s := models.ResolutionStrategy(resolutionStrategy.String)
		c.ResolutionStrategy = &s
	}
	if localPayload.Valid {
		c.LocalPayloadJSON = []byte(localPayload.String)
	}
	if remotePayload.Valid {
		c.RemotePayloadJSON = []byte(remotePayload.String)
	}
	if basePayload.Valid {
		c.BasePayloadJSON = []byte(basePayload.String)
	}
	if resolutionPayload.Valid {
		c.ResolutionPayloadJSON = []byte(resolutionPayload.String)
	}
	return &c, nil
}

// ResolveSyncConflict closes an open conflict per one of the
// resolution strategies in spec §4.3.
func (db *DB) ResolveSyncConflict(id string, strategy models.ResolutionStrategy, resolvedByDevice string, resolutionPayload []byte) error {
	return db.withWriteLock(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT entity_type, entity_id, remote_payload_json FROM sync_conflicts WHERE id = ?`, id)
		var entityType, entityID string
		var remotePayload sql.NullString
		if err := row.Scan(&entityType, &entityID, &remotePayload); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load conflict: %w", err)
		}
		table, idCol, ok := tableForEntity(entityType)
		if !ok {
			return fmt.Errorf("store: unknown entity type %q", entityType)
		}

		if strategy == models.ResolveKeepLocal || strategy == models.ResolveManualMerge {
			if blocked, reason, err := writeBlocked(tx); err != nil {
				return err
			} else if blocked {
				return fmt.Errorf("%w: %s", ErrWriteBlocked, reason)
			}
		}

		now := time.Now().UTC()
		status := models.ConflictResolved
		eventType := models.EventResolved

		switch strategy {
		case models.ResolveKeepRemote:
			if remotePayload.Valid {
				var payloadMap map[string]any
				_ = json.Unmarshal([]byte(remotePayload.String), &payloadMap)
				payloadMap[idCol] = entityID
				if err := upsertRow(tx, table, idCol, normalizeForColumns(table, payloadMap)); err != nil {
					return err
				}
				if err := clearTombstone(tx, models.EntityType(entityType), entityID); err != nil {
					return err
				}
			}
		case models.ResolveKeepLocal:
			local, err := scanRowToMap(tx, table, idCol, entityID)
			if err == nil {
				if sv, ok := local["sync_version"].(int64); ok {
					local["sync_version"] = sv + 1
				}
				local["updated_at"] = now.Format(time.RFC3339)
				local["updated_by_device"] = resolvedByDevice
				if err := upsertRow(tx, table, idCol, local); err != nil {
					return err
				}
				payload, _ := json.Marshal(local)
				if err := enqueueOutbox(tx, resolvedByDevice, models.EntityType(entityType), entityID, models.OpUpsert, payload); err != nil {
					return err
				}
			}
		case models.ResolveManualMerge:
			var payloadMap map[string]any
			_ = json.Unmarshal(resolutionPayload, &payloadMap)
			payloadMap[idCol] = entityID
			if err := upsertRow(tx, table, idCol, normalizeForColumns(table, payloadMap)); err != nil {
				return err
			}
			if err := enqueueOutbox(tx, resolvedByDevice, models.EntityType(entityType), entityID, models.OpUpsert, resolutionPayload); err != nil {
				return err
			}
		case models.ResolveRetry:
			status = models.ConflictOpen
			eventType = models.EventRetried
		}

		var resolvedAtArg any
		if status == models.ConflictResolved {
			resolvedAtArg = now.Format(time.RFC3339Nano)
		}
		_, err := tx.Exec(`UPDATE sync_conflicts SET status = ?, resolution_strategy = ?, resolution_payload_json = ?,
			resolved_by_device = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			string(status), string(strategy), nullableBytes(resolutionPayload), resolvedByDevice, resolvedAtArg,
			now.Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("update conflict: %w", err)
		}
		return insertConflictEvent(tx, id, eventType, nil)
	})
}

// ConflictReport is the stable export shape from spec §4.3/§6.
type ConflictReport struct {
	Version        int                  `json:"version"`
	ExportedAt     string               `json:"exported_at"`
	TotalConflicts int                  `json:"total_conflicts"`
	StatusFilter   string               `json:"status_filter"`
	Items          []ConflictReportItem `json:"items"`
}

// ConflictReportItem pairs one conflict with its event trail.
type ConflictReportItem struct {
	Conflict models.SyncConflictRecord  `json:"conflict"`
	Events   []models.SyncConflictEvent `json:"events"`
}

// ExportSyncConflictReport builds the report and records an `exported`
// event per included conflict.
func (db *DB) ExportSyncConflictReport(statusFilter string) (*ConflictReport, error) {
	conflicts, err := db.ListSyncConflicts(statusFilter)
	if err != nil {
		return nil, err
	}
	report := &ConflictReport{
		Version:        1,
		ExportedAt:     time.Now().UTC().Format(time.RFC3339),
		TotalConflicts: len(conflicts),
		StatusFilter:   statusFilter,
	}
	err = db.withWriteLock(func(tx *sql.Tx) error {
		for _, c := range conflicts {
			events, err := listConflictEventsTx(tx, c.ID)
			if err != nil {
				return err
			}
			report.Items = append(report.Items, ConflictReportItem{Conflict: c, Events: events})
			if err := insertConflictEvent(tx, c.ID, models.EventExported, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func listConflictEventsTx(tx *sql.Tx, conflictID string) ([]models.SyncConflictEvent, error) {
	rows, err := tx.Query(`SELECT id, conflict_id, event_type, event_payload_json, created_at FROM sync_conflict_events
		WHERE conflict_id = ? ORDER BY created_at ASC`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("list conflict events: %w", err)
	}
	defer rows.Close()
	var out []models.SyncConflictEvent
	for rows.Next() {
		var e models.SyncConflictEvent
		var eventType, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ConflictID, &eventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conflict event: %w", err)
		}
		e.EventType = models.ConflictEventType(eventType)
		if payload.Valid {
			e.EventPayloadJSON = []byte(payload.String)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSyncConflictObservabilityCounters aggregates conflict timing and
// event counts per spec §4.3.
func (db *DB) GetSyncConflictObservabilityCounters() (conflict.ObservabilityCounters, error) {
	conflicts, err := db.ListSyncConflicts("")
	if err != nil {
		return conflict.ObservabilityCounters{}, err
	}
	timings := make([]conflict.ConflictTiming, 0, len(conflicts))
	for _, c := range conflicts {
		timings = append(timings, conflict.ConflictTiming{Status: string(c.Status), DetectedAt: c.DetectedAt, ResolvedAt: c.ResolvedAt})
	}

	var retried, exported int
	row := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_conflict_events WHERE event_type = ?`, string(models.EventRetried))
	_ = row.Scan(&retried)
	row = db.conn.QueryRow(`SELECT COUNT(*) FROM sync_conflict_events WHERE event_type = ?`, string(models.EventExported))
	_ = row.Scan(&exported)

	return conflict.ComputeCounters(timings, retried, exported), nil
}
