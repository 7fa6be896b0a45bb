package store

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/conflict"
	"github.com/solostack/solostack/internal/models"
)

func newTaskChange(entityID string, updatedAt time.Time, updatedByDevice string, syncVersion int, payload map[string]any) codec.Change {
	raw, _ := json.Marshal(payload)
	return codec.Change{
		EntityType:      string(models.EntityTask),
		EntityID:        entityID,
		Operation:       string(models.OpUpsert),
		UpdatedAt:       updatedAt.Format(time.RFC3339),
		UpdatedByDevice: updatedByDevice,
		SyncVersion:     syncVersion,
		Payload:         raw,
		IdempotencyKey:  "idem-" + entityID + "-" + updatedByDevice,
	}
}

func TestApplyIncomingSyncChangeAppliesWhenNoLocalRow(t *testing.T) {
	db := mustOpenMemory(t)

	change := newTaskChange("task_remote_1", time.Now().UTC(), "device-remote", 1, map[string]any{
		"id": "task_remote_1", "title": "From server", "description": "", "notes_markdown": "",
		"status": "TODO", "priority": "NORMAL", "is_important": false, "recurrence": "NONE",
		"created_at": time.Now().UTC().Format(time.RFC3339), "updated_at": time.Now().UTC().Format(time.RFC3339),
		"sync_version": 1, "updated_by_device": "device-remote",
	})

	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Applied {
		t.Fatalf("outcome: got %q, want applied", outcome)
	}

	task, err := db.GetTask("task_remote_1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Title != "From server" {
		t.Fatalf("title: got %q", task.Title)
	}
}

func TestApplyIncomingSyncChangeSkipsSelfChange(t *testing.T) {
	db := mustOpenMemory(t)

	task, err := db.CreateTask("device-local", models.Task{Title: "Mine"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	change := newTaskChange(task.ID, time.Now().UTC(), "device-local", task.SyncVersion, map[string]any{
		"title": "Echoed back",
	})

	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Skipped {
		t.Fatalf("outcome: got %q, want skipped", outcome)
	}

	reloaded, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloaded.Title != "Mine" {
		t.Fatalf("local row should be unchanged, got title %q", reloaded.Title)
	}
}

func TestApplyIncomingSyncChangeRecordsFieldConflict(t *testing.T) {
	db := mustOpenMemory(t)

	task, err := db.CreateTask("device-local", models.Task{Title: "Local copy"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// equal updated_at and sync_version, different device: neither
	// side wins on recency, forcing a persisted conflict record.
	change := newTaskChange(task.ID, task.UpdatedAt, "device-remote", task.SyncVersion, map[string]any{
		"title": "Remote copy",
	})

	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Conflict {
		t.Fatalf("outcome: got %q, want conflict", outcome)
	}

	conflicts, err := db.ListSyncConflicts("")
	if err != nil {
		t.Fatalf("ListSyncConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one persisted conflict, got %d", len(conflicts))
	}
	if conflicts[0].ReasonCode != conflict.ReasonFieldConflict {
		t.Fatalf("reason code: got %q, want %q", conflicts[0].ReasonCode, conflict.ReasonFieldConflict)
	}
}

func TestResolveSyncConflictKeepLocal(t *testing.T) {
	db := mustOpenMemory(t)

	task, err := db.CreateTask("device-local", models.Task{Title: "Local copy"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// equal updated_at and sync_version, different device: neither
	// side wins on recency, so conflict.Decide reports FIELD_CONFLICT.
	change := newTaskChange(task.ID, task.UpdatedAt, "device-remote", task.SyncVersion, map[string]any{
		"title": "Remote copy",
	})
	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Conflict {
		t.Fatalf("outcome: got %q, want conflict", outcome)
	}

	conflicts, err := db.ListSyncConflicts(string(models.ConflictOpen))
	if err != nil {
		t.Fatalf("ListSyncConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(conflicts))
	}

	if err := db.ResolveSyncConflict(conflicts[0].ID, models.ResolveKeepLocal, "device-local", nil); err != nil {
		t.Fatalf("ResolveSyncConflict: %v", err)
	}

	resolved, err := db.ListSyncConflicts(string(models.ConflictResolved))
	if err != nil {
		t.Fatalf("ListSyncConflicts(resolved): %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected one resolved conflict, got %d", len(resolved))
	}
}

func TestApplyIncomingSyncChangeUpsertPreservesSubtasks(t *testing.T) {
	db := mustOpenMemory(t)

	task, err := db.CreateTask("device-local", models.Task{Title: "Parent"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := db.CreateTaskSubtask("device-local", models.TaskSubtask{TaskID: task.ID, Title: "Child"}); err != nil {
		t.Fatalf("CreateTaskSubtask: %v", err)
	}

	// A newer remote update to the parent task must update it in
	// place, not delete-then-reinsert the row (which would cascade
	// and wipe task_subtasks under foreign_keys=ON).
	change := newTaskChange(task.ID, task.UpdatedAt.Add(time.Hour), "device-remote", task.SyncVersion+1, map[string]any{
		"title": "Parent renamed",
	})
	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Applied {
		t.Fatalf("outcome: got %q, want applied", outcome)
	}

	subtasks, err := db.ListTaskSubtasks(task.ID)
	if err != nil {
		t.Fatalf("ListTaskSubtasks: %v", err)
	}
	if len(subtasks) != 1 {
		t.Fatalf("expected the subtask to survive the upsert, got %d rows", len(subtasks))
	}
}

func TestApplyIncomingSyncChangeDeleteStampsRemoteTimeAndDevice(t *testing.T) {
	db := mustOpenMemory(t)

	task, err := db.CreateTask("device-local", models.Task{Title: "Doomed"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	remoteDeleteTime := task.UpdatedAt.Add(time.Hour)
	change := codec.Change{
		EntityType:      string(models.EntityTask),
		EntityID:        task.ID,
		Operation:       string(models.OpDelete),
		UpdatedAt:       remoteDeleteTime.Format(time.RFC3339),
		UpdatedByDevice: "device-remote",
		SyncVersion:     task.SyncVersion + 1,
		IdempotencyKey:  "idem-delete-" + task.ID,
	}

	before := time.Now().UTC()
	outcome, err := db.ApplyIncomingSyncChange("device-local", change)
	if err != nil {
		t.Fatalf("ApplyIncomingSyncChange: %v", err)
	}
	if outcome != conflict.Applied {
		t.Fatalf("outcome: got %q, want applied", outcome)
	}

	deletedAt, deletedBy, err := getTombstoneRecordDirect(db, models.EntityTask, task.ID)
	if err != nil {
		t.Fatalf("getTombstoneRecordDirect: %v", err)
	}
	if deletedAt == nil {
		t.Fatal("expected a tombstone to exist")
	}
	if !deletedAt.Equal(remoteDeleteTime.Truncate(time.Second)) {
		t.Fatalf("deleted_at: got %v, want the remote change's updated_at %v (not the local apply time ~%v)",
			deletedAt, remoteDeleteTime, before)
	}
	if deletedBy != "device-remote" {
		t.Fatalf("deleted_by_device: got %q, want device-remote", deletedBy)
	}
}

func TestExportSyncConflictReportRecordsExportedEvent(t *testing.T) {
	db := mustOpenMemory(t)

	report, err := db.ExportSyncConflictReport("")
	if err != nil {
		t.Fatalf("ExportSyncConflictReport: %v", err)
	}
	if report.Version != 1 {
		t.Fatalf("version: got %d, want 1", report.Version)
	}
	if report.TotalConflicts != 0 {
		t.Fatalf("expected no conflicts on a fresh store, got %d", report.TotalConflicts)
	}
}

// getTombstoneRecordDirect reads deleted_at/deleted_by_device straight
// from deleted_records, bypassing getTombstone (which only surfaces
// the timestamp) so tests can assert device attribution too.
func getTombstoneRecordDirect(db *DB, entityType models.EntityType, entityID string) (*time.Time, string, error) {
	row := db.conn.QueryRow(`SELECT deleted_at, deleted_by_device FROM deleted_records WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	var deletedAt, deletedBy string
	if err := row.Scan(&deletedAt, &deletedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		return nil, "", err
	}
	t, err := time.Parse(time.RFC3339, deletedAt)
	if err != nil {
		return nil, "", err
	}
	return &t, deletedBy, nil
}
