package conflict

import (
	"testing"
	"time"

	"github.com/solostack/solostack/internal/models"
)

func TestDecideSelfChangeIsSkipped(t *testing.T) {
	d := Decide("device-a", IncomingChange{UpdatedByDevice: "device-a"}, nil, nil)
	if d.Outcome != Skipped || d.ReasonCode != ReasonSelfChange {
		t.Fatalf("got %+v, want skipped/SELF_CHANGE", d)
	}
}

func TestDecideDeleteWithNoLocalApplies(t *testing.T) {
	d := Decide("device-a", IncomingChange{Operation: models.OpDelete, UpdatedByDevice: "device-b"}, nil, nil)
	if d.Outcome != Applied {
		t.Fatalf("got %+v, want applied", d)
	}
}

func TestDecideDeleteVsNewerLocalUpdateConflicts(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{Exists: true, UpdatedAt: now, UpdatedByDevice: "device-a"}
	d := Decide("device-a", IncomingChange{
		Operation: models.OpDelete, UpdatedAt: now.Add(-time.Hour), UpdatedByDevice: "device-b",
	}, local, nil)
	if d.Outcome != Conflict || d.ConflictType != models.ConflictDeleteVsUpdate {
		t.Fatalf("got %+v, want conflict/DELETE_VS_UPDATE", d)
	}
}

func TestDecideUpsertSkipsWhenTombstoneWins(t *testing.T) {
	now := time.Now().UTC()
	tombstoneAt := now
	d := Decide("device-a", IncomingChange{
		Operation: models.OpUpsert, UpdatedAt: now.Add(-time.Minute), UpdatedByDevice: "device-b",
	}, nil, &tombstoneAt)
	if d.Outcome != Skipped || d.ReasonCode != ReasonTombstoneWins {
		t.Fatalf("got %+v, want skipped/TOMBSTONE_WINS", d)
	}
}

func TestDecideUpsertRejectsNewTaskWithoutTitle(t *testing.T) {
	d := Decide("device-a", IncomingChange{
		EntityType: models.EntityTask, Operation: models.OpUpsert, UpdatedByDevice: "device-b", TaskTitle: "   ",
	}, nil, nil)
	if d.Outcome != Conflict || d.ReasonCode != ReasonMissingTaskTitle {
		t.Fatalf("got %+v, want conflict/MISSING_TASK_TITLE", d)
	}
}

func TestDecideUpsertRejectsDanglingProjectRef(t *testing.T) {
	d := Decide("device-a", IncomingChange{
		EntityType: models.EntityTask, Operation: models.OpUpsert, UpdatedByDevice: "device-b",
		TaskTitle: "Buy milk", TaskHasProjectRef: true, TaskProjectExists: false,
	}, nil, nil)
	if d.Outcome != Conflict || d.ReasonCode != ReasonProjectNotFound {
		t.Fatalf("got %+v, want conflict/TASK_PROJECT_NOT_FOUND", d)
	}
}

func TestDecideUpsertIdempotentReplayIsSkipped(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{Exists: true, UpdatedAt: now, UpdatedByDevice: "device-b", SyncVersion: 3}
	d := Decide("device-a", IncomingChange{
		Operation: models.OpUpsert, UpdatedAt: now, UpdatedByDevice: "device-b", SyncVersion: 3,
	}, local, nil)
	if d.Outcome != Skipped || d.ReasonCode != ReasonIdempotentReplay {
		t.Fatalf("got %+v, want skipped/IDEMPOTENT_REPLAY", d)
	}
}

func TestDecideUpsertNewerRemoteApplies(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{Exists: true, UpdatedAt: now, UpdatedByDevice: "device-a", SyncVersion: 1}
	d := Decide("device-a", IncomingChange{
		Operation: models.OpUpsert, UpdatedAt: now.Add(time.Hour), UpdatedByDevice: "device-b", SyncVersion: 2,
	}, local, nil)
	if d.Outcome != Applied {
		t.Fatalf("got %+v, want applied", d)
	}
}

func TestDecideUpsertOlderRemoteIsSkipped(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{Exists: true, UpdatedAt: now, UpdatedByDevice: "device-a", SyncVersion: 2}
	d := Decide("device-a", IncomingChange{
		Operation: models.OpUpsert, UpdatedAt: now.Add(-time.Hour), UpdatedByDevice: "device-b", SyncVersion: 1,
	}, local, nil)
	if d.Outcome != Skipped || d.ReasonCode != ReasonNewerLocal {
		t.Fatalf("got %+v, want skipped/NEWER_LOCAL", d)
	}
}

func TestDecideUpsertNotesCollisionTakesPrecedence(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{
		Exists: true, UpdatedAt: now, UpdatedByDevice: "device-a", SyncVersion: 1,
		HasNotes: true, NotesMarkdown: "local notes",
	}
	d := Decide("device-a", IncomingChange{
		EntityType: models.EntityTask, Operation: models.OpUpsert, UpdatedAt: now, UpdatedByDevice: "device-b", SyncVersion: 2,
		TouchesNotes: true, NotesMarkdown: "remote notes",
	}, local, nil)
	if d.Outcome != Conflict || d.ConflictType != models.ConflictNotesCollision || d.ReasonCode != ReasonNotesCollision {
		t.Fatalf("got %+v, want conflict/NOTES_COLLISION", d)
	}
}

func TestDecideUpsertEqualTimestampFieldConflict(t *testing.T) {
	now := time.Now().UTC()
	local := &EntityState{Exists: true, UpdatedAt: now, UpdatedByDevice: "device-a", SyncVersion: 1}
	d := Decide("device-a", IncomingChange{
		EntityType: models.EntityProject, Operation: models.OpUpsert, UpdatedAt: now, UpdatedByDevice: "device-b", SyncVersion: 2,
	}, local, nil)
	if d.Outcome != Conflict || d.ConflictType != models.ConflictField || d.ReasonCode != ReasonFieldConflict {
		t.Fatalf("got %+v, want conflict/FIELD_CONFLICT", d)
	}
}
