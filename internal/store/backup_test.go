package store

import (
	"errors"
	"testing"

	"github.com/solostack/solostack/internal/models"
)

func TestExportBackupCountsAndPreflight(t *testing.T) {
	db := mustOpenMemory(t)

	if _, err := db.CreateProject("device-a", models.Project{Name: "Garden"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := db.CreateTask("device-a", models.Task{Title: "Weed"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	export, err := db.ExportBackup()
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	if len(export.Data.Projects) != 1 || len(export.Data.Tasks) != 1 {
		t.Fatalf("unexpected export counts: %d projects, %d tasks", len(export.Data.Projects), len(export.Data.Tasks))
	}

	pre, err := db.GetRestorePreflight()
	if err != nil {
		t.Fatalf("GetRestorePreflight: %v", err)
	}
	if !pre.HasLatestBackup {
		t.Fatal("expected HasLatestBackup=true after ExportBackup")
	}
	if !pre.RequiresForceRestore {
		t.Fatal("expected RequiresForceRestore=true with pending outbox changes")
	}
}

func TestRestoreBackupRequiresForceWhenOutboxPending(t *testing.T) {
	db := mustOpenMemory(t)

	if _, err := db.CreateProject("device-a", models.Project{Name: "Garden"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	export, err := db.ExportBackup()
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	if err := db.RestoreBackup(export, false); !errors.Is(err, ErrForceRestoreRequired) {
		t.Fatalf("RestoreBackup without force: got %v, want ErrForceRestoreRequired", err)
	}

	if err := db.RestoreBackup(export, true); err != nil {
		t.Fatalf("RestoreBackup with force: %v", err)
	}

	projects, err := db.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "Garden" {
		t.Fatalf("unexpected projects after restore: %+v", projects)
	}

	checkpoint, err := db.GetSyncCheckpoint()
	if err != nil {
		t.Fatalf("GetSyncCheckpoint: %v", err)
	}
	if checkpoint.LastSyncCursor != "" {
		t.Fatalf("expected checkpoint reset after restore, got cursor %q", checkpoint.LastSyncCursor)
	}
}

func TestRestoreBackupWithoutPendingChangesNeedsNoForce(t *testing.T) {
	db := mustOpenMemory(t)

	export, err := db.ExportBackup()
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	pending, err := db.ListSyncOutboxChanges(100)
	if err != nil {
		t.Fatalf("ListSyncOutboxChanges: %v", err)
	}
	var ids []int64
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if err := db.RemoveSyncOutboxChanges(ids); err != nil {
		t.Fatalf("RemoveSyncOutboxChanges: %v", err)
	}

	if err := db.RestoreBackup(export, false); err != nil {
		t.Fatalf("RestoreBackup without force on a clean store: %v", err)
	}
}
