package solostack

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/solostack/solostack/internal/models"
)

func TestBackupThenRestoreRoundTrips(t *testing.T) {
	withBaseDir(t)

	database, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if _, err := database.CreateProject("device-a", models.Project{Name: "Launch"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	database.Close()

	backupFile := filepath.Join(t.TempDir(), "backup.json")
	out := captureStdout(t, func() {
		if err := backupCmd.RunE(backupCmd, []string{backupFile}); err != nil {
			t.Fatalf("backup RunE: %v", err)
		}
	})
	if !strings.Contains(out, "1 projects") {
		t.Errorf("expected the backup summary to report 1 project, got:\n%s", out)
	}

	restoreCmd.Flags().Set("force", "true")
	t.Cleanup(func() { restoreCmd.Flags().Set("force", "false") })

	out = captureStdout(t, func() {
		if err := restoreCmd.RunE(restoreCmd, []string{backupFile}); err != nil {
			t.Fatalf("restore RunE: %v", err)
		}
	})
	if !strings.Contains(out, "Restore complete") {
		t.Errorf("expected a restore-complete message, got:\n%s", out)
	}
}

func TestRestoreRequiresForceWithPendingOutbox(t *testing.T) {
	withBaseDir(t)

	database, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if _, err := database.CreateProject("device-a", models.Project{Name: "Launch"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	database.Close()

	backupFile := filepath.Join(t.TempDir(), "backup.json")
	if err := backupCmd.RunE(backupCmd, []string{backupFile}); err != nil {
		t.Fatalf("backup RunE: %v", err)
	}

	// The backup itself leaves the outbox non-empty (the create above
	// queued an outbox row that was never synced), so restoring
	// without --force should be refused.
	if err := restoreCmd.RunE(restoreCmd, []string{backupFile}); err == nil {
		t.Fatal("expected restore without --force to fail while outbox changes are pending")
	}
}
