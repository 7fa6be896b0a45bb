package solostack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/solostack/solostack/internal/store"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:     "backup <output-file>",
	Short:   "Export a full backup snapshot to a JSON file",
	Args:    cobra.ExactArgs(1),
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		export, err := database.ExportBackup()
		if err != nil {
			return fmt.Errorf("export backup: %w", err)
		}

		data, err := json.MarshalIndent(export, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal backup: %w", err)
		}
		if err := os.WriteFile(args[0], data, 0644); err != nil {
			return fmt.Errorf("write backup file: %w", err)
		}

		fmt.Printf("Backup written to %s (%d projects, %d tasks)\n",
			args[0], len(export.Data.Projects), len(export.Data.Tasks))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore <input-file>",
	Short:   "Restore a backup snapshot, replacing all local data",
	Args:    cobra.ExactArgs(1),
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read backup file: %w", err)
		}
		var backup store.BackupExport
		if err := json.Unmarshal(data, &backup); err != nil {
			return fmt.Errorf("parse backup file: %w", err)
		}

		database, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		if err := database.RestoreBackup(&backup, force); err != nil {
			if errors.Is(err, store.ErrForceRestoreRequired) {
				pre, preErr := database.GetRestorePreflight()
				if preErr == nil {
					fmt.Printf("Restore would discard %d pending outbox change(s) and %d open conflict(s).\n",
						pre.PendingOutboxChanges, pre.OpenConflicts)
				}
				fmt.Println("Re-run with --force to proceed.")
				return err
			}
			return fmt.Errorf("restore backup: %w", err)
		}

		fmt.Println("Restore complete. Sync checkpoint has been reset.")
		return nil
	},
}

func init() {
	restoreCmd.Flags().Bool("force", false, "Proceed even if pending outbox changes or open conflicts would be discarded")
	rootCmd.AddCommand(backupCmd, restoreCmd)
}
