package solostack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solostack/solostack/internal/providerconfig"
	"github.com/solostack/solostack/internal/syncrunner"
	"github.com/solostack/solostack/internal/transport"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync local data with the remote server",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")

		database, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		serverURL := providerconfig.GetServerURL()
		apiKey := providerconfig.GetAPIKey()
		tr := transport.New(serverURL, apiKey)

		profile := providerconfig.SelectRuntimeProfile("")
		preset := syncrunner.DefaultDesktopPreset
		if profile == providerconfig.ProfileMobileBeta {
			preset = syncrunner.DefaultMobilePreset
		}

		runner := syncrunner.New(database, tr, preset, newLogger())

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		summary, err := runner.Run(ctx, syncrunner.Options{SkipPull: pushOnly})
		if err != nil {
			if errors.Is(err, syncrunner.ErrAlreadyRunning) {
				fmt.Println("A sync cycle is already in progress.")
				return nil
			}
			return fmt.Errorf("sync: %w", err)
		}

		printSyncSummary(summary)
		return nil
	},
}

func printSyncSummary(summary *syncrunner.Summary) {
	fmt.Printf("Checkpoint: %s -> %s\n", summary.CheckpointBefore, summary.CheckpointAfter)
	fmt.Printf("Pushed:     %d removed, %d failed\n", summary.RemovedOutboxChanges, summary.FailedOutboxChanges)
	fmt.Printf("Pulled:     %d applied, %d skipped, %d conflicts, %d failed (self %d)\n",
		summary.Pull.Applied, summary.Pull.Skipped, summary.Pull.Conflicts, summary.Pull.Failed, summary.Pull.SkippedSelf)
	if summary.Pull.HasMore {
		fmt.Println("More pull pages remain (max_pull_pages reached).")
	}
}

func init() {
	syncCmd.Flags().Bool("push", false, "Push only, skip the pull stage")
	rootCmd.AddCommand(syncCmd)
}
