package solostack

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncConflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "Show sync conflicts",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")

		database, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		conflicts, err := database.ListSyncConflicts(statusFilter)
		if err != nil {
			return fmt.Errorf("list conflicts: %w", err)
		}
		if len(conflicts) == 0 {
			fmt.Println("No sync conflicts found.")
			return nil
		}

		fmt.Printf("  %-21s %-8s %-10s %-10s %s\n", "DETECTED", "TYPE", "ENTITY", "STATUS", "REASON")
		for _, c := range conflicts {
			fmt.Printf("  %-21s %-8s %-10s %-10s %s\n",
				c.DetectedAt.Format("2006-01-02 15:04:05"), c.EntityType, c.EntityID, c.Status, c.ReasonCode)
		}
		return nil
	},
}

func init() {
	syncConflictsCmd.Flags().String("status", "", "Filter by status (open, resolved); empty shows all")
	rootCmd.AddCommand(syncConflictsCmd)
}
