package solostack

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a new solostack database",
	Long:    `Creates (or migrates, if already present) the local solostack.db.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openStore()
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer database.Close()

		deviceID, err := database.GetOrCreateDeviceID()
		if err != nil {
			return fmt.Errorf("resolve device id: %w", err)
		}

		fmt.Printf("Initialized database at %s\n", database.BaseDir())
		fmt.Printf("Device: %s\n", deviceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
