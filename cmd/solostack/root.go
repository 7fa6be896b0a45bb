// Package solostack implements the solostack CLI using cobra.
package solostack

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/solostack/solostack/internal/store"
	"github.com/spf13/cobra"
)

var (
	versionStr  string
	baseDirFlag string
)

// SetVersion sets the version string and enables --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "solostack",
	Short: "Local-first task and project manager with background sync",
	Long: `solostack - a single-user offline-first task and project manager.

Works fully offline; sync with a remote server is opportunistic and never
blocks local reads or writes.`,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "directory holding solostack.db (default: SOLOSTACK_HOME or ~/.local/share/solostack)")
	rootCmd.AddGroup(&cobra.Group{ID: "system", Title: "System Commands:"})
}

// openStore opens the Store at the configured base dir, honoring
// --base-dir over the SOLOSTACK_HOME/default resolution in
// store.ResolveBaseDir.
func openStore() (*store.DB, error) {
	return store.Open(baseDirFlag)
}

// newLogger builds the slog.Logger the sync commands pass down to
// syncrunner.New, honoring SOLOSTACK_LOG_LEVEL.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("SOLOSTACK_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
