package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tfsync",
	Short: "Change-group based migration and synchronization engine",
	Long: `tfsync moves changes between two migration sources. Each pass reads new
changes from the source into the delta table, analyzes them into migration
instructions for the target, and records conflicts that need a decision.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides TFSYNC_DB_PATH)")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres connection URL (overrides TFSYNC_DSN)")
	rootCmd.PersistentFlags().String("session", "", "Session id (overrides TFSYNC_SESSION_ID)")
}
