package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove incomplete change groups and prune old events",
	Long: `gc removes change groups left in change-creation-in-progress by an
interrupted pass, on both sides of the session. With --events-older-than it
also prunes event log entries older than the given duration.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runGC),
}

var gcEventsOlderThan time.Duration

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().DurationVar(&gcEventsOlderThan, "events-older-than", 0, "Prune events older than this duration (e.g. 720h)")
}

func runGC(app *appctx.App, cmd *cobra.Command, args []string) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	for _, source := range []uuid.UUID{s.SourceID, s.TargetID} {
		groups, err := s.Groups(source)
		if err != nil {
			return err
		}
		if err := groups.RemoveIncompleteChangeGroups(); err != nil {
			return withCode(1, fmt.Errorf("failed to remove incomplete groups of %s: %w", source, err))
		}
	}
	fmt.Fprintln(out, "Removed incomplete change groups.")

	if gcEventsOlderThan > 0 {
		n, err := app.Store.Events.Prune(time.Now().Add(-gcEventsOlderThan))
		if err != nil {
			return withCode(1, fmt.Errorf("failed to prune events: %w", err))
		}
		fmt.Fprintf(out, "Pruned %d event(s).\n", n)
	}
	return nil
}
