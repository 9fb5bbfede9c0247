package cli

import (
	"fmt"

	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis pass",
	Long: `Run reads new change files from the drop directory into the delta table,
generates migration instructions for the target and, unless --no-apply is
given, applies them to the target directory.

Conflicts that no rule resolves are recorded and hold their change group
back; see 'tfsync conflicts ls'.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRun),
}

var (
	runNoApply   bool
	runForceSync []string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runNoApply, "no-apply", false, "Generate instructions without applying them to the target")
	runCmd.Flags().StringSliceVar(&runForceSync, "force-sync", nil, "Item ids to re-emit from the source regardless of the high-water mark")
}

func runRun(app *appctx.App, cmd *cobra.Command, args []string) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(runForceSync) > 0 {
		if err := s.Engine.RequestForceSync(s.SourceID, runForceSync...); err != nil {
			return err
		}
	}

	res, err := s.RunPass(cmd.Context(), app.Config.Bidirectional, !runNoApply)
	if err != nil {
		return withCode(1, fmt.Errorf("analysis pass failed: %w", err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Applied %d change group(s); %d waiting.\n", res.Applied, res.Waiting)
	if res.Unresolved {
		fmt.Fprintln(out, "Unresolved conflicts exist. Run 'tfsync conflicts ls' to review them.")
	}
	if res.Stopped {
		return withCode(3, fmt.Errorf("session stopped; resolve conflicts and run again"))
	}
	return nil
}
