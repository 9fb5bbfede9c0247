package cli

import (
	"fmt"

	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/render"
	"github.com/spf13/cobra"
)

var hwmCmd = &cobra.Command{
	Use:   "hwm",
	Short: "Inspect high-water marks",
}

var hwmGetCmd = &cobra.Command{
	Use:   "get <source> <name>",
	Short: "Print one high-water mark",
	Long:  `source is "source", "target" or a source id.`,
	Args:  cobra.ExactArgs(2),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHWMGet),
}

var hwmLsCmd = &cobra.Command{
	Use:   "ls [source]",
	Short: "List the high-water marks of a source",
	Args:  cobra.MaximumNArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runHWMLs),
}

func init() {
	rootCmd.AddCommand(hwmCmd)
	hwmCmd.AddCommand(hwmGetCmd, hwmLsCmd)
	addOutputFlags(hwmLsCmd)
}

func runHWMGet(app *appctx.App, cmd *cobra.Command, args []string) error {
	session, _, _, err := app.Endpoints()
	if err != nil {
		return err
	}
	source, err := sideID(app, args[0])
	if err != nil {
		return err
	}
	v, ok, err := app.Store.HighWaterMarks.Get(session, source, args[1])
	if err != nil {
		return err
	}
	if !ok {
		return withCode(4, fmt.Errorf("high-water mark %q is not set", args[1]))
	}
	fmt.Fprintln(cmd.OutOrStdout(), v)
	return nil
}

func runHWMLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	session, _, _, err := app.Endpoints()
	if err != nil {
		return err
	}
	side := ""
	if len(args) > 0 {
		side = args[0]
	}
	source, err := sideID(app, side)
	if err != nil {
		return err
	}
	rows, err := app.Store.HighWaterMarks.List(session, source)
	if err != nil {
		return err
	}

	l := render.NewListing("Name", "Value", "Updated")
	for _, m := range rows {
		value := ""
		if m.Value != nil {
			value = *m.Value
		}
		l.Add(m, m.Name, value, formatTime(m.UpdatedAt))
	}
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.List(l)
}
