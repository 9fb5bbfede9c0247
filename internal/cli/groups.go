package cli

import (
	"fmt"
	"strconv"

	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/cursor"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/render"
	"github.com/lherron/tfsync/internal/store"
	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Inspect change groups",
}

var groupsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List change groups in execution order",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runGroupsLs),
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a change group with its actions and conversion history",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runGroupsShow),
}

var (
	groupsStatus string
	groupsSource string
	groupsCursor string
	groupsLimit  int
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsLsCmd, groupsShowCmd)

	groupsLsCmd.Flags().StringVar(&groupsStatus, "status", "", "Filter by status names or codes, comma separated")
	groupsLsCmd.Flags().StringVar(&groupsSource, "source", "", "source, target or a source id (default: both)")
	groupsLsCmd.Flags().StringVar(&groupsCursor, "cursor", "", "Pagination cursor from previous page")
	groupsLsCmd.Flags().IntVar(&groupsLimit, "limit", 50, "Maximum number of results to return")
	addOutputFlags(groupsLsCmd)
	addOutputFlags(groupsShowCmd)
}

func runGroupsLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	session, _, _, err := app.Endpoints()
	if err != nil {
		return err
	}
	statuses, err := parseStatuses(groupsStatus)
	if err != nil {
		return err
	}
	f := store.GroupFilter{SessionID: session, Statuses: statuses, Limit: groupsLimit}
	if groupsSource != "" {
		if f.SourceID, err = sideID(app, groupsSource); err != nil {
			return err
		}
	}
	if groupsCursor != "" {
		if f.Cursor, err = cursor.Decode(groupsCursor); err != nil {
			return withCode(2, fmt.Errorf("invalid cursor: %w", err))
		}
	}

	rows, err := app.Store.Groups.List(f)
	if err != nil {
		return err
	}

	l := render.NewListing("ID", "Order", "Name", "Status", "Source", "Backlog", "Changed")
	for _, g := range rows {
		backlog := ""
		if g.ContainsBackloggedAction {
			backlog = "yes"
		}
		l.Add(g,
			strconv.FormatInt(g.ID, 10),
			strconv.FormatInt(g.ExecutionOrder, 10),
			g.Name,
			g.Status.String(),
			g.SourceID.String()[:8],
			backlog,
			formatTime(g.ChangeTime),
		)
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.List(l); err != nil {
		return err
	}

	if groupsLimit > 0 && len(rows) == groupsLimit {
		next, err := store.NextCursor(rows)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "next_cursor=%s\n", next)
	}
	return nil
}

type groupDetail struct {
	*store.GroupRow
	Actions     []*store.ActionRow        `json:"actions" yaml:"actions"`
	Conversions []*store.ConversionRecord `json:"conversions,omitempty" yaml:"conversions,omitempty"`
}

func runGroupsShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "change group")
	if err != nil {
		return err
	}
	g, err := app.Store.Groups.Get(id)
	if err != nil {
		return withCode(4, fmt.Errorf("change group %d: %w", id, err))
	}
	actions, err := app.Store.Groups.LoadActions(id, 0, 0)
	if err != nil {
		return err
	}
	conversions, err := app.Store.Conversions.ListForGroup(id)
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if r.Format().Structured() {
		return r.Object(groupDetail{GroupRow: g, Actions: actions, Conversions: conversions})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Change group %d: %s\n", g.ID, g.Name)
	fmt.Fprintf(out, "  Status:     %s\n", g.Status)
	fmt.Fprintf(out, "  Source:     %s\n", g.SourceID)
	fmt.Fprintf(out, "  Order:      %d\n", g.ExecutionOrder)
	if g.Owner != "" {
		fmt.Fprintf(out, "  Owner:      %s\n", g.Owner)
	}
	if g.Comment != "" {
		fmt.Fprintf(out, "  Comment:    %s\n", g.Comment)
	}
	if g.ReflectedChangeGroupID != nil {
		fmt.Fprintf(out, "  Reflects:   %d\n", *g.ReflectedChangeGroupID)
	}
	if g.ContainsBackloggedAction {
		fmt.Fprintln(out, "  Backlogged: yes")
	}
	if g.IsForcedSync {
		fmt.Fprintln(out, "  Forced:     yes")
	}
	fmt.Fprintln(out)

	headers := []string{"#", "Kind", "Item", "From", "Version", "Type", "State"}
	var table [][]string
	for _, a := range actions {
		table = append(table, []string{
			strconv.Itoa(a.Order),
			domain.ActionName(a.Kind),
			a.ToPath,
			a.FromPath,
			a.Version,
			a.ItemTypeRefName,
			a.State.String(),
		})
	}
	if err := r.Table(headers, table); err != nil {
		return err
	}

	for _, c := range conversions {
		fmt.Fprintf(out, "\nConverted to %s (%d item pair(s))\n", c.TargetChangeID, len(c.Pairs))
		for _, p := range c.Pairs {
			fmt.Fprintf(out, "  %s@%s <- %s@%s\n", p.ItemID, p.ItemVersion, p.PeerItemID, p.PeerItemVersion)
		}
	}
	return nil
}
