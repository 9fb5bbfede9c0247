package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/render"
	"github.com/lherron/tfsync/internal/store"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Aliases: []string{"conflict"},
	Short:   "Review and resolve conflicts",
}

var conflictsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List conflicts (unresolved by default)",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runConflictsLs),
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conflict and the rules of its type",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runConflictsShow),
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict with a new or existing rule",
	Long: `Resolve applies a resolution rule to a stored conflict. Without --rule a
new rule is saved with the given --action, scoped to the conflict's own scope
unless --scope is given, so later conflicts of the same kind resolve
automatically.

Actions: skip, manual, retry, suppress, map (map needs --param target_type=X).`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runConflictsResolve),
}

var (
	conflictsAll    bool
	conflictsSource string
	conflictsLimit  int
	resolveAction   string
	resolveScope    string
	resolveRuleID   int64
	resolveParams   []string
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsLsCmd, conflictsShowCmd, conflictsResolveCmd)

	conflictsLsCmd.Flags().BoolVarP(&conflictsAll, "all", "a", false, "Include resolved conflicts")
	conflictsLsCmd.Flags().StringVar(&conflictsSource, "source", "", "source, target or a source id (default: both)")
	conflictsLsCmd.Flags().IntVar(&conflictsLimit, "limit", 0, "Maximum number of results to return (0 = no limit)")
	addOutputFlags(conflictsLsCmd)
	addOutputFlags(conflictsShowCmd)

	conflictsResolveCmd.Flags().StringVar(&resolveAction, "action", "", "Rule action for a new rule")
	conflictsResolveCmd.Flags().StringVar(&resolveScope, "scope", "", "Rule scope (default: the conflict's scope)")
	conflictsResolveCmd.Flags().Int64Var(&resolveRuleID, "rule", 0, "Apply an existing rule instead of saving a new one")
	conflictsResolveCmd.Flags().StringArrayVar(&resolveParams, "param", nil, "Rule parameter as key=value (repeatable)")
}

func runConflictsLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	session, _, _, err := app.Endpoints()
	if err != nil {
		return err
	}
	f := store.ConflictFilter{SessionID: session, Limit: conflictsLimit}
	if !conflictsAll {
		f.Status = domain.ConflictUnresolved
	}
	if conflictsSource != "" {
		if f.SourceID, err = sideID(app, conflictsSource); err != nil {
			return err
		}
	}
	rows, err := app.Store.Conflicts.List(f)
	if err != nil {
		return err
	}

	l := render.NewListing("ID", "Type", "Status", "Item", "Group", "Created")
	for _, c := range rows {
		group := ""
		if c.ChangeGroupID != nil {
			group = strconv.FormatInt(*c.ChangeGroupID, 10)
		}
		l.Add(c,
			strconv.FormatInt(c.ID, 10),
			c.ConflictTypeName,
			string(c.Status),
			c.ItemID,
			group,
			formatTime(c.CreatedAt),
		)
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.List(l)
}

func runConflictsShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "conflict")
	if err != nil {
		return err
	}
	c, err := app.Store.Conflicts.Get(id)
	if err != nil {
		return withCode(4, fmt.Errorf("conflict %d: %w", id, err))
	}
	rules, err := app.Store.Conflicts.ListRules(c.ConflictType)
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if r.Format().Structured() {
		return r.Object(struct {
			*domain.Conflict
			Rules []*domain.ResolutionRule `json:"rules" yaml:"rules"`
		}{c, rules})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conflict %d: %s (%s)\n", c.ID, c.ConflictTypeName, c.Status)
	fmt.Fprintf(out, "  Source:  %s\n", c.SourceID)
	if c.ItemID != "" {
		fmt.Fprintf(out, "  Item:    %s\n", c.ItemID)
	}
	fmt.Fprintf(out, "  Scope:   %s\n", c.Scope)
	if c.ChangeGroupID != nil {
		fmt.Fprintf(out, "  Group:   %d\n", *c.ChangeGroupID)
	}
	fmt.Fprintf(out, "  Created: %s\n", formatTime(c.CreatedAt))
	if c.ResolvedAt != nil {
		fmt.Fprintf(out, "  Resolved: %s", formatTime(*c.ResolvedAt))
		if c.ResolutionType != nil {
			fmt.Fprintf(out, " (%s)", *c.ResolutionType)
		}
		fmt.Fprintln(out)
	}
	if c.Details != "" {
		fmt.Fprintf(out, "\n%s\n", strings.TrimRight(c.Details, "\n"))
	}
	if len(rules) > 0 {
		fmt.Fprintln(out, "\nRules for this type:")
		for _, rule := range rules {
			scope := rule.Scope
			if scope == "" {
				scope = "*"
			}
			fmt.Fprintf(out, "  %d  %-8s %s\n", rule.ID, rule.Action, scope)
		}
	}
	return nil
}

func runConflictsResolve(app *appctx.App, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "conflict")
	if err != nil {
		return err
	}
	if (resolveAction == "") == (resolveRuleID == 0) {
		return withCode(2, fmt.Errorf("give exactly one of --action or --rule"))
	}
	rec, err := app.Store.Conflicts.Get(id)
	if err != nil {
		return withCode(4, fmt.Errorf("conflict %d: %w", id, err))
	}

	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	cm, err := s.Conflicts(rec.SourceID)
	if err != nil {
		return err
	}

	var res conflict.Result
	if resolveRuleID != 0 {
		res, err = cm.ResolveExistingConflictWithExistingRule(id, resolveRuleID)
	} else {
		rule := &domain.ResolutionRule{Scope: resolveScope, Action: resolveAction}
		if rule.Scope == "" {
			rule.Scope = rec.Scope
		}
		if rule.Params, err = parseParams(resolveParams); err != nil {
			return err
		}
		res, err = cm.ResolveExistingConflictWithNewRule(id, rule)
	}
	if err != nil {
		return withCode(1, fmt.Errorf("failed to resolve conflict %d: %w", id, err))
	}
	if !res.Resolved {
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %d is still unresolved.\n", id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved conflict %d (%s).\n", id, res.ResolutionType)
	return nil
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, withCode(2, fmt.Errorf("invalid --param %q: want key=value", kv))
		}
		params[k] = v
	}
	return params, nil
}
