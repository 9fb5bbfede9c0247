package cli

import (
	"fmt"
	"strconv"

	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/render"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage conflict resolution rules",
	Long: `Rules files are YAML documents of the form

  rules:
    - conflict_type: edit_edit     # type key or reference uuid
      scope: /projects/**          # prefix or glob, empty for all
      action: skip
      params: {}

Applying a file replaces the stored rules of every conflict type it names.`,
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Validate a rules file and store its rules",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runRulesApply),
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rules file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rf, err := conflict.LoadRulesFile(args[0])
		if err != nil {
			return withCode(1, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rule(s) ok\n", args[0], len(rf.Rules))
		return nil
	},
}

var rulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored rules by conflict type",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runRulesLs),
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesApplyCmd, rulesCheckCmd, rulesLsCmd)
	addOutputFlags(rulesLsCmd)
}

func runRulesApply(app *appctx.App, cmd *cobra.Command, args []string) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	cm, err := s.Conflicts(s.SourceID)
	if err != nil {
		return err
	}
	n, err := cm.ApplyRulesFile(args[0])
	if err != nil {
		return withCode(1, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d rule(s) from %s.\n", n, args[0])
	return nil
}

func runRulesLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	cm, err := s.Conflicts(s.SourceID)
	if err != nil {
		return err
	}

	l := render.NewListing("ID", "Type", "Scope", "Action", "Params")
	for _, t := range cm.Types() {
		rules, err := cm.GetPersistedRules(t.ReferenceName)
		if err != nil {
			return err
		}
		for _, r := range rules {
			l.Add(conflict.RuleSpec{ConflictType: t.Key, Scope: r.Scope, Action: r.Action, Params: r.Params},
				strconv.FormatInt(r.ID, 10),
				t.Key,
				r.Scope,
				r.Action,
				fmt.Sprint(r.Params),
			)
		}
	}

	rd, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return rd.List(l)
}
