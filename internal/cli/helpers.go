package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/render"
	"github.com/spf13/cobra"
)

// exitError wraps err with the process exit code it should produce.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// addOutputFlags registers the shared --output/--porcelain flags.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv (default from config)")
	cmd.Flags().Bool("porcelain", false, "Machine-readable output")
}

func newRenderer(app *appctx.App, cmd *cobra.Command) (*render.Renderer, error) {
	name, _ := cmd.Flags().GetString("output")
	if name == "" {
		name = app.Config.Output
	}
	format, err := render.ParseFormat(name)
	if err != nil {
		return nil, withCode(2, err)
	}
	porcelain, _ := cmd.Flags().GetBool("porcelain")
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format, Porcelain: porcelain}), nil
}

// parseStatuses accepts status names or numeric codes separated by commas.
func parseStatuses(raw string) ([]domain.ChangeStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.ChangeStatus
	for _, part := range strings.Split(raw, ",") {
		s, err := domain.ParseChangeStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, withCode(2, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// sideID resolves "source", "target" or a literal uuid against the session.
func sideID(app *appctx.App, raw string) (uuid.UUID, error) {
	_, source, target, err := app.Endpoints()
	switch raw {
	case "", "source":
		return source, err
	case "target":
		return target, err
	}
	id, perr := uuid.Parse(raw)
	if perr != nil {
		return uuid.Nil, withCode(2, fmt.Errorf("invalid source %q: want source, target or a uuid", raw))
	}
	return id, nil
}

func parseID(raw, what string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, withCode(2, fmt.Errorf("invalid %s id %q", what, raw))
	}
	return id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
