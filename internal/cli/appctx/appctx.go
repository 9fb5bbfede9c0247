// Package appctx bootstraps CLI commands: config, logger, database and the
// assembled migration session.
package appctx

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/config"
	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/logging"
	"github.com/lherron/tfsync/internal/store"
	"github.com/spf13/cobra"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// DB is the opened database connection (nil if NeedsDB is false)
	DB *db.DB

	// Store wraps DB (nil if NeedsDB is false)
	Store *store.Store

	Logger *log.Logger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
		a.Store = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database.
	// Defaults to true.
	NeedsDB bool

	// SkipMigrationCheck opens the database even when migrations are pending.
	SkipMigrationCheck bool
}

// DefaultOptions returns default options (DB required).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The database is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

func flagString(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if v := flagString(cmd, "db"); v != "" {
		cfg.DBPath = v
		cfg.DSN = ""
	}
	if v := flagString(cmd, "dsn"); v != "" {
		cfg.DSN = v
	}
	if v := flagString(cmd, "session"); v != "" {
		cfg.SessionID = v
	}

	return New(cfg, cmd.ErrOrStderr(), opts)
}

// New builds an App from an already loaded config. Logs go to logOut.
func New(cfg *config.Config, logOut io.Writer, opts Options) (*App, error) {
	logger, err := logging.New(logOut, cfg.LogLevel, cfg.LogFormat, "tfsync")
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger}

	if opts.NeedsDB {
		database, err := OpenDatabase(cfg)
		if err != nil {
			return nil, err
		}

		if !opts.SkipMigrationCheck {
			if err := database.RequiresMigrationError(); err != nil {
				database.Close()
				return nil, err
			}
		}

		app.DB = database
		app.Store = store.New(database)
	}

	return app, nil
}

// OpenDatabase opens the postgres DSN when one is configured and the
// SQLite file otherwise.
func OpenDatabase(cfg *config.Config) (*db.DB, error) {
	var (
		database *db.DB
		err      error
	)
	if cfg.DSN != "" {
		database, err = db.OpenDSN(cfg.DSN)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("database path not specified (use --db flag or set TFSYNC_DB_PATH)")
		}
		database, err = db.Open(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

// Endpoints parses the configured session, source and target ids.
func (a *App) Endpoints() (session, source, target uuid.UUID, err error) {
	fields := []struct {
		key string
		raw string
		dst *uuid.UUID
	}{
		{"session_id", a.Config.SessionID, &session},
		{"source_id", a.Config.SourceID, &source},
		{"target_id", a.Config.TargetID, &target},
	}
	for _, f := range fields {
		if f.raw == "" {
			return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("%s is not configured (set TFSYNC_%s)", f.key, strings.ToUpper(f.key))
		}
		id, perr := uuid.Parse(f.raw)
		if perr != nil {
			return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("invalid %s %q: %w", f.key, f.raw, perr)
		}
		*f.dst = id
	}
	if source == target {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("source_id and target_id must differ")
	}
	return session, source, target, nil
}
