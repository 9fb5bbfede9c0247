package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/lherron/tfsync/internal/cli/appctx"
	"github.com/lherron/tfsync/internal/config"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

// DaemonOptions configures the tfsyncd daemon.
type DaemonOptions struct {
	Addr     string
	Unix     string
	Token    string
	DBPath   string
	Interval time.Duration
	Debounce time.Duration
}

const defaultDebounce = 500 * time.Millisecond

// ServeDaemon runs analysis passes whenever the drop directory changes and
// every Interval, until SIGINT or SIGTERM. When Addr or Unix is set it also
// serves a small status API.
func ServeDaemon(opts DaemonOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
		cfg.DSN = ""
	}

	app, err := appctx.New(cfg, os.Stderr, appctx.DefaultOptions())
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(app, opts)
	if err != nil {
		return err
	}
	defer d.session.Close()

	if opts.Addr != "" || opts.Unix != "" {
		srv, ln, err := d.listen(opts)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return d.run(ctx)
}

type daemon struct {
	app      *appctx.App
	session  *appctx.Session
	logger   *log.Logger
	token    string
	interval time.Duration
	debounce time.Duration
	trigger  chan struct{}

	mu      sync.Mutex
	last    *appctx.PassResult
	lastAt  time.Time
	lastErr error
	passes  int
}

func newDaemon(app *appctx.App, opts DaemonOptions) (*daemon, error) {
	s, err := app.OpenSession()
	if err != nil {
		return nil, err
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &daemon{
		app:      app,
		session:  s,
		logger:   app.Logger.WithPrefix("daemon"),
		token:    opts.Token,
		interval: opts.Interval,
		debounce: debounce,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// requestPass schedules a pass without blocking. Requests made while one is
// already queued collapse into it.
func (d *daemon) requestPass() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.app.Config

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := os.MkdirAll(cfg.DropDir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(cfg.DropDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cfg.DropDir, err)
	}

	if cfg.RulesPath != "" {
		cm, err := d.session.Conflicts(d.session.SourceID)
		if err != nil {
			return err
		}
		go func() {
			if err := cm.WatchRules(ctx, cfg.RulesPath, d.logger); err != nil {
				d.logger.Error("rules watcher stopped", "error", err)
			}
		}()
	}

	var tick <-chan time.Time
	if d.interval > 0 {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	d.logger.Info("watching", "drop_dir", cfg.DropDir, "interval", d.interval)
	d.requestPass()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(d.debounce)
			} else {
				debounce.Reset(d.debounce)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			d.requestPass()
		case <-tick:
			d.requestPass()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", "error", err)
		case <-d.trigger:
			d.pass(ctx)
		}
	}
}

func (d *daemon) pass(ctx context.Context) {
	res, err := d.session.RunPass(ctx, d.app.Config.Bidirectional, true)

	d.mu.Lock()
	d.passes++
	d.lastAt = time.Now().UTC()
	d.lastErr = err
	if err == nil {
		d.last = &res
	}
	d.mu.Unlock()

	switch {
	case err != nil:
		d.logger.Error("pass failed", "error", err)
	case res.Stopped:
		d.logger.Warn("session stopped; resolve conflicts to continue", "waiting", res.Waiting)
	case res.Applied > 0 || res.Waiting > 0:
		d.logger.Info("pass complete", "applied", res.Applied, "waiting", res.Waiting, "unresolved", res.Unresolved)
	default:
		d.logger.Debug("pass complete")
	}
}

func (d *daemon) listen(opts DaemonOptions) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", d.withAuth(d.handleHealth))
	mux.HandleFunc("/v1/status", d.withAuth(d.handleStatus))
	mux.HandleFunc("/v1/conflicts", d.withAuth(d.handleConflicts))
	mux.HandleFunc("/v1/run", d.withAuth(d.handleRun))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if opts.Unix != "" {
		_ = os.Remove(opts.Unix)
		ln, err := net.Listen("unix", opts.Unix)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on unix socket: %w", err)
		}
		return srv, ln, nil
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", opts.Addr, err)
	}
	return srv, ln, nil
}

func (d *daemon) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.token != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.Header.Get("X-Tfsyncd-Token")
			}
			if token != d.token {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

type daemonStatus struct {
	SessionID  string     `json:"session_id"`
	Passes     int        `json:"passes"`
	LastPassAt *time.Time `json:"last_pass_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Applied    int        `json:"applied"`
	Waiting    int        `json:"waiting"`
	Unresolved bool       `json:"unresolved"`
	Stopped    bool       `json:"stopped"`
}

func (d *daemon) status() daemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := daemonStatus{SessionID: d.session.ID.String(), Passes: d.passes}
	if !d.lastAt.IsZero() {
		at := d.lastAt
		st.LastPassAt = &at
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	if d.last != nil {
		st.Applied = d.last.Applied
		st.Waiting = d.last.Waiting
		st.Unresolved = d.last.Unresolved
		st.Stopped = d.last.Stopped
	}
	return st
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, d.status())
}

func (d *daemon) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	rows, err := d.app.Store.Conflicts.List(store.ConflictFilter{
		SessionID: d.session.ID,
		Status:    domain.ConflictUnresolved,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []*domain.Conflict{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (d *daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	d.requestPass()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"message": err.Error(),
	})
}
