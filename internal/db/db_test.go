package db_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/tfsync/internal/db"
)

func openTemp(t *testing.T) (*db.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, dbPath
}

func TestRequiresMigrationError(t *testing.T) {
	database, dbPath := openTemp(t)

	_, err := database.Exec(`
		CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		t.Fatalf("could not create schema_migrations: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO schema_migrations (version) VALUES ('000001_baseline.sql')`); err != nil {
		t.Fatalf("could not insert migration: %v", err)
	}

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error, got nil")
	}

	errStr := migErr.Error()
	for _, want := range []string{dbPath, "000001_baseline.sql", "1 pending migration", "tfsync migrate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q, got: %s", want, errStr)
		}
	}
}

func TestRequiresMigrationErrorFreshDB(t *testing.T) {
	database, dbPath := openTemp(t)

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error for fresh db, got nil")
	}
	if !strings.Contains(migErr.Error(), "version: none") {
		t.Errorf("fresh db error should contain 'version: none', got: %s", migErr)
	}
	if !strings.Contains(migErr.Error(), dbPath) {
		t.Errorf("error should contain db path %q, got: %s", dbPath, migErr)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, _ := openTemp(t)

	applied, err := database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("MigrateWithInfo failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied migrations, got %v", applied)
	}

	applied, err = database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("second MigrateWithInfo failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied on second run, got %v", applied)
	}

	if migErr := database.RequiresMigrationError(); migErr != nil {
		t.Errorf("expected nil for fully migrated db, got: %v", migErr)
	}

	for _, table := range []string{"change_groups", "change_actions", "high_water_marks", "conflicts", "resolution_rules", "event_log", "conversion_history", "item_revision_pairs"} {
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect db.Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", db.DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", db.DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres skips literals", db.DialectPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"no placeholders", db.DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := db.Rebind(tt.dialect, tt.in); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsPostgresDSN(t *testing.T) {
	if !db.IsPostgresDSN("postgres://u:p@localhost/db") {
		t.Error("expected postgres:// to select postgres")
	}
	if !db.IsPostgresDSN("postgresql://localhost/db") {
		t.Error("expected postgresql:// to select postgres")
	}
	if db.IsPostgresDSN("/tmp/tfsync.db") {
		t.Error("expected file path to select sqlite")
	}
}
