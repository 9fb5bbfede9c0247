package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lherron/tfsync/internal/errormgr"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PageSize != 50 || cfg.ForceSyncBatchSize != 100 || cfg.InsertBatchSize != 1000 {
		t.Errorf("Unexpected size defaults: %+v", cfg)
	}
	if cfg.MaxGroupTimeSpan != 10*time.Minute {
		t.Errorf("Expected 10m group time span, got %v", cfg.MaxGroupTimeSpan)
	}
	want := filepath.Join(home, ".local", "share", "tfsync", "tfsync.db")
	if cfg.DBPath != want {
		t.Errorf("Expected db path %s, got %s", want, cfg.DBPath)
	}
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)
	yamlPath := filepath.Join(home, ".config", "tfsync", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(yamlPath), 0755); err != nil {
		t.Fatal(err)
	}
	yamlData := `
db_path: /from/yaml.db
page_size: 20
drop_dir: /drop
max_group_time_span: 90s
work_item_type_map:
  Bug: Defect
error_policies:
  - kind: addin
    action: ignore
`
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".env.local"), []byte("TFSYNC_DROP_DIR=/from/env-local\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TFSYNC_PAGE_SIZE", "7")
	t.Setenv("TFSYNC_STOP_ON_BASIC_CONFLICT", "true")
	t.Setenv("TFSYNC_WEBHOOK_URLS", "http://a, http://b")
	t.Cleanup(func() { os.Unsetenv("TFSYNC_DROP_DIR") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/from/yaml.db" {
		t.Errorf("Expected yaml db path, got %s", cfg.DBPath)
	}
	if cfg.PageSize != 7 {
		t.Errorf("Expected env page size 7, got %d", cfg.PageSize)
	}
	if cfg.DropDir != "/from/env-local" {
		t.Errorf("Expected .env.local drop dir, got %s", cfg.DropDir)
	}
	if cfg.MaxGroupTimeSpan != 90*time.Second {
		t.Errorf("Expected 90s, got %v", cfg.MaxGroupTimeSpan)
	}
	if !cfg.StopOnBasicConflict {
		t.Error("Expected stop_on_basic_conflict from env")
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[1] != "http://b" {
		t.Errorf("Unexpected webhook urls: %v", cfg.WebhookURLs)
	}
	if cfg.WorkItemTypeMap["Bug"] != "Defect" || len(cfg.ErrorPolicies) != 1 {
		t.Errorf("Unexpected maps: %v %v", cfg.WorkItemTypeMap, cfg.ErrorPolicies)
	}
}

func TestProjectRoot(t *testing.T) {
	home := isolate(t)
	project := filepath.Join(home, "work", "repo")
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}
	if got := projectRoot(); got != "" {
		t.Errorf("Expected no project root, got %s", got)
	}

	if err := os.Mkdir(filepath.Join(project, projectDirName), 0755); err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(project)
	got, _ := filepath.EvalSymlinks(projectRoot())
	if got != want {
		t.Errorf("Expected project root %s, got %s", want, got)
	}
}

func TestProjectRoot_StopsAtHome(t *testing.T) {
	outer := t.TempDir()
	home := filepath.Join(outer, "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outer, envFileName), []byte("TFSYNC_DROP_DIR=/outer\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", home)
	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}

	if got := projectRoot(); got != "" {
		t.Errorf("Expected the walk to stop at home, got %s", got)
	}
}

func TestLoad_ProjectConfigAndDatabase(t *testing.T) {
	home := isolate(t)
	project := filepath.Join(home, "repo")
	local := filepath.Join(project, projectDirName)
	if err := os.MkdirAll(filepath.Join(project, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(local, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(local, "config.yaml"), []byte("page_size: 12\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(local, "tfsync.db"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	userCfg := filepath.Join(home, ".config", "tfsync", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(userCfg), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(userCfg, []byte("page_size: 30\nforce_sync_batch_size: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(filepath.Join(project, "sub")); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PageSize != 12 {
		t.Errorf("Expected project page size 12, got %d", cfg.PageSize)
	}
	if cfg.ForceSyncBatchSize != 5 {
		t.Errorf("Expected user force sync batch size 5, got %d", cfg.ForceSyncBatchSize)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(local, "tfsync.db"))
	got, _ := filepath.EvalSymlinks(cfg.DBPath)
	if got != want {
		t.Errorf("Expected project database %s, got %s", want, cfg.DBPath)
	}
}

func TestLoad_DSNFromFile(t *testing.T) {
	home := isolate(t)
	secret := filepath.Join(home, "dsn")
	if err := os.WriteFile(secret, []byte("postgres://u:p@localhost/tfsync\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TFSYNC_DSN_FILE", secret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DSN != "postgres://u:p@localhost/tfsync" {
		t.Errorf("Unexpected dsn %q", cfg.DSN)
	}
	if cfg.DBPath != "" {
		t.Errorf("Expected no db path when a dsn is set, got %s", cfg.DBPath)
	}
}

func TestLoad_ActionPageSize(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ActionPageSize != 100000 {
		t.Errorf("Expected default action page size 100000, got %d", cfg.ActionPageSize)
	}

	t.Setenv("TFSYNC_ACTION_PAGE_SIZE", "250")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ActionPageSize != 250 || cfg.PageSize != 50 {
		t.Errorf("Expected action page size 250 beside page size 50, got %d/%d", cfg.ActionPageSize, cfg.PageSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero page size", func(c *Config) { c.PageSize = 0 }},
		{"zero action page size", func(c *Config) { c.ActionPageSize = 0 }},
		{"negative span", func(c *Config) { c.MaxGroupTimeSpan = -time.Second }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad policy", func(c *Config) { c.ErrorPolicies = []errormgr.Policy{{Action: "explode"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
	t.Setenv("TFSYNC_PAGE_SIZE", "many")
	if err := applyEnv(defaults()); err == nil {
		t.Error("Expected error for non-numeric page size")
	}
}
