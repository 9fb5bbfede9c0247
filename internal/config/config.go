package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lherron/tfsync/internal/errormgr"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DBPath    string `yaml:"db_path"`
	DSN       string `yaml:"dsn"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Output    string `yaml:"output"`

	SessionID string `yaml:"session_id"`
	SourceID  string `yaml:"source_id"`
	TargetID  string `yaml:"target_id"`
	DropDir   string `yaml:"drop_dir"`
	TargetDir string `yaml:"target_dir"`

	PageSize              int           `yaml:"page_size"`
	ActionPageSize        int           `yaml:"action_page_size"`
	InsertBatchSize       int           `yaml:"insert_batch_size"`
	PagedActionsThreshold int           `yaml:"paged_actions_threshold"`
	ForceSyncBatchSize    int           `yaml:"force_sync_batch_size"`
	StopOnBasicConflict   bool          `yaml:"stop_on_basic_conflict"`
	Bidirectional         bool          `yaml:"bidirectional"`
	MaxGroupTimeSpan      time.Duration `yaml:"max_group_time_span"`

	RulesPath       string            `yaml:"rules_path"`
	WebhookURLs     []string          `yaml:"webhook_urls"`
	WorkItemTypeMap map[string]string `yaml:"work_item_type_map"`
	ErrorPolicies   []errormgr.Policy `yaml:"error_policies"`
}

func defaults() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Output:                "table",
		PageSize:              50,
		ActionPageSize:        100000,
		InsertBatchSize:       1000,
		PagedActionsThreshold: 1000,
		ForceSyncBatchSize:    100,
		MaxGroupTimeSpan:      10 * time.Minute,
	}
}

const (
	projectDirName = ".tfsync"
	envFileName    = ".env.local"
)

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. <project>/.env.local (dotenv)
// 3. <project>/.tfsync/config.yaml
// 4. ~/.config/tfsync/config.yaml
//
// The project is the nearest directory above the working directory, up to
// the home directory, holding a .tfsync directory or a .env.local file.
func Load() (*Config, error) {
	cfg := defaults()
	root := projectRoot()

	if root != "" {
		_ = godotenv.Load(filepath.Join(root, envFileName))
	}

	files := []string{userConfigPath()}
	if root != "" {
		files = append(files, filepath.Join(root, projectDirName, "config.yaml"))
	}
	for _, path := range files {
		if path == "" {
			continue
		}
		if err := LoadFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" && cfg.DSN == "" {
		path, err := defaultDBPath(root)
		if err != nil {
			return nil, err
		}
		cfg.DBPath = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultDBPath prefers a database already present in the project's .tfsync
// directory over the per-user one.
func defaultDBPath(root string) (string, error) {
	if root != "" {
		local := filepath.Join(root, projectDirName, "tfsync.db")
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tfsync", "tfsync.db"), nil
}

// LoadFile merges the YAML file at path into cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func userConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "tfsync", "config.yaml")
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"TFSYNC_DB_PATH":    &cfg.DBPath,
		"TFSYNC_LOG_LEVEL":  &cfg.LogLevel,
		"TFSYNC_LOG_FORMAT": &cfg.LogFormat,
		"TFSYNC_OUTPUT":     &cfg.Output,
		"TFSYNC_SESSION_ID": &cfg.SessionID,
		"TFSYNC_SOURCE_ID":  &cfg.SourceID,
		"TFSYNC_TARGET_ID":  &cfg.TargetID,
		"TFSYNC_DROP_DIR":   &cfg.DropDir,
		"TFSYNC_TARGET_DIR": &cfg.TargetDir,
		"TFSYNC_RULES_PATH": &cfg.RulesPath,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if dsn := getEnvOrFile("TFSYNC_DSN", "TFSYNC_DSN_FILE"); dsn != "" {
		cfg.DSN = dsn
	}

	ints := map[string]*int{
		"TFSYNC_PAGE_SIZE":               &cfg.PageSize,
		"TFSYNC_ACTION_PAGE_SIZE":        &cfg.ActionPageSize,
		"TFSYNC_INSERT_BATCH_SIZE":       &cfg.InsertBatchSize,
		"TFSYNC_PAGED_ACTIONS_THRESHOLD": &cfg.PagedActionsThreshold,
		"TFSYNC_FORCE_SYNC_BATCH_SIZE":   &cfg.ForceSyncBatchSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"TFSYNC_STOP_ON_BASIC_CONFLICT": &cfg.StopOnBasicConflict,
		"TFSYNC_BIDIRECTIONAL":          &cfg.Bidirectional,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("TFSYNC_MAX_GROUP_TIME_SPAN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TFSYNC_MAX_GROUP_TIME_SPAN: %w", err)
		}
		cfg.MaxGroupTimeSpan = d
	}
	if v := os.Getenv("TFSYNC_WEBHOOK_URLS"); v != "" {
		cfg.WebhookURLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}
	return nil
}

// Validate checks sizes and error policies.
func (c *Config) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"page_size", c.PageSize},
		{"action_page_size", c.ActionPageSize},
		{"insert_batch_size", c.InsertBatchSize},
		{"paged_actions_threshold", c.PagedActionsThreshold},
		{"force_sync_batch_size", c.ForceSyncBatchSize},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.name, s.v)
		}
	}
	if c.MaxGroupTimeSpan < 0 {
		return fmt.Errorf("max_group_time_span must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "logfmt", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return errormgr.ValidatePolicies(c.ErrorPolicies)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// projectRoot walks up from the working directory and returns the first
// directory holding a .tfsync directory or a .env.local file. The walk stops
// at the home directory.
func projectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	home, err := os.UserHomeDir()
	if err == nil {
		home = filepath.Clean(home)
	}
	for dir := filepath.Clean(cwd); ; dir = filepath.Dir(dir) {
		for _, marker := range []string{projectDirName, envFileName} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		if dir == home || dir == filepath.Dir(dir) {
			return ""
		}
	}
}
