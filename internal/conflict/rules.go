package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const rulesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["conflict_type", "action"],
        "additionalProperties": false,
        "properties": {
          "conflict_type": {"type": "string", "minLength": 1},
          "scope": {"type": "string"},
          "action": {"enum": ["skip", "manual", "map", "suppress", "retry"]},
          "params": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    }
  }
}`

// RuleSpec is one rule as written in a rules file.
type RuleSpec struct {
	ConflictType string            `yaml:"conflict_type" json:"conflict_type"`
	Scope        string            `yaml:"scope,omitempty" json:"scope,omitempty"`
	Action       string            `yaml:"action" json:"action"`
	Params       map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// RulesFile is the document stored in a rules file.
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

var compiledRulesSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(rulesSchema)))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("rules.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("rules.json")
}()

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (*RulesFile, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert rules: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to convert rules: %w", err)
	}
	if err := compiledRulesSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}

	var rf RulesFile
	if err := json.Unmarshal(asJSON, &rf); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return &rf, nil
}

// LoadRulesFile reads and validates a rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

func (m *Manager) resolveTypeRef(name string) (uuid.UUID, error) {
	if t, ok := m.TypeByKey(name); ok {
		return t.ReferenceName, nil
	}
	ref, err := uuid.Parse(name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unknown conflict type %q", name)
	}
	if _, ok := m.RegisteredType(ref); !ok {
		return uuid.Nil, fmt.Errorf("conflict type %s is not registered", ref)
	}
	return ref, nil
}

// ApplyRules replaces the persisted rules of every conflict type named in rf.
// Types not named in rf keep their rules. It returns the number of rules written.
func (m *Manager) ApplyRules(rf *RulesFile) (int, error) {
	byType := make(map[uuid.UUID][]*domain.ResolutionRule)
	var order []uuid.UUID
	for i, spec := range rf.Rules {
		ref, err := m.resolveTypeRef(spec.ConflictType)
		if err != nil {
			return 0, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, seen := byType[ref]; !seen {
			order = append(order, ref)
		}
		byType[ref] = append(byType[ref], &domain.ResolutionRule{
			ConflictType: ref,
			Scope:        spec.Scope,
			Action:       spec.Action,
			Params:       spec.Params,
		})
	}

	total := 0
	for _, ref := range order {
		if err := m.store.Conflicts.ReplaceRules(ref, byType[ref]); err != nil {
			return total, err
		}
		total += len(byType[ref])
	}
	return total, nil
}

// ApplyRulesFile loads path and applies it.
func (m *Manager) ApplyRulesFile(path string) (int, error) {
	rf, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	return m.ApplyRules(rf)
}

// WatchRules applies the rules file at path whenever it changes, until ctx
// is done. Invalid files are logged and ignored. The parent directory is
// watched so editors that replace the file are picked up.
func (m *Manager) WatchRules(ctx context.Context, path string, logger *log.Logger) error {
	if logger == nil {
		logger = m.logger
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	apply := func() {
		n, err := m.ApplyRulesFile(abs)
		if err != nil {
			logger.Error("rules reload failed", "path", abs, "error", err)
			return
		}
		logger.Info("rules reloaded", "path", abs, "rules", n)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if _, err := os.Stat(abs); err == nil {
					apply()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rules watcher error", "error", err)
		}
	}
}
