// Package filedrop is a reference adapter: a directory of YAML change files
// acts as a migration source, and a directory of YAML item files acts as a
// migration target.
package filedrop

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
	"gopkg.in/yaml.v3"
)

// ChangeFile is one dropped change set.
type ChangeFile struct {
	Name    string         `yaml:"name"`
	Owner   string         `yaml:"owner,omitempty"`
	Comment string         `yaml:"comment,omitempty"`
	Time    time.Time      `yaml:"time,omitempty"`
	Actions []ChangeAction `yaml:"actions"`

	kinds []uuid.UUID
}

// ChangeAction is one action of a change file.
type ChangeAction struct {
	Kind    string `yaml:"kind"`
	Item    string `yaml:"item"`
	From    string `yaml:"from,omitempty"`
	Version string `yaml:"version,omitempty"`
	Type    string `yaml:"type,omitempty"`
	Data    string `yaml:"data,omitempty"`
}

// ParseChangeFile decodes a change file. name is used when the file has none.
func ParseChangeFile(name string, data []byte) (*ChangeFile, error) {
	var cf ChangeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse change file %s: %w", name, err)
	}
	if cf.Name == "" {
		cf.Name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if len(cf.Actions) == 0 {
		return nil, fmt.Errorf("change file %s has no actions", name)
	}
	cf.kinds = make([]uuid.UUID, len(cf.Actions))
	for i, a := range cf.Actions {
		if a.Item == "" {
			return nil, fmt.Errorf("change file %s: action %d has no item", name, i)
		}
		kind, err := domain.ParseActionKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("change file %s: action %d: %w", name, i, err)
		}
		cf.kinds[i] = kind
	}
	return &cf, nil
}

func (cf *ChangeFile) actionParams(file string, i int) changegroup.ActionParams {
	a := cf.Actions[i]
	return changegroup.ActionParams{
		Kind:            cf.kinds[i],
		SourceItem:      Item{ID: a.Item, Version: a.Version, File: file},
		FromPath:        a.From,
		Path:            a.Item,
		Version:         a.Version,
		ItemTypeRefName: a.Type,
		Description:     a.Data,
	}
}

// listChangeFiles returns the YAML files of dir sorted by name.
func listChangeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read drop directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
