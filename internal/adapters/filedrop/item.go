package filedrop

import (
	"fmt"

	"github.com/lherron/tfsync/internal/changegroup"
	"gopkg.in/yaml.v3"
)

// Item is the migration item of a dropped change.
type Item struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`
	File    string `yaml:"file,omitempty"`
}

func (i Item) DisplayName() string {
	if i.Version == "" {
		return i.ID
	}
	return i.ID + "@" + i.Version
}

// ItemSerializer stores Item values as YAML.
type ItemSerializer struct{}

func (ItemSerializer) SerializeItem(item changegroup.MigrationItem) (string, error) {
	var it Item
	switch v := item.(type) {
	case nil:
		return "", nil
	case Item:
		it = v
	case changegroup.RawItem:
		it = Item{ID: string(v)}
	default:
		return "", fmt.Errorf("filedrop cannot store item of type %T", item)
	}
	out, err := yaml.Marshal(it)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (ItemSerializer) LoadItem(blob string, _ *changegroup.Manager) (changegroup.MigrationItem, error) {
	var it Item
	if blob == "" {
		return it, nil
	}
	if err := yaml.Unmarshal([]byte(blob), &it); err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return it, nil
}
