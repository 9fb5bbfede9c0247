package changegroup

import (
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

// Action is one change within a group. It belongs to exactly one group.
type Action struct {
	ID              int64
	Kind            uuid.UUID
	SourceItem      MigrationItem
	FromPath        string
	Path            string
	Version         string
	MergeVersionTo  string
	ItemTypeRefName string
	// Description is the structured action payload, stored as text.
	Description string
	Order       int
	State       domain.ActionState

	group *Group
}

// ActionParams describes a new action. A nil Order appends.
type ActionParams struct {
	Kind            uuid.UUID
	SourceItem      MigrationItem
	FromPath        string
	Path            string
	Version         string
	MergeVersionTo  string
	ItemTypeRefName string
	Description     string
	Skipped         bool
	Order           *int
}

// Group returns the owning change group.
func (a *Action) Group() *Group { return a.group }

// IsPersisted reports whether the action has a durable id.
func (a *Action) IsPersisted() bool { return a.ID != 0 }

func (a *Action) toRow(s Serializer) (*store.ActionRow, error) {
	blob, err := s.SerializeItem(a.SourceItem)
	if err != nil {
		return nil, err
	}
	row := &store.ActionRow{
		ID:              a.ID,
		Kind:            a.Kind,
		SourceItem:      blob,
		FromPath:        a.FromPath,
		ToPath:          a.Path,
		Version:         a.Version,
		MergeVersionTo:  a.MergeVersionTo,
		ItemTypeRefName: a.ItemTypeRefName,
		ActionData:      a.Description,
		Order:           a.Order,
		State:           a.State,
	}
	if a.group != nil && a.group.id != UnassignedID {
		row.ChangeGroupID = a.group.id
	}
	return row, nil
}

func actionFromRow(g *Group, row *store.ActionRow, s Serializer, m *Manager) (*Action, error) {
	item, err := s.LoadItem(row.SourceItem, m)
	if err != nil {
		return nil, err
	}
	return &Action{
		ID:              row.ID,
		Kind:            row.Kind,
		SourceItem:      item,
		FromPath:        row.FromPath,
		Path:            row.ToPath,
		Version:         row.Version,
		MergeVersionTo:  row.MergeVersionTo,
		ItemTypeRefName: row.ItemTypeRefName,
		Description:     row.ActionData,
		Order:           row.Order,
		State:           row.State,
		group:           g,
	}, nil
}
