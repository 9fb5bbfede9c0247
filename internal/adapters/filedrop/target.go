package filedrop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/lherron/tfsync/internal/analysis"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"gopkg.in/yaml.v3"
)

// TargetItem is the stored form of an item on the target.
type TargetItem struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Type    string `yaml:"type,omitempty"`
	Data    string `yaml:"data,omitempty"`
	Deleted bool   `yaml:"deleted,omitempty"`
	Change  string `yaml:"change"`
}

// Target applies pending instructions to a directory with one YAML file
// per item. It produces no deltas of its own.
type Target struct {
	dir      string
	svc      *analysis.Services
	logger   *log.Logger
	pageSize int
}

var _ analysis.AnalysisProvider = (*Target)(nil)

func NewTarget(dir string) *Target {
	return &Target{dir: dir, pageSize: analysis.DefaultPageSize}
}

func (t *Target) Dir() string { return t.dir }

func (t *Target) InitializeServices(svc *analysis.Services) error {
	t.svc = svc
	t.logger = svc.Logger
	if t.logger == nil {
		t.logger = log.Default()
	}
	return os.MkdirAll(t.dir, 0755)
}

func (t *Target) RegisterConflictTypes(*conflict.Manager) error { return nil }

func (t *Target) GenerateDeltaTable(context.Context) error { return nil }

// DetectConflicts rejects instructions that edit an item the target deleted.
func (t *Target) DetectConflicts(_ context.Context, g *changegroup.Group) error {
	return g.RangeActions(func(a *changegroup.Action) bool {
		if a.Kind != domain.ActionEdit {
			return true
		}
		cur, err := t.readItem(a.Path)
		if err != nil || cur == nil || !cur.Deleted {
			return true
		}
		c := &conflict.Conflict{
			Type:    conflict.EditEditType(),
			Scope:   a.Path,
			ItemID:  a.Path,
			Details: fmt.Sprintf("item %s was deleted on the target", a.Path),
			Group:   g,
			Action:  a,
		}
		if _, err := t.svc.Conflicts.TryResolveNewConflict(c); err != nil {
			t.logger.Error("failed to raise conflict", "item", a.Path, "err", err)
		}
		return !g.ContainsBackloggedAction()
	})
}

func (t *Target) itemPath(id string) string {
	return filepath.Join(t.dir, strings.ReplaceAll(id, string(filepath.Separator), "_")+".yaml")
}

func (t *Target) readItem(id string) (*TargetItem, error) {
	data, err := os.ReadFile(t.itemPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item %s: %w", id, err)
	}
	var it TargetItem
	if err := yaml.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("failed to parse item %s: %w", id, err)
	}
	return &it, nil
}

func (t *Target) writeItem(it *TargetItem) error {
	data, err := yaml.Marshal(it)
	if err != nil {
		return err
	}
	tmp := t.itemPath(it.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write item %s: %w", it.ID, err)
	}
	return os.Rename(tmp, t.itemPath(it.ID))
}

// Migrate applies every pending instruction in execution order and records
// conversion history. Instructions left in progress by an interrupted run
// are resumed first. It returns the number of groups applied.
func (t *Target) Migrate(ctx context.Context) (int, error) {
	resumed, err := t.svc.ChangeGroups.DemoteInProgressActionsToPending()
	if err != nil {
		return 0, fmt.Errorf("failed to resume interrupted instructions: %w", err)
	}
	if resumed > 0 {
		t.logger.Warn("resuming interrupted instructions", "groups", resumed)
	}

	applied := 0
	for {
		page, err := t.svc.ChangeGroups.NextMigrationInstructionTablePage(0, t.pageSize, false, false)
		if err != nil {
			return applied, err
		}
		for _, g := range page {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := t.apply(g); err != nil {
				return applied, fmt.Errorf("failed to apply %s: %w", g, err)
			}
			applied++
		}
		if len(page) < t.pageSize {
			return applied, nil
		}
	}
}

func (t *Target) apply(g *changegroup.Group) error {
	if err := g.UpdateStatus(domain.StatusInProgress); err != nil {
		return err
	}
	change := strconv.FormatInt(g.ID(), 10)
	result := changegroup.ConversionResult{ChangeID: change, Comment: g.Comment()}

	var applyErr error
	err := g.RangeActions(func(a *changegroup.Action) bool {
		switch a.State {
		case domain.ActionSkipped:
			return true
		case domain.ActionComplete:
			// Written before an interruption; only its history is missing.
			it, err := t.readItem(a.Path)
			if err != nil {
				applyErr = err
				return false
			}
			if it != nil {
				result.Items = append(result.Items, itemPair(a, it))
			}
			return true
		}
		it, err := t.applyAction(a, change)
		if err != nil {
			applyErr = err
			return false
		}
		a.State = domain.ActionComplete
		if err := g.SaveAction(a); err != nil {
			applyErr = err
			return false
		}
		result.Items = append(result.Items, itemPair(a, it))
		return true
	})
	if err == nil {
		err = applyErr
	}
	if err != nil {
		return err
	}

	if err := g.UpdateConversionHistory(result); err != nil {
		return err
	}
	if err := g.Complete(); err != nil {
		return err
	}
	t.logger.Info("instruction applied", "change_group_id", g.ID(), "items", len(result.Items))
	return nil
}

func itemPair(a *changegroup.Action, it *TargetItem) changegroup.ItemPair {
	src, _ := a.SourceItem.(Item)
	if src.ID == "" {
		src.ID = a.Path
	}
	return changegroup.ItemPair{
		SourceItemID:      src.ID,
		SourceItemVersion: src.Version,
		TargetItemID:      it.ID,
		TargetItemVersion: strconv.Itoa(it.Version),
	}
}

func (t *Target) applyAction(a *changegroup.Action, change string) (*TargetItem, error) {
	cur, err := t.readItem(a.Path)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = &TargetItem{ID: a.Path}
	}
	cur.Version++
	cur.Change = change
	if a.ItemTypeRefName != "" {
		cur.Type = a.ItemTypeRefName
	}
	switch a.Kind {
	case domain.ActionDelete:
		cur.Deleted = true
	default:
		cur.Deleted = false
		cur.Data = a.Description
	}
	if err := t.writeItem(cur); err != nil {
		return nil, err
	}
	return cur, nil
}
