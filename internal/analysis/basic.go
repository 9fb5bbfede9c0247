package analysis

import (
	"context"
	"fmt"

	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
)

var openDeltaStatuses = []domain.ChangeStatus{domain.StatusDelta, domain.StatusDeltaPending}

// detectBasicConflicts checks each new instruction of tgt against the
// target's own history:
//
//   - an item that already has an unresolved conflict raises
//     ChainOnBackloggedItem
//   - an item the target changed since the last sync (an open delta entry
//     not written by the sync) raises EditEdit
//
// Conflicts are raised on the target's conflict manager. The first
// unresolved conflict of a group ends the checks of that group.
func (e *Engine) detectBasicConflicts(ctx context.Context, tgt *side) error {
	e.logger.Debug("starting basic conflict detection", "source_id", tgt.id)
	return e.rangeNewInstructions(ctx, tgt, func(g *changegroup.Group) error {
		return e.analyzeInstruction(tgt, g)
	})
}

func (e *Engine) analyzeInstruction(tgt *side, g *changegroup.Group) error {
	var loopErr error
	err := g.RangeActions(func(a *changegroup.Action) bool {
		if a.State != domain.ActionPending || a.Path == "" {
			return true
		}
		c, err := e.basicConflictFor(tgt, a)
		if err != nil {
			loopErr = err
			return false
		}
		if c == nil {
			return true
		}
		res, err := tgt.conflicts.TryResolveNewConflict(c)
		if err != nil {
			loopErr = err
			return false
		}
		if !res.Resolved {
			return false
		}
		switch res.ResolutionType {
		case domain.ResolutionSkipConflictedChangeAction, domain.ResolutionSuppressedConflictedChangeAction:
			a.State = domain.ActionSkipped
			if err := g.SaveAction(a); err != nil {
				loopErr = err
				return false
			}
		case domain.ResolutionUpdatedConflictedChangeAction:
			updated := res.Actions
			if len(updated) == 0 {
				updated = []*changegroup.Action{a}
			}
			for _, u := range updated {
				if err := g.SaveAction(u); err != nil {
					loopErr = err
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return loopErr
}

func (e *Engine) basicConflictFor(tgt *side, a *changegroup.Action) (*conflict.Conflict, error) {
	inBacklog, err := tgt.conflicts.IsItemInBacklog(a.Path)
	if err != nil {
		return nil, err
	}
	if inBacklog {
		return &conflict.Conflict{
			Type:    conflict.ChainOnBackloggedItemType(),
			Scope:   a.Path,
			ItemID:  a.Path,
			Details: fmt.Sprintf("item %s already has an unresolved conflict", a.Path),
			Group:   a.Group(),
			Action:  a,
		}, nil
	}

	rows, err := e.store.Groups.FindActionsTouchingItem(e.sessionID, tgt.id, openDeltaStatuses, a.Path)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.State == domain.ActionSkipped {
			continue
		}
		if e.translation != nil {
			synced, err := e.translation.IsSyncGeneratedItemVersion(row.ToPath, row.Version, tgt.id)
			if err != nil {
				return nil, err
			}
			if synced {
				continue
			}
		}
		return conflict.NewEditEditConflict(a, a.Path, a.Description, row.ActionData)
	}
	return nil, nil
}
