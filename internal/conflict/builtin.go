package conflict

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/pmezard/go-difflib/difflib"
)

// Rule actions understood by the built-in handlers.
const (
	ActionSkip     = "skip"
	ActionManual   = "manual"
	ActionMap      = "map"
	ActionSuppress = "suppress"
	ActionRetry    = "retry"
)

// ParamTargetType names the mapped target work item type in a "map" rule.
const ParamTargetType = "target_type"

// Reference names of the built-in conflict types.
var (
	GenericRef               = uuid.MustParse("f6bfb484-ee96-4c5e-9b1a-6f1e5c6a6c01")
	UnmappedWorkItemTypeRef  = uuid.MustParse("b9c2f3a4-1c7d-4a53-8d1b-2e55c8f4a702")
	EditEditRef              = uuid.MustParse("3d7a5e10-6f2b-4b8e-a0c4-9b1d0e8f1a03")
	ChainOnBackloggedItemRef = uuid.MustParse("c0a8e1f2-5b3d-4e6a-8f70-1d2c3b4a5e04")
)

var resolutionByAction = map[string]domain.ConflictResolutionType{
	ActionSkip:     domain.ResolutionSkipConflictedChangeAction,
	ActionManual:   domain.ResolutionOther,
	ActionMap:      domain.ResolutionChangeMappingInConfiguration,
	ActionSuppress: domain.ResolutionSuppressedConflictedChangeAction,
	ActionRetry:    domain.ResolutionRetry,
}

// ActionHandler resolves conflicts by rule action name.
type ActionHandler struct {
	allowed map[string]bool
	// apply runs for actions that need more than a resolution type.
	apply map[string]func(c *Conflict, rule *domain.ResolutionRule) (Result, error)
}

// NewActionHandler returns a handler accepting the given rule actions.
func NewActionHandler(actions ...string) *ActionHandler {
	h := &ActionHandler{
		allowed: make(map[string]bool, len(actions)),
		apply:   make(map[string]func(*Conflict, *domain.ResolutionRule) (Result, error)),
	}
	for _, a := range actions {
		h.allowed[a] = true
	}
	return h
}

// On registers a custom apply function for a rule action.
func (h *ActionHandler) On(action string, fn func(c *Conflict, rule *domain.ResolutionRule) (Result, error)) *ActionHandler {
	h.allowed[action] = true
	h.apply[action] = fn
	return h
}

func (h *ActionHandler) CanResolve(c *Conflict, rule *domain.ResolutionRule) bool {
	return h.allowed[rule.Action]
}

func (h *ActionHandler) Resolve(c *Conflict, rule *domain.ResolutionRule) (Result, error) {
	if fn, ok := h.apply[rule.Action]; ok {
		return fn(c, rule)
	}
	rt, ok := resolutionByAction[rule.Action]
	if !ok {
		rt = domain.ResolutionOther
	}
	res := Result{Resolved: true, ResolutionType: rt, Params: rule.Params}
	if c.Action != nil {
		res.Actions = []*changegroup.Action{c.Action}
	}
	return res, nil
}

// TypeMapper receives work item type mappings chosen by a "map" rule.
type TypeMapper interface {
	AddWorkItemTypeMapping(sourceType, targetType string) error
}

// GenericType is raised for reported runtime errors. It stops the current
// trip of the session until an operator resolves it.
func GenericType() *Type {
	return &Type{
		ReferenceName: GenericRef,
		FriendlyName:  "Generic conflict",
		Key:           "generic",
		BacklogsGroup: true,
		Handler:       NewActionHandler(ActionManual, ActionRetry, ActionSkip),
	}
}

// UnmappedWorkItemType is raised when a work item type has no target
// mapping. The conflict scope is the source type name. It does not backlog
// the group: the caller skips the affected action instead.
func UnmappedWorkItemType(mapper TypeMapper) *Type {
	h := NewActionHandler(ActionSkip, ActionManual)
	if mapper != nil {
		h.On(ActionMap, func(c *Conflict, rule *domain.ResolutionRule) (Result, error) {
			target := rule.Params[ParamTargetType]
			if target == "" {
				return Result{}, fmt.Errorf("map rule %d has no %s", rule.ID, ParamTargetType)
			}
			if err := mapper.AddWorkItemTypeMapping(c.Scope, target); err != nil {
				return Result{}, err
			}
			return Result{
				Resolved:       true,
				ResolutionType: domain.ResolutionChangeMappingInConfiguration,
				Params:         map[string]string{ParamTargetType: target},
			}, nil
		})
	}
	return &Type{
		ReferenceName: UnmappedWorkItemTypeRef,
		FriendlyName:  "Unmapped work item type",
		Key:           "unmapped_work_item_type",
		Handler:       h,
	}
}

// EditEditType is raised when both sides edited the same item since the
// last sync.
func EditEditType() *Type {
	return &Type{
		ReferenceName: EditEditRef,
		FriendlyName:  "Edit/edit conflict",
		Key:           "edit_edit",
		BacklogsGroup: true,
		Handler:       NewActionHandler(ActionSkip, ActionManual, ActionSuppress),
	}
}

// ChainOnBackloggedItemType is raised for a change to an item that already
// has an unresolved conflict.
func ChainOnBackloggedItemType() *Type {
	return &Type{
		ReferenceName: ChainOnBackloggedItemRef,
		FriendlyName:  "Chain on backlogged item",
		Key:           "chain_on_backlogged_item",
		BacklogsGroup: true,
		Handler:       NewActionHandler(ActionSkip, ActionManual, ActionRetry),
	}
}

// RegisterBuiltins registers the platform conflict types on m.
func RegisterBuiltins(m *Manager, mapper TypeMapper) error {
	regs := []struct {
		t      *Type
		option domain.SyncOrchestrationOption
	}{
		{GenericType(), domain.OrchestrationStopConflictedSessionCurrentTrip},
		{UnmappedWorkItemType(mapper), domain.OrchestrationContinue},
		{EditEditType(), domain.OrchestrationContinue},
		{ChainOnBackloggedItemType(), domain.OrchestrationContinue},
	}
	for _, r := range regs {
		if err := m.RegisterToolkitConflictType(r.t, r.option); err != nil {
			return err
		}
	}
	return nil
}

// NewEditEditConflict builds an edit/edit conflict whose details are a
// unified diff of the two sides.
func NewEditEditConflict(a *changegroup.Action, itemID, ours, theirs string) (*Conflict, error) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ours),
		B:        difflib.SplitLines(theirs),
		FromFile: "source/" + itemID,
		ToFile:   "target/" + itemID,
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", itemID, err)
	}
	c := &Conflict{
		Type:    EditEditType(),
		Scope:   itemID,
		ItemID:  itemID,
		Details: strings.TrimRight(diff, "\n"),
		Action:  a,
	}
	if a != nil {
		c.Group = a.Group()
	}
	return c, nil
}

// NewGenericConflict wraps a runtime error as a generic conflict.
func NewGenericConflict(err error) *Conflict {
	return &Conflict{
		Type:    GenericType(),
		Scope:   "/",
		Details: err.Error(),
	}
}
