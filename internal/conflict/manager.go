package conflict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

const (
	reasonNoRule         = "Cannot find applicable resolution rule."
	reasonUnrecognized   = "Unrecognized conflict type"
	reasonManualResolved = "resolved by operator"
)

// Notifier is told about every conflict left unresolved.
type Notifier interface {
	NotifyUnresolved(c *domain.Conflict)
}

// StopFunc is called when an unresolved conflict's type asks the session
// to stop.
type StopFunc func(option domain.SyncOrchestrationOption, c *domain.Conflict)

type registration struct {
	t       *Type
	option  domain.SyncOrchestrationOption
	toolkit bool
}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	Logger   *log.Logger
	Notifier Notifier
	OnStop   StopFunc
	// Groups loads the conflicted action for operator resolutions.
	Groups *changegroup.Manager
}

// Manager is the conflict manager of one migration source in a session.
type Manager struct {
	mu sync.Mutex

	store     *store.Store
	sessionID uuid.UUID
	sourceID  uuid.UUID
	types     map[uuid.UUID]*registration
	logger    *log.Logger
	notifier  Notifier
	onStop    StopFunc
	groups    *changegroup.Manager
}

// NewManager creates a conflict manager for sourceID.
func NewManager(st *store.Store, sessionID, sourceID uuid.UUID, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:     st,
		sessionID: sessionID,
		sourceID:  sourceID,
		types:     make(map[uuid.UUID]*registration),
		logger:    logger,
		notifier:  deps.Notifier,
		onStop:    deps.OnStop,
		groups:    deps.Groups,
	}
}

func (m *Manager) SourceID() uuid.UUID  { return m.sourceID }
func (m *Manager) SessionID() uuid.UUID { return m.sessionID }

// SetStopFunc replaces the session stop callback.
func (m *Manager) SetStopFunc(fn StopFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = fn
}

// RegisterConflictType registers an adapter conflict type.
func (m *Manager) RegisterConflictType(t *Type, option domain.SyncOrchestrationOption) error {
	return m.register(t, option, false)
}

// RegisterToolkitConflictType registers a conflict type defined by the platform.
func (m *Manager) RegisterToolkitConflictType(t *Type, option domain.SyncOrchestrationOption) error {
	return m.register(t, option, true)
}

func (m *Manager) register(t *Type, option domain.SyncOrchestrationOption, toolkit bool) error {
	if t == nil || t.ReferenceName == uuid.Nil || t.Handler == nil {
		return &domain.ContractError{Op: "register conflict type", Msg: "type needs a reference name and a handler"}
	}
	if option == "" {
		option = domain.OrchestrationContinue
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[t.ReferenceName]; ok {
		return &domain.ContractError{
			Op:  "register conflict type",
			Msg: fmt.Sprintf("%s (%s) is already registered", t.FriendlyName, t.ReferenceName),
		}
	}
	m.types[t.ReferenceName] = &registration{t: t, option: option, toolkit: toolkit}
	return nil
}

// RegisteredType returns a registered type by reference name.
func (m *Manager) RegisteredType(ref uuid.UUID) (*Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.types[ref]
	if !ok {
		return nil, false
	}
	return reg.t, true
}

// TypeByKey finds a registered type by its rule-file key.
func (m *Manager) TypeByKey(key string) (*Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.types {
		if reg.t.Key == key {
			return reg.t, true
		}
	}
	return nil, false
}

// Types returns the registered types ordered by key.
func (m *Manager) Types() []*Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Type, 0, len(m.types))
	for _, reg := range m.types {
		out = append(out, reg.t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) registration(ref uuid.UUID) (*registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.types[ref]
	return reg, ok
}

// TryResolveNewConflict records c and applies the first persisted rule of
// its type that the type's handler can apply. When no rule resolves it, the
// conflict stays unresolved in the collection and may backlog its group.
// Result.Resolved reports the outcome; errors are store or handler failures.
func (m *Manager) TryResolveNewConflict(c *Conflict) (Result, error) {
	if c.Type == nil {
		return Result{}, &domain.ContractError{Op: "resolve conflict", Msg: "conflict has no type"}
	}

	reg, ok := m.registration(c.Type.ReferenceName)
	if !ok {
		m.logger.Warn("unrecognized conflict type", "conflict_type", c.Type.ReferenceName, "name", c.Type.FriendlyName)
		if _, err := m.BacklogUnresolvedConflict(c, nil, reasonUnrecognized); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	}

	rules, err := m.store.Conflicts.ListRules(c.Type.ReferenceName)
	if err != nil {
		return Result{}, err
	}
	for _, rule := range rules {
		if !rule.AppliesTo(c.Scope) || !reg.t.Handler.CanResolve(c, rule) {
			continue
		}
		res, err := reg.t.Handler.Resolve(c, rule)
		if err != nil {
			return Result{}, fmt.Errorf("failed to apply rule %d to %s conflict: %w", rule.ID, reg.t.FriendlyName, err)
		}
		if !res.Resolved {
			break
		}
		if err := m.persistResolved(c, rule.ID, res.ResolutionType); err != nil {
			return Result{}, err
		}
		m.logger.Debug("conflict resolved", "conflict_type", reg.t.FriendlyName, "rule_id", rule.ID, "resolution", res.ResolutionType)
		return res, nil
	}

	if _, err := m.BacklogUnresolvedConflict(c, reg, reasonNoRule); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func (m *Manager) newRecord(c *Conflict) *domain.Conflict {
	rec := &domain.Conflict{
		SessionID:        m.sessionID,
		SourceID:         m.sourceID,
		ConflictType:     c.Type.ReferenceName,
		ConflictTypeName: c.Type.FriendlyName,
		ItemID:           c.ItemID,
		Scope:            c.Scope,
		Details:          c.Details,
	}
	if c.Group != nil && c.Group.IsPersisted() {
		id := c.Group.ID()
		rec.ChangeGroupID = &id
	}
	if c.Action != nil && c.Action.IsPersisted() {
		id := c.Action.ID
		rec.ChangeActionID = &id
	}
	return rec
}

func (m *Manager) persistResolved(c *Conflict, ruleID int64, resolution domain.ConflictResolutionType) error {
	rec := m.newRecord(c)
	if err := m.store.Conflicts.Create(rec); err != nil {
		return err
	}
	if err := m.store.Conflicts.MarkResolved(rec, ruleID, resolution); err != nil {
		return err
	}
	c.Record = rec
	return nil
}

// BacklogUnresolvedConflict persists c as unresolved, backlogs its group when
// the type asks for it, notifies and applies the type's orchestration option.
// A nil reg is treated as an unregistered type.
func (m *Manager) BacklogUnresolvedConflict(c *Conflict, reg *registration, reason string) (*domain.Conflict, error) {
	rec := m.newRecord(c)
	if rec.Details == "" {
		rec.Details = reason
	}
	if err := m.store.Conflicts.Create(rec); err != nil {
		return nil, err
	}
	c.Record = rec

	backlog := reg == nil || reg.t.BacklogsGroup
	if backlog && c.Group != nil {
		if err := c.Group.MarkBacklogged(); err != nil {
			return rec, fmt.Errorf("failed to backlog %s: %w", c.Group, err)
		}
	}

	m.logger.Info("conflict unresolved", "conflict_id", rec.ID, "conflict_type", rec.ConflictTypeName, "item", rec.ItemID, "reason", reason)
	if m.notifier != nil {
		m.notifier.NotifyUnresolved(rec)
	}

	if reg != nil && reg.option != domain.OrchestrationContinue {
		m.mu.Lock()
		stop := m.onStop
		m.mu.Unlock()
		if stop != nil {
			stop(reg.option, rec)
		}
	}
	return rec, nil
}

// Unresolved wraps the persisted record of c as an error callers return
// without reporting again.
func Unresolved(c *Conflict) error {
	if c.Record == nil {
		return &domain.UnresolvedConflictError{Reason: c.Type.FriendlyName}
	}
	return &domain.UnresolvedConflictError{ConflictID: c.Record.ID, Reason: c.Record.ConflictTypeName}
}

// SaveNewResolutionRule persists a rule for its conflict type.
func (m *Manager) SaveNewResolutionRule(rule *domain.ResolutionRule) error {
	if _, ok := m.registration(rule.ConflictType); !ok {
		return &domain.ContractError{Op: "save rule", Msg: fmt.Sprintf("conflict type %s is not registered", rule.ConflictType)}
	}
	return m.store.Conflicts.AddRule(rule)
}

// GetPersistedRules returns the rules of a conflict type.
func (m *Manager) GetPersistedRules(ref uuid.UUID) ([]*domain.ResolutionRule, error) {
	return m.store.Conflicts.ListRules(ref)
}

// ResolveExistingConflictWithNewRule saves rule and applies it to a stored conflict.
func (m *Manager) ResolveExistingConflictWithNewRule(conflictID int64, rule *domain.ResolutionRule) (Result, error) {
	rec, reg, err := m.loadUnresolved(conflictID)
	if err != nil {
		return Result{}, err
	}
	rule.ConflictType = rec.ConflictType
	if err := m.store.Conflicts.AddRule(rule); err != nil {
		return Result{}, err
	}
	return m.resolveStored(rec, reg, rule)
}

// ResolveExistingConflictWithExistingRule applies a stored rule to a stored conflict.
func (m *Manager) ResolveExistingConflictWithExistingRule(conflictID, ruleID int64) (Result, error) {
	rec, reg, err := m.loadUnresolved(conflictID)
	if err != nil {
		return Result{}, err
	}
	rule, err := m.store.Conflicts.GetRule(ruleID)
	if err != nil {
		return Result{}, err
	}
	if rule.ConflictType != rec.ConflictType {
		return Result{}, &domain.ContractError{Op: "resolve conflict", Msg: fmt.Sprintf("rule %d belongs to another conflict type", ruleID)}
	}
	return m.resolveStored(rec, reg, rule)
}

func (m *Manager) loadUnresolved(conflictID int64) (*domain.Conflict, *registration, error) {
	rec, err := m.store.Conflicts.Get(conflictID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != domain.ConflictUnresolved {
		return nil, nil, &domain.ContractError{Op: "resolve conflict", Msg: fmt.Sprintf("conflict %d is already resolved", conflictID)}
	}
	reg, ok := m.registration(rec.ConflictType)
	if !ok {
		return nil, nil, &domain.ContractError{Op: "resolve conflict", Msg: fmt.Sprintf("conflict type %s is not registered", rec.ConflictType)}
	}
	return rec, reg, nil
}

func (m *Manager) resolveStored(rec *domain.Conflict, reg *registration, rule *domain.ResolutionRule) (Result, error) {
	c := &Conflict{Type: reg.t, Scope: rec.Scope, ItemID: rec.ItemID, Details: rec.Details, Record: rec}
	if err := m.attachStoredAction(c); err != nil {
		return Result{}, err
	}
	if !reg.t.Handler.CanResolve(c, rule) {
		return Result{}, &domain.ContractError{Op: "resolve conflict", Msg: fmt.Sprintf("rule action %q does not apply to %s", rule.Action, reg.t.FriendlyName)}
	}
	res, err := reg.t.Handler.Resolve(c, rule)
	if err != nil {
		return Result{}, err
	}
	if !res.Resolved {
		return res, nil
	}
	if err := m.store.Conflicts.MarkResolved(rec, rule.ID, res.ResolutionType); err != nil {
		return Result{}, err
	}
	if err := m.applyToStoredAction(rec, res); err != nil {
		return Result{}, err
	}
	if rec.ChangeGroupID != nil {
		open, err := m.store.Conflicts.List(store.ConflictFilter{SessionID: m.sessionID, Status: domain.ConflictUnresolved})
		if err != nil {
			return Result{}, err
		}
		stillBlocked := false
		for _, o := range open {
			if o.ChangeGroupID != nil && *o.ChangeGroupID == *rec.ChangeGroupID {
				stillBlocked = true
				break
			}
		}
		if !stillBlocked {
			if err := m.store.Groups.MarkBacklogged(*rec.ChangeGroupID, false); err != nil {
				return Result{}, err
			}
		}
	}
	m.logger.Info("conflict resolved", "conflict_id", rec.ID, "rule_id", rule.ID, "resolution", res.ResolutionType)
	return res, nil
}

// attachStoredAction loads the group and action a stored conflict points at,
// so handlers see the same Conflict they would during analysis.
func (m *Manager) attachStoredAction(c *Conflict) error {
	rec := c.Record
	if m.groups == nil || rec.ChangeGroupID == nil {
		return nil
	}
	g, err := m.groups.Load(*rec.ChangeGroupID)
	if err != nil {
		return err
	}
	c.Group = g
	if rec.ChangeActionID == nil {
		return nil
	}
	return g.RangeActions(func(a *changegroup.Action) bool {
		if a.ID == *rec.ChangeActionID {
			c.Action = a
			return false
		}
		return true
	})
}

// applyToStoredAction writes the outcome of an operator resolution back to
// the conflicted action: dropped actions are marked skipped and updated
// actions are saved as the handler left them.
func (m *Manager) applyToStoredAction(rec *domain.Conflict, res Result) error {
	switch res.ResolutionType {
	case domain.ResolutionSkipConflictedChangeAction, domain.ResolutionSuppressedConflictedChangeAction:
		if rec.ChangeActionID == nil {
			return nil
		}
		row, _, err := m.store.Groups.GetAction(*rec.ChangeActionID)
		if err != nil {
			return err
		}
		row.State = domain.ActionSkipped
		return m.store.Groups.UpdateActions([]*store.ActionRow{row})
	case domain.ResolutionUpdatedConflictedChangeAction:
		for _, a := range res.Actions {
			g := a.Group()
			if g == nil {
				return &domain.ContractError{Op: "resolve conflict", Msg: fmt.Sprintf("updated action %d has no change group", a.ID)}
			}
			if err := g.SaveAction(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsItemInBacklog reports whether itemID has an unresolved conflict.
func (m *Manager) IsItemInBacklog(itemID string) (bool, error) {
	open, err := m.store.Conflicts.FindUnresolvedForItem(m.sessionID, m.sourceID, itemID)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// DoesSessionHaveUnresolvedConflicts reports whether any conflict of the
// session is unresolved.
func (m *Manager) DoesSessionHaveUnresolvedConflicts() (bool, error) {
	n, err := m.store.Conflicts.CountUnresolved(m.sessionID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
