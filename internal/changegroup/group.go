package changegroup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

// UnassignedID is the id of a group that has never been written.
const UnassignedID int64 = math.MinInt64

// Group is one durable unit of change and its ordered actions.
//
// A group locks when its first Save completes. After that the scalar
// metadata and the action list are fixed; Status, IsForcedSync and
// UseOtherSideSerializers stay mutable.
//
// Once more than the manager's paged threshold of actions has been added,
// the actions are flushed to the store and read back in pages. Readers see
// the same sequence either way.
type Group struct {
	mgr *Manager

	id             int64
	reflectedID    *int64
	name           string
	owner          string
	comment        string
	sessionID      uuid.UUID
	sourceID       uuid.UUID
	changeTime     time.Time
	revisionTime   *time.Time
	executionOrder int64
	status         domain.ChangeStatus
	savedStatus    domain.ChangeStatus
	backlogged     bool
	forcedSync     bool
	useOtherSide   bool

	persisted bool
	locked    bool
	paged     bool

	// stored actions are in the store and not held in memory; they precede resident.
	stored   int
	resident []*Action
}

func newGroup(m *Manager, name string, status domain.ChangeStatus) *Group {
	return &Group{
		mgr:         m,
		id:          UnassignedID,
		name:        name,
		sessionID:   m.sessionID,
		sourceID:    m.sourceID,
		changeTime:  time.Now().UTC(),
		status:      status,
		savedStatus: domain.StatusUninitialized,
	}
}

func groupFromRow(m *Manager, row *store.GroupRow, actionCount int) *Group {
	return &Group{
		mgr:            m,
		id:             row.ID,
		reflectedID:    row.ReflectedChangeGroupID,
		name:           row.Name,
		owner:          row.Owner,
		comment:        row.Comment,
		sessionID:      row.SessionID,
		sourceID:       row.SourceID,
		changeTime:     row.ChangeTime,
		revisionTime:   row.RevisionTime,
		executionOrder: row.ExecutionOrder,
		status:         row.Status,
		savedStatus:    row.Status,
		backlogged:     row.ContainsBackloggedAction,
		forcedSync:     row.IsForcedSync,
		persisted:      true,
		locked:         true,
		paged:          row.UsePagedActions,
		stored:         actionCount,
	}
}

func (g *Group) ID() int64                         { return g.id }
func (g *Group) ReflectedChangeGroupID() *int64    { return g.reflectedID }
func (g *Group) Name() string                      { return g.name }
func (g *Group) Owner() string                     { return g.owner }
func (g *Group) Comment() string                   { return g.comment }
func (g *Group) SessionID() uuid.UUID              { return g.sessionID }
func (g *Group) SourceID() uuid.UUID               { return g.sourceID }
func (g *Group) ChangeTime() time.Time             { return g.changeTime }
func (g *Group) RevisionTime() *time.Time          { return g.revisionTime }
func (g *Group) ExecutionOrder() int64             { return g.executionOrder }
func (g *Group) Status() domain.ChangeStatus       { return g.status }
func (g *Group) ContainsBackloggedAction() bool    { return g.backlogged }
func (g *Group) IsForcedSync() bool                { return g.forcedSync }
func (g *Group) UseOtherSideSerializers() bool     { return g.useOtherSide }
func (g *Group) IsLocked() bool                    { return g.locked }
func (g *Group) IsPersisted() bool                 { return g.persisted }
func (g *Group) UsePagedActions() bool             { return g.paged }
func (g *Group) Manager() *Manager                 { return g.mgr }
func (g *Group) ActionCount() int                  { return g.stored + len(g.resident) }
func (g *Group) String() string                    { return fmt.Sprintf("change group %d (%s)", g.id, g.name) }
func (g *Group) SetStatus(s domain.ChangeStatus)   { g.status = s }
func (g *Group) SetIsForcedSync(v bool)            { g.forcedSync = v }
func (g *Group) SetUseOtherSideSerializers(v bool) { g.useOtherSide = v }
func (g *Group) lockErr(field string) error        { return &domain.LockedFieldError{Field: field} }
func (g *Group) contractErr(op, msg string) error  { return &domain.ContractError{Op: op, Msg: msg} }
func (g *Group) unpersistedErr(op string) error {
	return g.contractErr(op, g.String()+" is not persisted")
}
func (g *Group) serializer(kind uuid.UUID) Serializer { return g.itemManager().serializerFor(kind) }

func (g *Group) SetName(v string) error {
	if g.locked {
		return g.lockErr("Name")
	}
	g.name = v
	return nil
}

func (g *Group) SetOwner(v string) error {
	if g.locked {
		return g.lockErr("Owner")
	}
	g.owner = v
	return nil
}

func (g *Group) SetComment(v string) error {
	if g.locked {
		return g.lockErr("Comment")
	}
	g.comment = v
	return nil
}

func (g *Group) SetSessionID(v uuid.UUID) error {
	if g.locked {
		return g.lockErr("SessionId")
	}
	g.sessionID = v
	return nil
}

func (g *Group) SetSourceID(v uuid.UUID) error {
	if g.locked {
		return g.lockErr("SourceId")
	}
	g.sourceID = v
	return nil
}

func (g *Group) SetChangeTime(v time.Time) error {
	if g.locked {
		return g.lockErr("ChangeTimeUtc")
	}
	g.changeTime = v.UTC()
	return nil
}

func (g *Group) SetRevisionTime(v *time.Time) error {
	if g.locked {
		return g.lockErr("RevisionTime")
	}
	g.revisionTime = v
	return nil
}

func (g *Group) SetExecutionOrder(v int64) error {
	if g.locked {
		return g.lockErr("ExecutionOrder")
	}
	g.executionOrder = v
	return nil
}

func (g *Group) SetContainsBackloggedAction(v bool) error {
	if g.locked {
		return g.lockErr("ContainsBackloggedAction")
	}
	g.backlogged = v
	return nil
}

func (g *Group) SetReflectedChangeGroupID(v *int64) error {
	if g.locked {
		return g.lockErr("ReflectedChangeGroupId")
	}
	g.reflectedID = v
	return nil
}

// CreateAction appends a new action built from p.
func (g *Group) CreateAction(p ActionParams) (*Action, error) {
	a := &Action{
		Kind:            p.Kind,
		SourceItem:      p.SourceItem,
		FromPath:        p.FromPath,
		Path:            p.Path,
		Version:         p.Version,
		MergeVersionTo:  p.MergeVersionTo,
		ItemTypeRefName: p.ItemTypeRefName,
		Description:     p.Description,
		Order:           -1,
		State:           domain.ActionPending,
	}
	if p.Skipped {
		a.State = domain.ActionSkipped
	}
	if p.Order != nil {
		a.Order = *p.Order
	}
	if err := g.AddAction(a); err != nil {
		return nil, err
	}
	return a, nil
}

// AddAction appends an action built by the caller. A negative Order is
// replaced by the append index.
func (g *Group) AddAction(a *Action) error {
	if g.locked {
		return g.lockErr("Actions")
	}
	if a.group != nil && a.group != g {
		return g.contractErr("add action", fmt.Sprintf("action already belongs to %s", a.group))
	}
	if a.Order < 0 {
		a.Order = g.ActionCount()
	}
	a.group = g
	g.resident = append(g.resident, a)

	if len(g.resident) > g.mgr.opts.PagedThreshold {
		if err := g.flush(context.Background()); err != nil {
			return fmt.Errorf("failed to page actions of %s: %w", g, err)
		}
	}
	return nil
}

// flush writes the resident actions to the store and switches the group to
// paged reads. The first flush writes the header as in-progress so that an
// interrupted build is removed by RemoveIncompleteChangeGroups.
func (g *Group) flush(ctx context.Context) error {
	if g.id == UnassignedID {
		if err := g.insertHeader(domain.StatusChangeCreationInProgress, true); err != nil {
			return err
		}
	}
	if err := g.insertResident(ctx); err != nil {
		return err
	}
	g.paged = true
	g.stored += len(g.resident)
	g.resident = nil
	return nil
}

func (g *Group) insertHeader(status domain.ChangeStatus, paged bool) error {
	row := g.toRow()
	row.Status = status
	row.UsePagedActions = paged
	id, err := g.mgr.store.Groups.CreateGroup(row)
	if err != nil {
		return err
	}
	g.id = id
	return nil
}

func (g *Group) insertResident(ctx context.Context) error {
	if len(g.resident) == 0 {
		return nil
	}
	rows := make([]*store.ActionRow, len(g.resident))
	for i, a := range g.resident {
		row, err := a.toRow(g.serializer(a.Kind))
		if err != nil {
			return fmt.Errorf("failed to serialize action %d of %s: %w", a.Order, g, err)
		}
		rows[i] = row
	}
	if err := g.mgr.store.Groups.InsertActions(ctx, g.id, rows, g.mgr.opts.InsertBatchSize); err != nil {
		return err
	}
	for i, a := range g.resident {
		a.ID = rows[i].ID
	}
	return nil
}

// Save creates the group on first call and updates it afterwards. Save
// interceptors run once before and, when the write succeeds, once after.
func (g *Group) Save(ctx context.Context) error {
	g.mgr.preSave(g)

	var err error
	if g.persisted {
		err = g.update()
	} else {
		err = g.create(ctx)
	}
	if err != nil {
		return err
	}

	g.mgr.postSave(g)
	return nil
}

func (g *Group) create(ctx context.Context) error {
	finalize := true
	if g.id == UnassignedID {
		initial := g.status
		if len(g.resident) > 0 {
			initial = domain.StatusChangeCreationInProgress
		} else {
			finalize = false
		}
		if err := g.insertHeader(initial, false); err != nil {
			return err
		}
	}
	if err := g.insertResident(ctx); err != nil {
		return err
	}
	if finalize {
		row := g.toRow()
		row.UsePagedActions = g.paged
		if err := g.mgr.store.Groups.UpdateGroup(row); err != nil {
			return err
		}
	}

	g.savedStatus = g.status
	g.persisted = true
	g.locked = true
	if g.paged {
		g.stored += len(g.resident)
		g.resident = nil
	}
	g.mgr.logger.Debug("change group created", "change_group_id", g.id, "name", g.name, "status", g.status, "actions", g.ActionCount())
	return nil
}

func (g *Group) update() error {
	row := g.toRow()
	row.UsePagedActions = g.paged
	if err := g.mgr.store.Groups.UpdateGroup(row); err != nil {
		return err
	}
	g.savedStatus = g.status

	if len(g.resident) == 0 {
		return nil
	}
	rows := make([]*store.ActionRow, 0, len(g.resident))
	for _, a := range g.resident {
		r, err := a.toRow(g.serializer(a.Kind))
		if err != nil {
			return fmt.Errorf("failed to serialize action %d of %s: %w", a.Order, g, err)
		}
		rows = append(rows, r)
	}
	return g.mgr.store.Groups.UpdateActions(rows)
}

// SaveAction persists one action of a persisted group.
func (g *Group) SaveAction(a *Action) error {
	if !g.persisted {
		return g.unpersistedErr("save action")
	}
	if a.group != g {
		return g.contractErr("save action", fmt.Sprintf("action does not belong to %s", g))
	}
	if !a.IsPersisted() {
		return g.contractErr("save action", "action has no durable id")
	}
	row, err := a.toRow(g.serializer(a.Kind))
	if err != nil {
		return fmt.Errorf("failed to serialize action %d of %s: %w", a.ID, g, err)
	}
	return g.mgr.store.Groups.UpdateActions([]*store.ActionRow{row})
}

// Complete marks the group and every action complete in one transaction.
func (g *Group) Complete() error {
	if !g.persisted {
		return g.unpersistedErr("complete")
	}
	if err := g.mgr.store.Groups.CompleteGroup(g.sessionID, g.id, g.savedStatus); err != nil {
		return err
	}
	for _, a := range g.resident {
		a.State = domain.ActionComplete
	}
	g.status = domain.StatusComplete
	g.savedStatus = domain.StatusComplete
	return nil
}

// UpdateStatus sets and persists the status. It does nothing when the
// stored status is already s, whatever SetStatus left in memory.
func (g *Group) UpdateStatus(s domain.ChangeStatus) error {
	if g.persisted {
		if g.savedStatus == s {
			g.status = s
			return nil
		}
		change := store.StatusChange{ID: g.id, From: g.savedStatus, To: s}
		if err := g.mgr.store.Groups.UpdateStatus(g.sessionID, change); err != nil {
			return err
		}
		g.savedStatus = s
	}
	g.status = s
	return nil
}

// MarkBacklogged flags the group as holding a backlogged action. Unlike the
// locked setter it also applies to persisted groups.
func (g *Group) MarkBacklogged() error {
	if g.persisted {
		if err := g.mgr.store.Groups.MarkBacklogged(g.id, true); err != nil {
			return err
		}
	}
	g.backlogged = true
	return nil
}

// RangeActions calls fn for each action in order until fn returns false.
// Actions of a paged group are read from the store on every call, so
// changes to them must be written back with SaveAction.
func (g *Group) RangeActions(fn func(*Action) bool) error {
	if g.stored > 0 && !g.paged {
		if err := g.loadResident(); err != nil {
			return err
		}
	}

	if g.stored > 0 {
		pageSize := g.mgr.opts.ActionPageSize
		for offset := 0; offset < g.stored; offset += pageSize {
			rows, err := g.mgr.store.Groups.LoadActions(g.id, offset, pageSize)
			if err != nil {
				return err
			}
			for _, row := range rows {
				a, err := actionFromRow(g, row, g.serializer(row.Kind), g.itemManager())
				if err != nil {
					return fmt.Errorf("failed to load action %d of %s: %w", row.ID, g, err)
				}
				if !fn(a) {
					return nil
				}
			}
			if len(rows) < pageSize {
				break
			}
		}
	}

	for _, a := range g.resident {
		if !fn(a) {
			return nil
		}
	}
	return nil
}

// Actions returns every action in order.
func (g *Group) Actions() ([]*Action, error) {
	out := make([]*Action, 0, g.ActionCount())
	err := g.RangeActions(func(a *Action) bool {
		out = append(out, a)
		return true
	})
	return out, err
}

func (g *Group) loadResident() error {
	rows, err := g.mgr.store.Groups.LoadActions(g.id, 0, 0)
	if err != nil {
		return err
	}
	loaded := make([]*Action, 0, len(rows))
	for _, row := range rows {
		a, err := actionFromRow(g, row, g.serializer(row.Kind), g.itemManager())
		if err != nil {
			return fmt.Errorf("failed to load action %d of %s: %w", row.ID, g, err)
		}
		loaded = append(loaded, a)
	}
	g.resident = append(loaded, g.resident...)
	g.stored = 0
	return nil
}

// itemManager is the manager whose serializers own this group's items.
func (g *Group) itemManager() *Manager {
	if g.useOtherSide && g.mgr.otherSide != nil {
		return g.mgr.otherSide
	}
	return g.mgr
}

func (g *Group) toRow() *store.GroupRow {
	return &store.GroupRow{
		ID:                       g.id,
		SessionID:                g.sessionID,
		SourceID:                 g.sourceID,
		Name:                     g.name,
		ExecutionOrder:           g.executionOrder,
		Owner:                    g.owner,
		Comment:                  g.comment,
		ChangeTime:               g.changeTime,
		RevisionTime:             g.revisionTime,
		Status:                   g.status,
		ReflectedChangeGroupID:   g.reflectedID,
		ContainsBackloggedAction: g.backlogged,
		IsForcedSync:             g.forcedSync,
		UsePagedActions:          g.paged,
	}
}

// ItemPair links an item migrated from the other side to the item it
// produced on this side.
type ItemPair struct {
	SourceItemID      string
	SourceItemVersion string
	TargetItemID      string
	TargetItemVersion string
}

// ConversionResult is what a migration provider reports after applying a group.
type ConversionResult struct {
	ChangeID string
	Comment  string
	Items    []ItemPair
}

// UpdateConversionHistory records which change this instruction group
// produced on its side and which items it paired.
func (g *Group) UpdateConversionHistory(result ConversionResult) error {
	if !g.persisted {
		return g.unpersistedErr("update conversion history")
	}
	if g.mgr.otherSide == nil {
		return g.contractErr("update conversion history", "manager has no other side")
	}
	id := g.id
	rec := &store.ConversionRecord{
		SessionID:              g.sessionID,
		SourceID:               g.sourceID,
		ChangeGroupID:          &id,
		ReflectedChangeGroupID: g.reflectedID,
		SourceChangeID:         g.name,
		TargetChangeID:         result.ChangeID,
		Comment:                result.Comment,
	}
	for _, p := range result.Items {
		rec.Pairs = append(rec.Pairs, store.ItemRevisionPair{
			ItemID:          p.TargetItemID,
			ItemVersion:     p.TargetItemVersion,
			PeerSourceID:    g.mgr.otherSide.sourceID,
			PeerItemID:      p.SourceItemID,
			PeerItemVersion: p.SourceItemVersion,
		})
	}
	return g.mgr.store.Conversions.Record(rec)
}
