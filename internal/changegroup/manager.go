// Package changegroup models change groups and their actions, and manages
// their persistence and paging for one migration source.
package changegroup

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

const (
	DefaultPagedThreshold  = 1000
	DefaultInsertBatchSize = 1000
	DefaultActionPageSize  = 100000
)

// Options tunes paging. Zero values take the defaults.
type Options struct {
	PagedThreshold  int
	InsertBatchSize int
	ActionPageSize  int
	Logger          *log.Logger
}

func (o Options) withDefaults() Options {
	if o.PagedThreshold <= 0 {
		o.PagedThreshold = DefaultPagedThreshold
	}
	if o.InsertBatchSize <= 0 {
		o.InsertBatchSize = DefaultInsertBatchSize
	}
	if o.ActionPageSize <= 0 {
		o.ActionPageSize = DefaultActionPageSize
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// SaveInterceptor observes group saves.
type SaveInterceptor interface {
	BeforeSave(g *Group)
	AfterSave(g *Group)
}

// InterceptorFuncs adapts plain functions to SaveInterceptor. Nil fields are skipped.
type InterceptorFuncs struct {
	Before func(g *Group)
	After  func(g *Group)
}

func (f InterceptorFuncs) BeforeSave(g *Group) {
	if f.Before != nil {
		f.Before(g)
	}
}

func (f InterceptorFuncs) AfterSave(g *Group) {
	if f.After != nil {
		f.After(g)
	}
}

// Manager owns the store interaction for the change groups of one
// migration source in one session.
type Manager struct {
	store     *store.Store
	sessionID uuid.UUID
	sourceID  uuid.UUID
	otherSide *Manager
	opts      Options
	logger    *log.Logger

	serializers       map[uuid.UUID]Serializer
	defaultSerializer Serializer
	interceptors      []SaveInterceptor
}

// NewManager creates a manager for sourceID within sessionID.
func NewManager(st *store.Store, sessionID, sourceID uuid.UUID, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:             st,
		sessionID:         sessionID,
		sourceID:          sourceID,
		opts:              opts,
		logger:            opts.Logger,
		serializers:       make(map[uuid.UUID]Serializer),
		defaultSerializer: RawSerializer{},
	}
}

func (m *Manager) SessionID() uuid.UUID { return m.sessionID }
func (m *Manager) SourceID() uuid.UUID  { return m.sourceID }
func (m *Manager) Store() *store.Store  { return m.store }

// OtherSide returns the manager of the peer source, if linked.
func (m *Manager) OtherSide() *Manager { return m.otherSide }

// Link pairs two managers so each can deserialize the other's items.
func Link(a, b *Manager) {
	a.otherSide = b
	b.otherSide = a
}

// AddInterceptor registers a save interceptor. Interceptors run in
// registration order.
func (m *Manager) AddInterceptor(i SaveInterceptor) {
	m.interceptors = append(m.interceptors, i)
}

func (m *Manager) preSave(g *Group) {
	for _, i := range m.interceptors {
		i.BeforeSave(g)
	}
}

func (m *Manager) postSave(g *Group) {
	for _, i := range m.interceptors {
		i.AfterSave(g)
	}
}

// Create returns a new instruction-table group.
func (m *Manager) Create(name string) *Group {
	return newGroup(m, name, domain.StatusAnalysisMigrationInstruction)
}

// CreateForDeltaTable returns a new delta-table group.
func (m *Manager) CreateForDeltaTable(name string) *Group {
	return newGroup(m, name, domain.StatusDelta)
}

// CreateForMigrationInstructionTable returns the instruction group that
// reflects delta on this side. Its items were produced by the other side.
func (m *Manager) CreateForMigrationInstructionTable(delta *Group) *Group {
	g := newGroup(m, delta.name, domain.StatusPendingConflictDetection)
	g.owner = delta.owner
	g.comment = delta.comment
	g.changeTime = delta.changeTime
	g.revisionTime = delta.revisionTime
	g.executionOrder = delta.executionOrder
	g.forcedSync = delta.forcedSync
	g.useOtherSide = true
	if delta.persisted {
		id := delta.id
		g.reflectedID = &id
	}
	return g
}

// Load reads a persisted group.
func (m *Manager) Load(id int64) (*Group, error) {
	row, err := m.store.Groups.Get(id)
	if err != nil {
		return nil, err
	}
	return m.realize(row)
}

func (m *Manager) realize(row *store.GroupRow) (*Group, error) {
	n, err := m.store.Groups.CountActions(row.ID)
	if err != nil {
		return nil, err
	}
	owner := m
	if row.SourceID != m.sourceID && m.otherSide != nil && row.SourceID == m.otherSide.sourceID {
		owner = m.otherSide
	}
	return groupFromRow(owner, row, n), nil
}

func (m *Manager) page(f store.GroupFilter, useOtherSide bool) ([]*Group, error) {
	rows, err := m.store.Groups.List(f)
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(rows))
	for _, row := range rows {
		g, err := m.realize(row)
		if err != nil {
			return nil, err
		}
		g.useOtherSide = useOtherSide
		groups = append(groups, g)
	}
	return groups, nil
}

func boolPtr(b bool) *bool { return &b }

// NextDeltaTablePage returns delta entries (Delta or DeltaPending) ordered
// by execution order then id. Processed entries leave these statuses, so
// callers that transition entries re-query page 0.
func (m *Manager) NextDeltaTablePage(pageNumber, pageSize int, includeConflicts bool) ([]*Group, error) {
	f := store.GroupFilter{
		SessionID: m.sessionID,
		SourceID:  m.sourceID,
		Statuses:  []domain.ChangeStatus{domain.StatusDelta, domain.StatusDeltaPending},
		Offset:    pageNumber * pageSize,
		Limit:     pageSize,
	}
	if !includeConflicts {
		f.Backlogged = boolPtr(false)
	}
	return m.page(f, false)
}

// NextMigrationInstructionTablePage returns instruction entries in Pending,
// plus PendingConflictDetection when inConflictDetection is set.
func (m *Manager) NextMigrationInstructionTablePage(pageNumber, pageSize int, inConflictDetection, includeBacklog bool) ([]*Group, error) {
	statuses := []domain.ChangeStatus{domain.StatusPending}
	if inConflictDetection {
		statuses = append(statuses, domain.StatusPendingConflictDetection)
	}
	f := store.GroupFilter{
		SessionID: m.sessionID,
		SourceID:  m.sourceID,
		Statuses:  statuses,
		Offset:    pageNumber * pageSize,
		Limit:     pageSize,
	}
	if !includeBacklog {
		f.Backlogged = boolPtr(false)
	}
	return m.page(f, true)
}

// BatchUpdateStatus persists the in-memory status of every group in one
// transaction. Groups whose status is unchanged are skipped.
func (m *Manager) BatchUpdateStatus(groups []*Group) error {
	changes := make([]store.StatusChange, 0, len(groups))
	for _, g := range groups {
		if !g.persisted {
			return g.unpersistedErr("batch update status")
		}
		if g.status == g.savedStatus {
			continue
		}
		changes = append(changes, store.StatusChange{ID: g.id, From: g.savedStatus, To: g.status})
	}
	if err := m.store.Groups.BatchUpdateStatus(m.sessionID, changes); err != nil {
		return err
	}
	for _, g := range groups {
		g.savedStatus = g.status
	}
	return nil
}

// RemoveIncompleteChangeGroups deletes groups left in ChangeCreationInProgress
// by an interrupted build, together with their actions.
func (m *Manager) RemoveIncompleteChangeGroups() error {
	ids, err := m.store.Groups.RemoveByStatus(m.sessionID, m.sourceID, domain.StatusChangeCreationInProgress)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		m.logger.Info("removed incomplete change groups", "source_id", m.sourceID, "count", len(ids))
	}
	return nil
}

// GetFirstConflictedChangeGroup returns the id of the first backlogged group
// in status, or nil.
func (m *Manager) GetFirstConflictedChangeGroup(status domain.ChangeStatus) (*int64, error) {
	return m.store.Groups.FirstConflicted(m.sessionID, m.sourceID, status)
}

func (m *Manager) transition(from []domain.ChangeStatus, to domain.ChangeStatus) (int, error) {
	n, err := m.store.Groups.Transition(m.sessionID, m.sourceID, from, to)
	return int(n), err
}

// PromoteDeltaToPending moves Delta entries to DeltaPending.
func (m *Manager) PromoteDeltaToPending() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusDelta}, domain.StatusDeltaPending)
}

// PromoteAnalysisToPending moves AnalysisMigrationInstruction entries to Pending.
func (m *Manager) PromoteAnalysisToPending() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusAnalysisMigrationInstruction}, domain.StatusPending)
}

// DemoteInProgressActionsToPending returns InProgress instructions to Pending.
func (m *Manager) DemoteInProgressActionsToPending() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusInProgress}, domain.StatusPending)
}

// BatchMarkDeltaTableEntriesAsDeltaCompleted completes every pending delta entry.
func (m *Manager) BatchMarkDeltaTableEntriesAsDeltaCompleted() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusDelta, domain.StatusDeltaPending}, domain.StatusDeltaComplete)
}

// BatchMarkMigrationInstructionsAsPending releases instructions that passed
// conflict detection.
func (m *Manager) BatchMarkMigrationInstructionsAsPending() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusPendingConflictDetection}, domain.StatusPending)
}

// ObsoleteDeltaTableEntries retires every pending delta entry.
func (m *Manager) ObsoleteDeltaTableEntries() (int, error) {
	return m.transition([]domain.ChangeStatus{domain.StatusDelta, domain.StatusDeltaPending}, domain.StatusObsolete)
}

// RemoveInProgressChangeGroups obsoletes this side's pending delta entries
// and the other side's unfinished instructions.
func (m *Manager) RemoveInProgressChangeGroups() error {
	if _, err := m.ObsoleteDeltaTableEntries(); err != nil {
		return err
	}
	if m.otherSide == nil {
		return nil
	}
	_, err := m.otherSide.transition([]domain.ChangeStatus{
		domain.StatusAnalysisMigrationInstruction,
		domain.StatusPendingConflictDetection,
		domain.StatusPending,
		domain.StatusInProgress,
	}, domain.StatusObsolete)
	return err
}

// NumOfDeltaTableEntries counts pending delta entries that are not backlogged.
func (m *Manager) NumOfDeltaTableEntries() (int, error) {
	return m.store.Groups.Count(store.GroupFilter{
		SessionID:  m.sessionID,
		SourceID:   m.sourceID,
		Statuses:   []domain.ChangeStatus{domain.StatusDelta, domain.StatusDeltaPending},
		Backlogged: boolPtr(false),
	})
}

// GetInProgressMigrationInstructionCount counts instructions not yet applied.
func (m *Manager) GetInProgressMigrationInstructionCount() (int, error) {
	return m.store.Groups.Count(store.GroupFilter{
		SessionID: m.sessionID,
		SourceID:  m.sourceID,
		Statuses: []domain.ChangeStatus{
			domain.StatusInProgress,
			domain.StatusPending,
			domain.StatusPendingConflictDetection,
			domain.StatusAnalysisMigrationInstruction,
		},
	})
}

// LoadSingleAction loads one action and its group.
func (m *Manager) LoadSingleAction(actionID int64) (*Action, error) {
	row, groupRow, err := m.store.Groups.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	g, err := m.realize(groupRow)
	if err != nil {
		return nil, err
	}
	return actionFromRow(g, row, g.serializer(row.Kind), g.itemManager())
}

// DiscardMigrationInstructionAndReactivateDelta obsoletes an instruction and
// returns its delta entry to DeltaPending so it is translated again.
func (m *Manager) DiscardMigrationInstructionAndReactivateDelta(instruction *Group) (*Group, error) {
	if instruction.reflectedID == nil {
		return nil, instruction.contractErr("discard instruction", "instruction has no reflected delta entry")
	}
	if m.otherSide == nil {
		return nil, instruction.contractErr("discard instruction", "manager has no other side")
	}
	delta, err := m.otherSide.Load(*instruction.reflectedID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delta entry of %s: %w", instruction, err)
	}
	instruction.status = domain.StatusObsolete
	delta.status = domain.StatusDeltaPending
	if err := m.BatchUpdateStatus([]*Group{instruction, delta}); err != nil {
		return nil, err
	}
	return delta, nil
}

// ReactivateMigrationInstruction returns an instruction to Pending and
// completes the delta entry that would have replaced it.
func (m *Manager) ReactivateMigrationInstruction(instruction, deltaToObsolete *Group) error {
	instruction.status = domain.StatusPending
	deltaToObsolete.status = domain.StatusDeltaComplete
	return m.BatchUpdateStatus([]*Group{instruction, deltaToObsolete})
}

// GetChangeIdFromConversionHistory returns the change id the group produced
// on this side, if it was recorded.
func (m *Manager) GetChangeIdFromConversionHistory(changeGroupID int64) (string, bool, error) {
	records, err := m.store.Conversions.ListForGroup(changeGroupID)
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 {
		return "", false, nil
	}
	return records[len(records)-1].TargetChangeID, true, nil
}
