// Package analysis drives analysis passes: delta generation, translation of
// deltas into migration instructions, and conflict detection.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/bulk"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/errormgr"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/translation"
)

const (
	DefaultPageSize           = 50
	DefaultForceSyncBatchSize = 100
)

// Options configures an Engine.
type Options struct {
	PageSize           int
	ForceSyncBatchSize int
	// StopOnBasicConflict skips instruction generation while either side
	// has a backlogged entry.
	StopOnBasicConflict bool
	Logger              *log.Logger
}

// SideConfig registers one migration source with the engine.
type SideConfig struct {
	SourceID     uuid.UUID
	ChangeGroups *changegroup.Service
	Conflicts    *conflict.Manager
	Provider     AnalysisProvider
	// Handlers defaults to a registry with copy handlers for every
	// well-known action kind.
	Handlers       *HandlerRegistry
	ForceSyncItems []string
}

type side struct {
	id        uuid.UUID
	groups    *changegroup.Service
	conflicts *conflict.Manager
	provider  AnalysisProvider
	handlers  *HandlerRegistry
	services  *Services

	forceMu   sync.Mutex
	forceSync []string
}

// Engine runs analysis for the migration sources of one session. Each call
// works on a single source pair on the caller's goroutine.
type Engine struct {
	store       *store.Store
	sessionID   uuid.UUID
	controller  *Controller
	translation translation.Service
	errors      *errormgr.Manager
	opts        Options
	logger      *log.Logger

	sides  map[uuid.UUID]*side
	addins []Addin
}

// NewEngine creates an engine. A nil controller gets a private one.
func NewEngine(st *store.Store, sessionID uuid.UUID, tr translation.Service, em *errormgr.Manager, ctrl *Controller, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ForceSyncBatchSize <= 0 {
		opts.ForceSyncBatchSize = DefaultForceSyncBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if ctrl == nil {
		ctrl = NewController()
	}
	if em != nil {
		em.SetStopFunc(ctrl.OnErrorStop)
	}
	return &Engine{
		store:       st,
		sessionID:   sessionID,
		controller:  ctrl,
		translation: tr,
		errors:      em,
		opts:        opts,
		logger:      logger,
		sides:       make(map[uuid.UUID]*side),
	}
}

func (e *Engine) Controller() *Controller { return e.controller }

// StopRequested reports whether the session was stopped or paused.
func (e *Engine) StopRequested() bool { return e.controller.StopRequested() }

// AddSide registers a migration source. Built-in conflict types are
// registered on its conflict manager unless already present.
func (e *Engine) AddSide(cfg SideConfig) error {
	if err := domain.ValidateSourceID(cfg.SourceID); err != nil {
		return err
	}
	if cfg.ChangeGroups == nil || cfg.Conflicts == nil || cfg.Provider == nil {
		return &domain.ContractError{Op: "add side", Msg: "change groups, conflicts and provider are required"}
	}
	if _, ok := e.sides[cfg.SourceID]; ok {
		return &domain.ContractError{Op: "add side", Msg: fmt.Sprintf("source %s is already registered", cfg.SourceID)}
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = NewHandlerRegistry()
		handlers.RegisterCopyHandlers(
			domain.ActionAdd, domain.ActionEdit, domain.ActionDelete, domain.ActionRename,
			domain.ActionUndelete, domain.ActionBranch, domain.ActionMerge, domain.ActionBranchMerge,
			domain.ActionLabel, domain.ActionEncoding, domain.ActionAddAttachment, domain.ActionDelAttachment,
		)
	}

	if _, ok := cfg.Conflicts.RegisteredType(conflict.GenericRef); !ok {
		mapper, _ := e.translation.(conflict.TypeMapper)
		if err := conflict.RegisterBuiltins(cfg.Conflicts, mapper); err != nil {
			return err
		}
	}
	cfg.Conflicts.SetStopFunc(e.controller.OnConflictStop)

	s := &side{
		id:        cfg.SourceID,
		groups:    cfg.ChangeGroups,
		conflicts: cfg.Conflicts,
		provider:  cfg.Provider,
		handlers:  handlers,
		forceSync: append([]string(nil), cfg.ForceSyncItems...),
	}
	s.services = &Services{
		SourceID:     cfg.SourceID,
		Store:        e.store,
		ChangeGroups: cfg.ChangeGroups,
		Conflicts:    cfg.Conflicts,
		Handlers:     handlers,
		Translation:  e.translation,
		Logger:       e.logger.With("source_id", cfg.SourceID),
	}
	e.sides[cfg.SourceID] = s
	return nil
}

// AddAddin appends an addin. Addins run in registration order.
func (e *Engine) AddAddin(a Addin) { e.addins = append(e.addins, a) }

// SetSessionSource installs the change group saving addins on the save path
// of sourceID, the session's designated source side.
func (e *Engine) SetSessionSource(sourceID uuid.UUID) error {
	s, err := e.side(sourceID)
	if err != nil {
		return err
	}
	s.groups.AddInterceptor(saveHook{e: e, sourceID: sourceID})
	return nil
}

// RequestForceSync queues item ids to be re-emitted by the next delta
// generation of sourceID.
func (e *Engine) RequestForceSync(sourceID uuid.UUID, itemIDs ...string) error {
	s, err := e.side(sourceID)
	if err != nil {
		return err
	}
	s.forceMu.Lock()
	defer s.forceMu.Unlock()
	s.forceSync = append(s.forceSync, itemIDs...)
	return nil
}

func (e *Engine) side(id uuid.UUID) (*side, error) {
	s, ok := e.sides[id]
	if !ok {
		return nil, &domain.ContractError{Op: "analysis", Msg: fmt.Sprintf("source %s is not registered", id)}
	}
	return s, nil
}

// peer returns the side linked to s through its change group manager.
func (e *Engine) peer(s *side) (*side, error) {
	other := s.groups.Manager().OtherSide()
	if other == nil {
		return nil, &domain.ContractError{Op: "analysis", Msg: fmt.Sprintf("source %s has no peer", s.id)}
	}
	return e.side(other.SourceID())
}

// InitializeProviders hands each provider its services and lets it register
// conflict types.
func (e *Engine) InitializeProviders() error {
	for _, s := range e.sides {
		if err := s.provider.InitializeServices(s.services); err != nil {
			return fmt.Errorf("failed to initialize provider of %s: %w", s.id, err)
		}
		if err := s.provider.RegisterConflictTypes(s.conflicts); err != nil {
			return fmt.Errorf("failed to register conflict types of %s: %w", s.id, err)
		}
	}
	return nil
}

// handleError routes err to the error manager paired with the conflict
// manager of sourceID.
func (e *Engine) handleError(err error, sourceID uuid.UUID) {
	var cm *conflict.Manager
	if s, ok := e.sides[sourceID]; ok {
		cm = s.conflicts
	}
	if e.errors == nil {
		e.logger.Error("analysis error", "source_id", sourceID, "err", err)
		return
	}
	e.errors.TryHandleException(err, cm)
}

// funnel routes an error from a public entry point. Unresolved conflicts
// were already recorded and stops are expected.
func (e *Engine) funnel(err error, sourceID uuid.UUID) {
	switch {
	case err == nil:
	case domain.IsUnresolvedConflict(err):
		e.logger.Debug("pass ended on unresolved conflict", "source_id", sourceID, "err", err)
	case errors.Is(err, domain.ErrSessionStopped):
		e.logger.Info("pass stopped", "source_id", sourceID)
	default:
		e.handleError(err, sourceID)
	}
}

// GenerateContextInfoTables lets the provider of sourceID gather metadata.
func (e *Engine) GenerateContextInfoTables(ctx context.Context, sourceID uuid.UUID) {
	s, err := e.side(sourceID)
	if err != nil {
		e.handleError(err, sourceID)
		return
	}
	if p, ok := s.provider.(ContextInfoProvider); ok {
		e.funnel(p.GenerateContextInfoTable(ctx), sourceID)
	}
}

// GenerateDeltaTables removes partially written groups of sourceID, asks
// its provider for new deltas, runs queued force syncs and promotes the new
// entries to DeltaPending.
func (e *Engine) GenerateDeltaTables(ctx context.Context, sourceID uuid.UUID) {
	s, err := e.side(sourceID)
	if err != nil {
		e.handleError(err, sourceID)
		return
	}
	e.funnel(e.generateDeltaTables(ctx, s), sourceID)
}

func (e *Engine) generateDeltaTables(ctx context.Context, s *side) error {
	if err := s.groups.RemoveIncompleteChangeGroups(); err != nil {
		return err
	}
	e.logger.Info("generating delta table", "source_id", s.id)
	if err := s.provider.GenerateDeltaTable(ctx); err != nil {
		return err
	}
	if err := e.forceSync(ctx, s); err != nil {
		return err
	}
	n, err := s.groups.PromoteDeltaToPending()
	if err != nil {
		return err
	}
	e.logger.Debug("delta entries promoted", "source_id", s.id, "count", n)
	return nil
}

func (e *Engine) forceSync(ctx context.Context, s *side) error {
	fs, ok := s.provider.(ForceSyncProvider)
	if !ok {
		return nil
	}
	s.forceMu.Lock()
	items := s.forceSync
	s.forceSync = nil
	s.forceMu.Unlock()
	if len(items) == 0 {
		return nil
	}

	e.logger.Info("force sync", "source_id", s.id, "items", len(items))
	res := bulk.Execute(ctx, bulk.Operation{
		BatchSize:       e.opts.ForceSyncBatchSize,
		Ordered:         true,
		ContinueOnError: true,
	}, items, func(ctx context.Context, batch []string) error {
		return fs.GenerateDeltaTableForForceSync(ctx, batch)
	})
	for _, be := range res.Errors {
		if domain.IsUnresolvedConflict(be.Err) {
			continue
		}
		e.handleError(be, s.id)
	}
	return nil
}

// GenerateMigrationInstructions translates the peer's pending delta entries
// into instruction groups of targetID, then runs conflict detection and
// releases the new instructions as Pending. It returns
// domain.ErrSessionStopped when the pass ended early on a stop or pause.
func (e *Engine) GenerateMigrationInstructions(ctx context.Context, targetID uuid.UUID) error {
	tgt, err := e.side(targetID)
	if err != nil {
		return err
	}
	src, err := e.peer(tgt)
	if err != nil {
		return err
	}
	err = e.generateMigrationInstructions(ctx, src, tgt)
	e.funnel(err, targetID)
	if errors.Is(err, domain.ErrSessionStopped) {
		return err
	}
	return nil
}

func (e *Engine) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.controller.StopRequested() {
		return domain.ErrSessionStopped
	}
	return nil
}

func (e *Engine) generateMigrationInstructions(ctx context.Context, src, tgt *side) error {
	if e.opts.StopOnBasicConflict {
		if id, err := src.groups.GetFirstConflictedChangeGroup(domain.StatusDeltaPending); err != nil || id != nil {
			if id != nil {
				e.logger.Info("delta table has a conflicted entry", "source_id", src.id, "change_group_id", *id)
			}
			return err
		}
		if id, err := tgt.groups.GetFirstConflictedChangeGroup(domain.StatusPending); err != nil || id != nil {
			if id != nil {
				e.logger.Info("instruction table has a conflicted entry", "source_id", tgt.id, "change_group_id", *id)
			}
			return err
		}
	}

	for {
		// Processed entries leave the delta table, so page 0 is always next.
		page, err := src.groups.NextDeltaTablePage(0, e.opts.PageSize, false)
		if err != nil {
			return err
		}
		for _, delta := range page {
			e.logger.Info("generating migration instruction", "change_group_id", delta.ID())
			if err := e.processDeltaEntry(ctx, src, tgt, delta); err != nil {
				return err
			}
			if err := e.checkStop(ctx); err != nil {
				return err
			}
		}
		if len(page) < e.opts.PageSize {
			break
		}
	}

	if err := e.detectBasicConflicts(ctx, tgt); err != nil {
		return err
	}
	if err := e.checkStop(ctx); err != nil {
		return err
	}
	if err := e.providerDetectConflicts(ctx, tgt); err != nil {
		return err
	}
	if err := e.checkStop(ctx); err != nil {
		return err
	}
	n, err := tgt.groups.BatchMarkMigrationInstructionsAsPending()
	if err != nil {
		return err
	}
	e.logger.Info("migration instructions pending", "source_id", tgt.id, "count", n)
	return nil
}

func (e *Engine) processDeltaEntry(ctx context.Context, src, tgt *side, delta *changegroup.Group) error {
	instr := tgt.groups.CreateChangeGroupForMigrationInstructionTable(delta)

	var loopErr error
	err := delta.RangeActions(func(a *changegroup.Action) bool {
		if a.State == domain.ActionSkipped {
			return true
		}
		translated, skipped, err := e.translate(src, a)
		if err != nil {
			loopErr = err
			return false
		}
		if skipped || delta.ContainsBackloggedAction() {
			return true
		}
		handler, ok := tgt.handlers.Lookup(translated.Kind, translated.ItemTypeRefName)
		if !ok {
			loopErr = &domain.MigrationError{Msg: fmt.Sprintf("no change action handler for %s on %q (source %s)",
				domain.ActionName(translated.Kind), translated.ItemTypeRefName, tgt.id)}
			return false
		}
		if err := handler(translated, instr); err != nil {
			if domain.IsUnresolvedConflict(err) {
				loopErr = err
				return false
			}
			e.handleError(err, tgt.id)
		}
		return true
	})
	if err != nil {
		return err
	}
	if loopErr != nil {
		return loopErr
	}

	if instr.ContainsBackloggedAction() || instr.ActionCount() == 0 {
		return delta.UpdateStatus(domain.StatusDeltaComplete)
	}

	status := instr.Status()
	instr.SetStatus(domain.StatusChangeCreationInProgress)
	if err := instr.SetOwner(delta.Owner()); err != nil {
		return err
	}
	if err := instr.Save(ctx); err != nil {
		return err
	}
	instr.SetStatus(status)
	delta.SetStatus(domain.StatusDeltaComplete)
	return tgt.groups.Manager().BatchUpdateStatus([]*changegroup.Group{instr, delta})
}

// translate returns a translated copy of a. It reports skipped when an
// unmapped work item type left the action Skipped.
func (e *Engine) translate(src *side, a *changegroup.Action) (*changegroup.Action, bool, error) {
	cp := *a
	if e.translation == nil {
		return &cp, false, nil
	}
	err := e.translation.Translate(&cp, src.id)
	if err == nil {
		return &cp, false, nil
	}
	var unmapped *translation.UnmappedWorkItemTypeError
	if !errors.As(err, &unmapped) {
		return nil, false, err
	}

	t, ok := src.conflicts.RegisteredType(conflict.UnmappedWorkItemTypeRef)
	if !ok {
		t = conflict.UnmappedWorkItemType(nil)
	}
	c := &conflict.Conflict{
		Type:    t,
		Scope:   unmapped.SourceType,
		ItemID:  a.Path,
		Details: unmapped.Error(),
		Group:   a.Group(),
		Action:  a,
	}
	res, err := src.conflicts.TryResolveNewConflict(c)
	if err != nil {
		return nil, false, err
	}
	if res.Resolved && res.ResolutionType == domain.ResolutionChangeMappingInConfiguration {
		cp = *a
		if err := e.translation.Translate(&cp, src.id); err != nil {
			return nil, false, err
		}
		return &cp, false, nil
	}

	a.State = domain.ActionSkipped
	if err := a.Group().SaveAction(a); err != nil {
		return nil, false, err
	}
	e.logger.Info("action skipped", "change_action_id", a.ID, "work_item_type", unmapped.SourceType, "resolved", res.Resolved)
	return nil, true, nil
}

// providerDetectConflicts runs the target provider over new instructions.
func (e *Engine) providerDetectConflicts(ctx context.Context, tgt *side) error {
	return e.rangeNewInstructions(ctx, tgt, func(g *changegroup.Group) error {
		if err := tgt.provider.DetectConflicts(ctx, g); err != nil {
			if domain.IsUnresolvedConflict(err) {
				return err
			}
			e.handleError(err, tgt.id)
		}
		return nil
	})
}

// rangeNewInstructions calls fn for each non-backlogged instruction of tgt
// still in PendingConflictDetection. Backlogged entries stay in the page
// query so that backlogging during the walk does not shift pages.
func (e *Engine) rangeNewInstructions(ctx context.Context, tgt *side, fn func(g *changegroup.Group) error) error {
	for pageNumber := 0; ; pageNumber++ {
		page, err := tgt.groups.NextMigrationInstructionTablePage(pageNumber, e.opts.PageSize, true, true)
		if err != nil {
			return err
		}
		for _, g := range page {
			if g.Status() != domain.StatusPendingConflictDetection || g.ContainsBackloggedAction() {
				continue
			}
			if err := fn(g); err != nil {
				return err
			}
			if err := e.checkStop(ctx); err != nil {
				return err
			}
		}
		if len(page) < e.opts.PageSize {
			return nil
		}
	}
}

// PostProcessDeltaTableEntries completes the target's own delta entries in
// a uni-directional session, where they are never read.
func (e *Engine) PostProcessDeltaTableEntries(targetID uuid.UUID, bidirectional bool) {
	if bidirectional {
		return
	}
	s, err := e.side(targetID)
	if err != nil {
		e.handleError(err, targetID)
		return
	}
	n, err := s.groups.BatchMarkDeltaTableEntriesAsDeltaCompleted()
	if err != nil {
		e.handleError(err, targetID)
		return
	}
	e.logger.Debug("target delta entries completed", "source_id", targetID, "count", n)
}

// RunTrip runs one analysis trip from sourceID to targetID. It returns
// domain.ErrSessionStopped when the session was stopped or paused.
func (e *Engine) RunTrip(ctx context.Context, sourceID, targetID uuid.UUID, bidirectional bool) error {
	if _, err := e.side(sourceID); err != nil {
		return err
	}
	if _, err := e.side(targetID); err != nil {
		return err
	}
	e.controller.BeginTrip()
	if err := e.checkStop(ctx); err != nil {
		return err
	}

	e.InvokePreAnalysisAddins(sourceID)
	if !e.InvokeProceedToAnalysisOnAnalysisAddins(sourceID) {
		return nil
	}

	for _, id := range []uuid.UUID{sourceID, targetID} {
		e.GenerateContextInfoTables(ctx, id)
		e.GenerateDeltaTables(ctx, id)
		e.InvokePostDeltaComputationAddins(id)
		if err := e.checkStop(ctx); err != nil {
			return err
		}
	}

	if err := e.GenerateMigrationInstructions(ctx, targetID); err != nil {
		return err
	}
	e.PostProcessDeltaTableEntries(targetID, bidirectional)
	e.InvokePostAnalysisAddins(sourceID)
	return e.checkStop(ctx)
}
