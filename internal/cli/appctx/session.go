package appctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/adapters/filedrop"
	"github.com/lherron/tfsync/internal/analysis"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/errormgr"
	"github.com/lherron/tfsync/internal/translation"
	"github.com/lherron/tfsync/internal/webhooks"
)

// Session is the assembled pipeline of one configured migration session:
// a file-drop source feeding a file-drop target.
type Session struct {
	ID       uuid.UUID
	SourceID uuid.UUID
	TargetID uuid.UUID

	Engine      *analysis.Engine
	Source      *filedrop.Source
	Target      *filedrop.Target
	Translation *translation.MappingService
	Errors      *errormgr.Manager
	Notifier    *webhooks.Notifier

	groups    map[uuid.UUID]*changegroup.Service
	conflicts map[uuid.UUID]*conflict.Manager
}

// OpenSession wires the analysis engine for the configured session. The
// rules file, when configured, is applied before returning.
func (a *App) OpenSession() (*Session, error) {
	if a.Store == nil {
		return nil, fmt.Errorf("session requires a database")
	}
	cfg := a.Config
	sessionID, sourceID, targetID, err := a.Endpoints()
	if err != nil {
		return nil, err
	}
	if cfg.DropDir == "" || cfg.TargetDir == "" {
		return nil, fmt.Errorf("drop_dir and target_dir must be configured")
	}

	s := &Session{
		ID:        sessionID,
		SourceID:  sourceID,
		TargetID:  targetID,
		Source:    filedrop.NewSource(cfg.DropDir),
		Target:    filedrop.NewTarget(cfg.TargetDir),
		Notifier:  webhooks.NewNotifier(cfg.WebhookURLs, a.Logger),
		groups:    make(map[uuid.UUID]*changegroup.Service),
		conflicts: make(map[uuid.UUID]*conflict.Manager),
	}

	s.Translation = translation.NewMappingService(a.Store, sessionID, sourceID, targetID, translation.Options{
		TypeMap: cfg.WorkItemTypeMap,
		Logger:  a.Logger,
	})
	s.Errors, err = errormgr.New(cfg.ErrorPolicies, errormgr.Deps{Logger: a.Logger})
	if err != nil {
		return nil, err
	}
	s.Engine = analysis.NewEngine(a.Store, sessionID, s.Translation, s.Errors, nil, analysis.Options{
		PageSize:            cfg.PageSize,
		ForceSyncBatchSize:  cfg.ForceSyncBatchSize,
		StopOnBasicConflict: cfg.StopOnBasicConflict,
		Logger:              a.Logger,
	})

	mgrOpts := changegroup.Options{
		PagedThreshold:  cfg.PagedActionsThreshold,
		InsertBatchSize: cfg.InsertBatchSize,
		ActionPageSize:  cfg.ActionPageSize,
		Logger:          a.Logger,
	}
	srcMgr := changegroup.NewManager(a.Store, sessionID, sourceID, mgrOpts)
	tgtMgr := changegroup.NewManager(a.Store, sessionID, targetID, mgrOpts)
	changegroup.Link(srcMgr, tgtMgr)

	sides := []struct {
		id       uuid.UUID
		mgr      *changegroup.Manager
		provider analysis.AnalysisProvider
	}{
		{sourceID, srcMgr, s.Source},
		{targetID, tgtMgr, s.Target},
	}
	for _, side := range sides {
		svc := changegroup.NewService(side.mgr, cfg.MaxGroupTimeSpan)
		cm := conflict.NewManager(a.Store, sessionID, side.id, conflict.Deps{
			Logger:   a.Logger,
			Notifier: s.Notifier,
			Groups:   side.mgr,
		})
		s.groups[side.id] = svc
		s.conflicts[side.id] = cm
		if err := s.Engine.AddSide(analysis.SideConfig{
			SourceID:     side.id,
			ChangeGroups: svc,
			Conflicts:    cm,
			Provider:     side.provider,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.Engine.SetSessionSource(sourceID); err != nil {
		return nil, err
	}
	if err := s.Engine.InitializeProviders(); err != nil {
		return nil, err
	}

	if cfg.RulesPath != "" {
		// Rules are stored per conflict type, so one manager serves both sides.
		n, err := s.conflicts[sourceID].ApplyRulesFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to apply rules: %w", err)
		}
		a.Logger.Debug("resolution rules applied", "path", cfg.RulesPath, "rules", n)
	}
	return s, nil
}

// Groups returns the change group service of one side.
func (s *Session) Groups(sourceID uuid.UUID) (*changegroup.Service, error) {
	svc, ok := s.groups[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %s is not part of session %s", sourceID, s.ID)
	}
	return svc, nil
}

// Conflicts returns the conflict manager of one side.
func (s *Session) Conflicts(sourceID uuid.UUID) (*conflict.Manager, error) {
	cm, ok := s.conflicts[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %s is not part of session %s", sourceID, s.ID)
	}
	return cm, nil
}

// ConflictManagers returns the managers of the source and the target, in
// that order.
func (s *Session) ConflictManagers() []*conflict.Manager {
	return []*conflict.Manager{s.conflicts[s.SourceID], s.conflicts[s.TargetID]}
}

// Close waits for pending webhook deliveries.
func (s *Session) Close() {
	s.Notifier.Wait()
}

// PassResult summarizes one pass.
type PassResult struct {
	Applied int
	// Waiting counts instructions still held, usually behind a conflict.
	Waiting    int
	Unresolved bool
	Stopped    bool
}

// RunPass runs one analysis trip from the source to the target and, when
// apply is set, migrates the resulting instructions into the target
// directory. A stopped session is reported in the result, not as an error.
func (s *Session) RunPass(ctx context.Context, bidirectional, apply bool) (PassResult, error) {
	var res PassResult
	err := s.Engine.RunTrip(ctx, s.SourceID, s.TargetID, bidirectional)
	switch {
	case errors.Is(err, domain.ErrSessionStopped):
		res.Stopped = true
	case err != nil:
		return res, err
	}

	if apply && !res.Stopped {
		if res.Applied, err = s.Target.Migrate(ctx); err != nil {
			return res, err
		}
	}
	if res.Waiting, err = s.groups[s.TargetID].GetInProgressMigrationInstructionCount(); err != nil {
		return res, err
	}
	if res.Unresolved, err = s.conflicts[s.SourceID].DoesSessionHaveUnresolvedConflicts(); err != nil {
		return res, err
	}
	return res, nil
}
