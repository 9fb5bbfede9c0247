package changegroup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
)

// DefaultMaxGroupTimeSpan is the largest gap between two actions that
// AddMigrationActionToDeltaTable still places in the same group.
const DefaultMaxGroupTimeSpan = 10 * time.Minute

// Service is the adapter-facing surface over a Manager. It validates page
// arguments and groups incoming actions into delta entries.
type Service struct {
	mgr              *Manager
	maxGroupTimeSpan time.Duration

	current       *Group
	existingPaths map[string]struct{}
	latestAction  time.Time
}

// NewService wraps m. A non-positive span takes DefaultMaxGroupTimeSpan.
func NewService(m *Manager, maxGroupTimeSpan time.Duration) *Service {
	if maxGroupTimeSpan <= 0 {
		maxGroupTimeSpan = DefaultMaxGroupTimeSpan
	}
	return &Service{
		mgr:              m,
		maxGroupTimeSpan: maxGroupTimeSpan,
		existingPaths:    make(map[string]struct{}),
	}
}

func (s *Service) Manager() *Manager    { return s.mgr }
func (s *Service) SourceID() uuid.UUID  { return s.mgr.sourceID }
func (s *Service) SessionID() uuid.UUID { return s.mgr.sessionID }

func (s *Service) AddInterceptor(i SaveInterceptor) { s.mgr.AddInterceptor(i) }

func (s *Service) RegisterSerializer(kind uuid.UUID, ser Serializer) error {
	return s.mgr.RegisterSerializer(kind, ser)
}

func (s *Service) RegisterDefaultSerializer(ser Serializer) { s.mgr.SetDefaultSerializer(ser) }

func (s *Service) CreateChangeGroupForDeltaTable(name string) *Group {
	return s.mgr.CreateForDeltaTable(name)
}

func (s *Service) CreateChangeGroupForMigrationInstructionTable(delta *Group) *Group {
	return s.mgr.CreateForMigrationInstructionTable(delta)
}

// NextDeltaTablePage validates the page arguments and returns delta entries.
func (s *Service) NextDeltaTablePage(pageNumber, pageSize int, includeConflicts bool) ([]*Group, error) {
	if err := domain.ValidatePage(pageNumber, pageSize); err != nil {
		return nil, err
	}
	return s.mgr.NextDeltaTablePage(pageNumber, pageSize, includeConflicts)
}

// NextMigrationInstructionTablePage validates the page arguments and returns
// instruction entries.
func (s *Service) NextMigrationInstructionTablePage(pageNumber, pageSize int, inConflictDetection, includeBacklog bool) ([]*Group, error) {
	if err := domain.ValidatePage(pageNumber, pageSize); err != nil {
		return nil, err
	}
	return s.mgr.NextMigrationInstructionTablePage(pageNumber, pageSize, inConflictDetection, includeBacklog)
}

func (s *Service) RemoveIncompleteChangeGroups() error { return s.mgr.RemoveIncompleteChangeGroups() }

func (s *Service) PromoteDeltaToPending() (int, error) { return s.mgr.PromoteDeltaToPending() }

func (s *Service) PromoteAnalysisToPending() (int, error) { return s.mgr.PromoteAnalysisToPending() }

func (s *Service) DemoteInProgressActionsToPending() (int, error) {
	return s.mgr.DemoteInProgressActionsToPending()
}

func (s *Service) BatchMarkDeltaTableEntriesAsDeltaCompleted() (int, error) {
	return s.mgr.BatchMarkDeltaTableEntriesAsDeltaCompleted()
}

func (s *Service) BatchMarkMigrationInstructionsAsPending() (int, error) {
	return s.mgr.BatchMarkMigrationInstructionsAsPending()
}

func (s *Service) NumOfDeltaTableEntries() (int, error) { return s.mgr.NumOfDeltaTableEntries() }

func (s *Service) GetInProgressMigrationInstructionCount() (int, error) {
	return s.mgr.GetInProgressMigrationInstructionCount()
}

func (s *Service) RemoveInProgressChangeGroups() error { return s.mgr.RemoveInProgressChangeGroups() }

func (s *Service) LoadSingleAction(actionID int64) (*Action, error) {
	return s.mgr.LoadSingleAction(actionID)
}

func (s *Service) GetFirstConflictedChangeGroup(status domain.ChangeStatus) (*int64, error) {
	return s.mgr.GetFirstConflictedChangeGroup(status)
}

func (s *Service) BatchUpdateStatus(groups []*Group) error { return s.mgr.BatchUpdateStatus(groups) }

func (s *Service) GetChangeIdFromConversionHistory(changeGroupID int64) (string, bool, error) {
	return s.mgr.GetChangeIdFromConversionHistory(changeGroupID)
}

func (s *Service) ReactivateDeltaEntry(instruction *Group) (*Group, error) {
	return s.mgr.DiscardMigrationInstructionAndReactivateDelta(instruction)
}

func (s *Service) ReactivateMigrationInstruction(instruction, deltaToObsolete *Group) error {
	return s.mgr.ReactivateMigrationInstruction(instruction, deltaToObsolete)
}

// DeltaActionParams is one action reported by an adapter while scanning history.
type DeltaActionParams struct {
	GroupName      string
	Comment        string
	Owner          string
	ExecutionOrder int64
	ActionTime     time.Time
	Action         ActionParams
}

// AddMigrationActionToDeltaTable appends an action to the delta group being
// built. The current group is saved and a new one started when the action
// touches a path already in the group, the comment or owner differ, or the
// action is more than the max group time span after the previous one.
// It returns the group that received the action and, when a group was
// closed, the saved group.
func (s *Service) AddMigrationActionToDeltaTable(ctx context.Context, p DeltaActionParams) (current, saved *Group, err error) {
	if s.current == nil {
		s.startGroup(p)
	} else if s.needsNewGroup(p) {
		if err := s.current.Save(ctx); err != nil {
			return nil, nil, err
		}
		saved = s.current
		s.startGroup(p)
	}

	if _, err := s.current.CreateAction(p.Action); err != nil {
		return nil, saved, err
	}
	s.existingPaths[p.Action.Path] = struct{}{}
	if p.Action.FromPath != "" {
		s.existingPaths[p.Action.FromPath] = struct{}{}
	}
	s.latestAction = p.ActionTime
	return s.current, saved, nil
}

// FlushDeltaGroup saves the group being built, if any, and returns it.
func (s *Service) FlushDeltaGroup(ctx context.Context) (*Group, error) {
	if s.current == nil {
		return nil, nil
	}
	g := s.current
	if err := g.Save(ctx); err != nil {
		return nil, err
	}
	s.current = nil
	clear(s.existingPaths)
	s.latestAction = time.Time{}
	return g, nil
}

func (s *Service) needsNewGroup(p DeltaActionParams) bool {
	if _, ok := s.existingPaths[p.Action.Path]; ok {
		return true
	}
	if p.Action.FromPath != "" {
		if _, ok := s.existingPaths[p.Action.FromPath]; ok {
			return true
		}
	}
	if p.Comment != s.current.comment || p.Owner != s.current.owner {
		return true
	}
	return !s.latestAction.IsZero() && !p.ActionTime.IsZero() && p.ActionTime.Sub(s.latestAction) > s.maxGroupTimeSpan
}

func (s *Service) startGroup(p DeltaActionParams) {
	g := s.mgr.CreateForDeltaTable(p.GroupName)
	g.comment = p.Comment
	g.owner = p.Owner
	g.executionOrder = p.ExecutionOrder
	if !p.ActionTime.IsZero() {
		g.changeTime = p.ActionTime.UTC()
	}
	s.current = g
	clear(s.existingPaths)
}
