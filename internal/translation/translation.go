// Package translation maps item ids, versions and work item types between
// the two sides of a session.
package translation

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/store"
)

// Service translates source-side actions into the peer's namespace.
type Service interface {
	// Translate rewrites a in place for the side opposite sourceOwnerID.
	Translate(a *changegroup.Action, sourceOwnerID uuid.UUID) error
	// IsSyncGeneratedItemVersion reports whether version of itemID on
	// sourceID was written by this session rather than a user.
	IsSyncGeneratedItemVersion(itemID, version string, sourceID uuid.UUID) (bool, error)
	// TryGetTargetItemId returns the peer id of itemID owned by sourceID.
	TryGetTargetItemId(itemID string, sourceID uuid.UUID) (string, bool, error)
}

// UnmappedWorkItemTypeError is returned when a work item type has no mapping.
type UnmappedWorkItemTypeError struct {
	SourceType string
}

func (e *UnmappedWorkItemTypeError) Error() string {
	return fmt.Sprintf("work item type %q is not mapped", e.SourceType)
}

// Options configures a MappingService.
type Options struct {
	// TypeMap maps source work item types to target types. When it is
	// non-empty every typed action needs an entry.
	TypeMap map[string]string
	Logger  *log.Logger
}

// MappingService is the store-backed Service of one session pair.
type MappingService struct {
	store     *store.Store
	sessionID uuid.UUID
	left      uuid.UUID
	right     uuid.UUID
	logger    *log.Logger

	mu       sync.RWMutex
	typeMap  map[string]string
	required bool
}

var _ Service = (*MappingService)(nil)

// NewMappingService creates a translation service between left and right.
func NewMappingService(st *store.Store, sessionID, left, right uuid.UUID, opts Options) *MappingService {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tm := make(map[string]string, len(opts.TypeMap))
	for k, v := range opts.TypeMap {
		tm[k] = v
	}
	return &MappingService{
		store:     st,
		sessionID: sessionID,
		left:      left,
		right:     right,
		logger:    logger,
		typeMap:   tm,
		required:  len(tm) > 0,
	}
}

func (s *MappingService) peerOf(sourceID uuid.UUID) (uuid.UUID, error) {
	switch sourceID {
	case s.left:
		return s.right, nil
	case s.right:
		return s.left, nil
	}
	return uuid.Nil, fmt.Errorf("source %s is not part of session %s", sourceID, s.sessionID)
}

// AddWorkItemTypeMapping adds or replaces a type mapping.
func (s *MappingService) AddWorkItemTypeMapping(sourceType, targetType string) error {
	if sourceType == "" || targetType == "" {
		return fmt.Errorf("type mapping needs both a source and a target type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typeMap[sourceType] = targetType
	s.required = true
	s.logger.Info("work item type mapped", "source_type", sourceType, "target_type", targetType)
	return nil
}

// MapWorkItemType returns the target type of sourceType.
func (s *MappingService) MapWorkItemType(sourceType string) (string, error) {
	if sourceType == "" {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.typeMap[sourceType]; ok {
		return t, nil
	}
	if s.required {
		return "", &UnmappedWorkItemTypeError{SourceType: sourceType}
	}
	return sourceType, nil
}

func (s *MappingService) Translate(a *changegroup.Action, sourceOwnerID uuid.UUID) error {
	typ, err := s.MapWorkItemType(a.ItemTypeRefName)
	if err != nil {
		return err
	}

	for _, p := range []*string{&a.Path, &a.FromPath} {
		if *p == "" {
			continue
		}
		peer, ok, err := s.TryGetTargetItemId(*p, sourceOwnerID)
		if err != nil {
			return err
		}
		if ok {
			*p = peer
		}
	}
	a.ItemTypeRefName = typ
	return nil
}

func (s *MappingService) IsSyncGeneratedItemVersion(itemID, version string, sourceID uuid.UUID) (bool, error) {
	return s.store.Conversions.IsSyncGenerated(s.sessionID, sourceID, itemID, version)
}

func (s *MappingService) TryGetTargetItemId(itemID string, sourceID uuid.UUID) (string, bool, error) {
	peer, err := s.peerOf(sourceID)
	if err != nil {
		return "", false, err
	}
	return s.store.Conversions.FindPeerItem(s.sessionID, sourceID, itemID, peer)
}
