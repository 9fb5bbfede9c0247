package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/hwm"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/translation"
)

// Services are the collaborators handed to a provider of one migration source.
type Services struct {
	SourceID     uuid.UUID
	Store        *store.Store
	ChangeGroups *changegroup.Service
	Conflicts    *conflict.Manager
	Handlers     *HandlerRegistry
	Translation  translation.Service
	Logger       *log.Logger
}

// NewHighWaterMark creates a named mark for the provider's source.
func NewHighWaterMark[T any](s *Services, name string, codec hwm.Codec[T], fallback T) (*hwm.Mark[T], error) {
	return hwm.New(s.Store, s.ChangeGroups.SessionID(), s.SourceID, name, codec, fallback)
}

// AnalysisProvider is implemented by adapters to feed one migration source.
type AnalysisProvider interface {
	InitializeServices(s *Services) error
	RegisterConflictTypes(cm *conflict.Manager) error
	// GenerateDeltaTable writes new source changes as delta groups.
	GenerateDeltaTable(ctx context.Context) error
	// DetectConflicts inspects one new instruction group bound for this source.
	DetectConflicts(ctx context.Context, g *changegroup.Group) error
}

// ContextInfoProvider is implemented by providers that gather source
// metadata before delta generation.
type ContextInfoProvider interface {
	GenerateContextInfoTable(ctx context.Context) error
}

// ForceSyncProvider is implemented by providers that can re-emit specific items.
type ForceSyncProvider interface {
	GenerateDeltaTableForForceSync(ctx context.Context, itemIDs []string) error
}

// ChangeActionHandler turns a translated action into instruction content
// on target.
type ChangeActionHandler func(a *changegroup.Action, target *changegroup.Group) error

type handlerKey struct {
	kind     uuid.UUID
	itemType string
}

// HandlerRegistry maps (action kind, item type) to a handler. An empty item
// type registers a fallback for the kind.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]ChangeActionHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[handlerKey]ChangeActionHandler)}
}

// Register adds a handler. Registering a key twice replaces the handler.
func (r *HandlerRegistry) Register(kind uuid.UUID, itemType string, h ChangeActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{kind, itemType}] = h
}

// Lookup returns the handler for kind and itemType, falling back to the
// kind's fallback handler.
func (r *HandlerRegistry) Lookup(kind uuid.UUID, itemType string) (ChangeActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[handlerKey{kind, itemType}]; ok {
		return h, true
	}
	h, ok := r.handlers[handlerKey{kind, ""}]
	return h, ok
}

// CopyAction is a handler that adds the translated action to the target group.
func CopyAction(a *changegroup.Action, target *changegroup.Group) error {
	_, err := target.CreateAction(changegroup.ActionParams{
		Kind:            a.Kind,
		SourceItem:      a.SourceItem,
		FromPath:        a.FromPath,
		Path:            a.Path,
		Version:         a.Version,
		MergeVersionTo:  a.MergeVersionTo,
		ItemTypeRefName: a.ItemTypeRefName,
		Description:     a.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to copy action %d: %w", a.ID, err)
	}
	return nil
}

// RegisterCopyHandlers registers CopyAction as the fallback of kinds.
func (r *HandlerRegistry) RegisterCopyHandlers(kinds ...uuid.UUID) {
	for _, k := range kinds {
		r.Register(k, "", CopyAction)
	}
}
