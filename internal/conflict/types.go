// Package conflict registers conflict types, applies resolution rules to
// newly raised conflicts and keeps the durable conflict collection.
package conflict

import (
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
)

// Handler decides whether a rule applies to a conflict and applies it.
type Handler interface {
	CanResolve(c *Conflict, rule *domain.ResolutionRule) bool
	Resolve(c *Conflict, rule *domain.ResolutionRule) (Result, error)
}

// Type describes one kind of conflict.
type Type struct {
	ReferenceName uuid.UUID
	FriendlyName  string
	// Key is the short name used in rule files.
	Key string
	// BacklogsGroup is set when an unresolved instance holds back its
	// change group.
	BacklogsGroup bool
	Handler       Handler
}

// Conflict is a conflict being raised. Group and Action are optional.
type Conflict struct {
	Type    *Type
	Scope   string
	ItemID  string
	Details string
	Group   *changegroup.Group
	Action  *changegroup.Action

	// Record is the persisted form, set once the conflict is stored.
	Record *domain.Conflict
}

// Result is the outcome of a resolution attempt.
type Result struct {
	Resolved       bool
	ResolutionType domain.ConflictResolutionType
	// Params carries rule output such as a new type mapping.
	Params map[string]string
	// Actions lists actions the resolution changed or produced.
	Actions []*changegroup.Action
}
