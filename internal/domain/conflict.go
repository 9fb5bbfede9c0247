package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/scope"
)

// ConflictResolutionType is the outcome kind reported by a conflict handler.
type ConflictResolutionType string

const (
	ResolutionUpdatedConflictedChangeAction     ConflictResolutionType = "updated_conflicted_change_action"
	ResolutionCreatedNewChangeActions           ConflictResolutionType = "created_new_change_actions"
	ResolutionSuppressedConflictedChangeAction  ConflictResolutionType = "suppressed_conflicted_change_action"
	ResolutionChangeMappingInConfiguration      ConflictResolutionType = "change_mapping_in_configuration"
	ResolutionSkipConflictedChangeAction        ConflictResolutionType = "skip_conflicted_change_action"
	ResolutionUpdatedConflictedLinkChangeAction ConflictResolutionType = "updated_conflicted_link_change_action"
	ResolutionRetry                             ConflictResolutionType = "retry"
	ResolutionOther                             ConflictResolutionType = "other"
)

// SyncOrchestrationOption controls what the session does when a conflict of
// a registered type stays unresolved.
type SyncOrchestrationOption string

const (
	OrchestrationContinue                         SyncOrchestrationOption = "continue"
	OrchestrationStopConflictedSession            SyncOrchestrationOption = "stop_conflicted_session"
	OrchestrationStopConflictedSessionCurrentTrip SyncOrchestrationOption = "stop_conflicted_session_current_trip"
	OrchestrationStopAllSessions                  SyncOrchestrationOption = "stop_all_sessions"
)

// ConflictStatus is the persisted state of a conflict record.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// Conflict is a persisted conflict record.
type Conflict struct {
	ID               int64          `json:"id" db:"id"`
	SessionID        uuid.UUID      `json:"session_id" db:"session_id"`
	SourceID         uuid.UUID      `json:"source_id" db:"source_id"`
	ConflictType     uuid.UUID      `json:"conflict_type" db:"conflict_type"`
	ConflictTypeName string         `json:"conflict_type_name" db:"conflict_type_name"`
	Status           ConflictStatus `json:"status" db:"status"`
	ChangeGroupID    *int64         `json:"change_group_id,omitempty" db:"change_group_id"`
	ChangeActionID   *int64         `json:"change_action_id,omitempty" db:"change_action_id"`
	ItemID           string         `json:"item_id" db:"item_id"`
	Scope            string         `json:"scope" db:"scope"`
	Details          string         `json:"details" db:"details"`
	ResolutionRuleID *int64         `json:"resolution_rule_id,omitempty" db:"resolution_rule_id"`
	ResolutionType   *string        `json:"resolution_type,omitempty" db:"resolution_type"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ResolutionRule is a persisted rule applied to conflicts of one type.
type ResolutionRule struct {
	ID           int64             `json:"id" db:"id" yaml:"-"`
	ConflictType uuid.UUID         `json:"conflict_type" db:"conflict_type" yaml:"-"`
	Scope        string            `json:"scope" db:"scope" yaml:"scope"`
	Action       string            `json:"action" db:"action" yaml:"action"`
	Params       map[string]string `json:"params,omitempty" db:"params" yaml:"params,omitempty"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at" yaml:"-"`
}

// AppliesTo reports whether the rule scope covers scope. See scope.Match.
func (r *ResolutionRule) AppliesTo(s string) bool {
	return scope.Match(r.Scope, s)
}
