package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeStatus is the lifecycle status of a change group. Values are
// persisted as integers and must never be renumbered.
//
// Page query membership:
//
//	delta table page:        Delta, DeltaPending
//	instruction table page:  Pending (plus PendingConflictDetection during conflict scans)
//	removed on restart:      ChangeCreationInProgress
//	in-progress count:       InProgress, Pending
type ChangeStatus int

const (
	StatusUninitialized                ChangeStatus = -1
	StatusDelta                        ChangeStatus = 0
	StatusDeltaPending                 ChangeStatus = 1
	StatusDeltaComplete                ChangeStatus = 2
	StatusAnalysisMigrationInstruction ChangeStatus = 3
	StatusPending                      ChangeStatus = 4
	StatusInProgress                   ChangeStatus = 5
	StatusComplete                     ChangeStatus = 6
	StatusSkipped                      ChangeStatus = 7
	StatusDeltaSynced                  ChangeStatus = 8
	StatusPendingConflictDetection     ChangeStatus = 9
	StatusObsolete                     ChangeStatus = 10
	StatusChangeCreationInProgress     ChangeStatus = 20
)

var statusNames = map[ChangeStatus]string{
	StatusUninitialized:                "uninitialized",
	StatusDelta:                        "delta",
	StatusDeltaPending:                 "delta_pending",
	StatusDeltaComplete:                "delta_complete",
	StatusAnalysisMigrationInstruction: "analysis_migration_instruction",
	StatusPending:                      "pending",
	StatusInProgress:                   "in_progress",
	StatusComplete:                     "complete",
	StatusSkipped:                      "skipped",
	StatusDeltaSynced:                  "delta_synced",
	StatusPendingConflictDetection:     "pending_conflict_detection",
	StatusObsolete:                     "obsolete",
	StatusChangeCreationInProgress:     "change_creation_in_progress",
}

func (s ChangeStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseChangeStatus accepts either the snake_case name or the integer code.
func ParseChangeStatus(s string) (ChangeStatus, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for status, name := range statusNames {
		if name == s || fmt.Sprint(int(status)) == s {
			return status, nil
		}
	}
	return StatusUninitialized, fmt.Errorf("invalid change status: %q", s)
}

// IsTerminal reports whether no further transition is expected.
func (s ChangeStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusDeltaComplete, StatusSkipped, StatusObsolete, StatusDeltaSynced:
		return true
	}
	return false
}

// IsDeltaTable reports whether a group in this status lives in the delta table.
func (s ChangeStatus) IsDeltaTable() bool {
	switch s {
	case StatusDelta, StatusDeltaPending, StatusDeltaComplete, StatusDeltaSynced:
		return true
	}
	return false
}

// ActionState is the per-action migration state.
type ActionState int

const (
	ActionPending  ActionState = 0
	ActionComplete ActionState = 1
	ActionSkipped  ActionState = 2
)

func (s ActionState) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionComplete:
		return "complete"
	case ActionSkipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Well-known change action kinds.
var (
	ActionUnknown       = uuid.MustParse("aa81232c-4f07-478d-adb0-797a2013c9ef")
	ActionAdd           = uuid.MustParse("cb71d043-bede-4092-aa87-cf0f14586625")
	ActionEdit          = uuid.MustParse("e876681d-8ff1-4342-a0a1-db91513116b5")
	ActionRename        = uuid.MustParse("90f9d977-7f2b-4799-9014-786ec62dfc80")
	ActionDelete        = uuid.MustParse("45213a63-de99-4eab-a255-1b477c8c52c9")
	ActionUndelete      = uuid.MustParse("e14f3eaa-b7eb-4ec2-9182-e9660dd800b5")
	ActionBranch        = uuid.MustParse("df249d50-fa3f-466f-b2e5-247ff0592911")
	ActionMerge         = uuid.MustParse("745c5f7e-926c-42b9-83e7-44f616ba0683")
	ActionBranchMerge   = uuid.MustParse("b4a069cd-85d9-4bf3-9d8a-26c89e8842d3")
	ActionLabel         = uuid.MustParse("bea89a5d-e367-4e37-a358-032fc0d3d56c")
	ActionEncoding      = uuid.MustParse("6ab4ab35-55b1-4bff-9204-116ca840ec60")
	ActionAddAttachment = uuid.MustParse("dbf96acf-871e-43aa-83e4-534bcc14d71f")
	ActionDelAttachment = uuid.MustParse("7feb5531-4a7d-46c6-81ef-af2b7cb997c8")
	ActionSyncContext   = uuid.MustParse("60f2d048-58eb-4e2a-bd00-386b63d3d63f")
)

var actionNames = map[uuid.UUID]string{
	ActionUnknown:       "unknown",
	ActionAdd:           "add",
	ActionEdit:          "edit",
	ActionRename:        "rename",
	ActionDelete:        "delete",
	ActionUndelete:      "undelete",
	ActionBranch:        "branch",
	ActionMerge:         "merge",
	ActionBranchMerge:   "branch_merge",
	ActionLabel:         "label",
	ActionEncoding:      "encoding",
	ActionAddAttachment: "add_attachment",
	ActionDelAttachment: "del_attachment",
	ActionSyncContext:   "sync_context",
}

// ActionName returns the short name of a well-known action kind, or the id itself.
func ActionName(kind uuid.UUID) string {
	if name, ok := actionNames[kind]; ok {
		return name
	}
	return kind.String()
}

// ParseActionKind resolves a short name ("add") or a UUID string.
func ParseActionKind(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for kind, name := range actionNames {
		if name == s {
			return kind, nil
		}
	}
	kind, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid action kind: %q", s)
	}
	return kind, nil
}

// Event represents an entry in the event log
type Event struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	SessionID    *string   `json:"session_id,omitempty" db:"session_id"`
	ResourceType string    `json:"resource_type" db:"resource_type"` // change_group, conflict, high_water_mark
	ResourceID   *string   `json:"resource_id,omitempty" db:"resource_id"`
	EventType    string    `json:"event_type" db:"event_type"`
	Payload      *string   `json:"payload,omitempty" db:"payload"` // JSON
}
