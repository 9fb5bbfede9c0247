package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnresolvedConflict marks an error raised after a conflict has already
	// been recorded and could not be resolved automatically. Callers return
	// without reporting it again.
	ErrUnresolvedConflict = errors.New("unresolved conflict")

	// ErrSessionStopped is returned when a pass ends early because the
	// session was stopped or paused.
	ErrSessionStopped = errors.New("session stopped")
)

// LockedFieldError is returned when a locked change group field is mutated.
type LockedFieldError struct {
	Field string
}

func (e *LockedFieldError) Error() string {
	return fmt.Sprintf("change group is locked: cannot modify %s after the initial create", e.Field)
}

// ContractError signals a caller bug such as saving an action of an
// unpersisted group. It is never retried.
type ContractError struct {
	Op  string
	Msg string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// MigrationError is a fatal problem in the migration pipeline.
type MigrationError struct {
	Msg string
	Err error
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration error: %s: %v", e.Msg, e.Err)
	}
	return "migration error: " + e.Msg
}

func (e *MigrationError) Unwrap() error { return e.Err }

// UnresolvedConflictError carries the id of the conflict that was recorded.
type UnresolvedConflictError struct {
	ConflictID int64
	Reason     string
}

func (e *UnresolvedConflictError) Error() string {
	return fmt.Sprintf("unresolved conflict %d: %s", e.ConflictID, e.Reason)
}

func (e *UnresolvedConflictError) Is(target error) bool {
	return target == ErrUnresolvedConflict
}

// AddinError wraps a failure raised by an analysis addin.
type AddinError struct {
	Addin string
	Hook  string
	Err   error
}

func (e *AddinError) Error() string {
	return fmt.Sprintf("addin %q failed in %s: %v", e.Addin, e.Hook, e.Err)
}

func (e *AddinError) Unwrap() error { return e.Err }

// IsUnresolvedConflict reports whether err is or wraps ErrUnresolvedConflict.
func IsUnresolvedConflict(err error) bool {
	return errors.Is(err, ErrUnresolvedConflict)
}
