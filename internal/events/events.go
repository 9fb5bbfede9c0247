package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/domain"
)

// Resource types recorded in the event log.
const (
	ResourceChangeGroup   = "change_group"
	ResourceConflict      = "conflict"
	ResourceHighWaterMark = "high_water_mark"
)

// Writer handles writing events to the event log
type Writer struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewWriter creates a new event writer
func NewWriter(database *db.DB) *Writer {
	return &Writer{db: database.DB, dialect: database.Dialect()}
}

// LogEvent writes an event to the event log
func (w *Writer) LogEvent(tx *sql.Tx, event *domain.Event) error {
	query := db.Rebind(w.dialect, `
		INSERT INTO event_log (timestamp, session_id, resource_type, resource_id, event_type, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	executor := w.getExecutor(tx)
	_, err := executor.Exec(query, db.Now(), event.SessionID, event.ResourceType, event.ResourceID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogGroupCreated logs the creation of a change group
func (w *Writer) LogGroupCreated(tx *sql.Tx, sessionID string, groupID int64, sourceID string, status domain.ChangeStatus, actionCount int) error {
	return w.log(tx, sessionID, ResourceChangeGroup, groupID, "change_group.created", map[string]interface{}{
		"source_id":    sourceID,
		"status":       status.String(),
		"action_count": actionCount,
	})
}

// LogStatusChanged logs a change group status transition
func (w *Writer) LogStatusChanged(tx *sql.Tx, sessionID string, groupID int64, from, to domain.ChangeStatus) error {
	return w.log(tx, sessionID, ResourceChangeGroup, groupID, "change_group.status_changed", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
}

// LogGroupsBulkTransition logs a set-based status transition that touched n groups
func (w *Writer) LogGroupsBulkTransition(tx *sql.Tx, sessionID, sourceID string, from []domain.ChangeStatus, to domain.ChangeStatus, n int64) error {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = s.String()
	}
	payload, err := json.Marshal(map[string]interface{}{
		"source_id": sourceID,
		"from":      names,
		"to":        to.String(),
		"count":     n,
	})
	if err != nil {
		return err
	}
	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		SessionID:    &sessionID,
		ResourceType: ResourceChangeGroup,
		EventType:    "change_group.bulk_transition",
		Payload:      &payloadStr,
	})
}

// LogGroupsRemoved logs the removal of partially created change groups
func (w *Writer) LogGroupsRemoved(tx *sql.Tx, sessionID, sourceID string, ids []int64) error {
	payload, err := json.Marshal(map[string]interface{}{
		"source_id": sourceID,
		"ids":       ids,
	})
	if err != nil {
		return err
	}
	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		SessionID:    &sessionID,
		ResourceType: ResourceChangeGroup,
		EventType:    "change_group.removed",
		Payload:      &payloadStr,
	})
}

// LogConflictRaised logs a new conflict record
func (w *Writer) LogConflictRaised(tx *sql.Tx, c *domain.Conflict) error {
	payload := map[string]interface{}{
		"source_id":     c.SourceID.String(),
		"conflict_type": c.ConflictTypeName,
		"status":        string(c.Status),
	}
	if c.ChangeGroupID != nil {
		payload["change_group_id"] = *c.ChangeGroupID
	}
	return w.log(tx, c.SessionID.String(), ResourceConflict, c.ID, "conflict.raised", payload)
}

// LogConflictResolved logs the resolution of a conflict
func (w *Writer) LogConflictResolved(tx *sql.Tx, c *domain.Conflict, ruleID int64, resolution domain.ConflictResolutionType) error {
	return w.log(tx, c.SessionID.String(), ResourceConflict, c.ID, "conflict.resolved", map[string]interface{}{
		"rule_id":         ruleID,
		"resolution_type": string(resolution),
	})
}

// LogHighWaterMarkUpdated logs a high-water mark move
func (w *Writer) LogHighWaterMarkUpdated(tx *sql.Tx, sessionID, sourceID, name, value string) error {
	resourceID := sourceID + "/" + name
	payload, err := json.Marshal(map[string]interface{}{"value": value})
	if err != nil {
		return err
	}
	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		SessionID:    &sessionID,
		ResourceType: ResourceHighWaterMark,
		ResourceID:   &resourceID,
		EventType:    "high_water_mark.updated",
		Payload:      &payloadStr,
	})
}

func (w *Writer) log(tx *sql.Tx, sessionID, resourceType string, id int64, eventType string, fields map[string]interface{}) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	payloadStr := string(payload)
	resourceID := strconv.FormatInt(id, 10)
	return w.LogEvent(tx, &domain.Event{
		SessionID:    &sessionID,
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		EventType:    eventType,
		Payload:      &payloadStr,
	})
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
