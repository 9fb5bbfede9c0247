package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/domain"
)

// EventStore reads and prunes the event ledger.
type EventStore struct {
	store *Store
}

// EventFilter selects events for listing.
type EventFilter struct {
	ResourceType string
	ResourceID   string
	EventType    string
	AfterID      int64
	Limit        int
}

// List returns events matching the filter in id order.
func (es *EventStore) List(f EventFilter) ([]*domain.Event, error) {
	query := "SELECT id, timestamp, session_id, resource_type, resource_id, event_type, payload FROM event_log WHERE id > ?"
	args := []any{f.AfterID}
	if f.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := es.store.db.Query(es.store.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var session, resource, payload sql.NullString
		if err := rows.Scan(&e.ID, &ts, &session, &e.ResourceType, &resource, &e.EventType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Timestamp, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if session.Valid {
			e.SessionID = &session.String
		}
		if resource.Valid {
			e.ResourceID = &resource.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Count returns the number of events matching the filter, ignoring Limit.
func (es *EventStore) Count(f EventFilter) (int, error) {
	query := "SELECT COUNT(*) FROM event_log WHERE id > ?"
	args := []any{f.AfterID}
	if f.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	var n int
	if err := es.store.db.QueryRow(es.store.q(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Prune deletes events older than before and returns how many were removed.
func (es *EventStore) Prune(before time.Time) (int64, error) {
	res, err := es.store.db.Exec(es.store.q("DELETE FROM event_log WHERE timestamp < ?"), db.FormatTime(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
