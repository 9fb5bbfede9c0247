package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/events"
)

// HighWaterMarkStore persists named progress markers per (session, source).
type HighWaterMarkStore struct {
	store *Store
}

// HighWaterMarkRow is a persisted high-water mark.
type HighWaterMarkRow struct {
	SessionID uuid.UUID
	SourceID  uuid.UUID
	Name      string
	Value     *string
	UpdatedAt time.Time
}

// Get returns the stored value. The second result is false when the mark was
// never written or was written with no value.
func (hs *HighWaterMarkStore) Get(sessionID, sourceID uuid.UUID, name string) (string, bool, error) {
	var value sql.NullString
	err := hs.store.db.QueryRow(hs.store.q(`
		SELECT value FROM high_water_marks WHERE session_id = ? AND source_id = ? AND name = ?`),
		sessionID.String(), sourceID.String(), name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get high-water mark %s: %w", name, err)
	}
	return value.String, value.Valid, nil
}

// Set upserts the value of a mark.
func (hs *HighWaterMarkStore) Set(sessionID, sourceID uuid.UUID, name string, value *string) error {
	return hs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		_, err := tx.Exec(hs.store.q(`
			INSERT INTO high_water_marks (session_id, source_id, name, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, source_id, name)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
			sessionID.String(), sourceID.String(), name, value, db.Now())
		if err != nil {
			return fmt.Errorf("failed to set high-water mark %s: %w", name, err)
		}
		logged := ""
		if value != nil {
			logged = *value
		}
		return ew.LogHighWaterMarkUpdated(tx, sessionID.String(), sourceID.String(), name, logged)
	})
}

// List returns all marks of a session, optionally narrowed to one source.
func (hs *HighWaterMarkStore) List(sessionID, sourceID uuid.UUID) ([]*HighWaterMarkRow, error) {
	query := "SELECT session_id, source_id, name, value, updated_at FROM high_water_marks WHERE session_id = ?"
	args := []any{sessionID.String()}
	if sourceID != uuid.Nil {
		query += " AND source_id = ?"
		args = append(args, sourceID.String())
	}
	query += " ORDER BY source_id, name"

	rows, err := hs.store.db.Query(hs.store.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list high-water marks: %w", err)
	}
	defer rows.Close()

	var out []*HighWaterMarkRow
	for rows.Next() {
		var r HighWaterMarkRow
		var value sql.NullString
		var updated string
		if err := rows.Scan(&r.SessionID, &r.SourceID, &r.Name, &value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan high-water mark: %w", err)
		}
		if value.Valid {
			v := value.String
			r.Value = &v
		}
		if r.UpdatedAt, err = db.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
