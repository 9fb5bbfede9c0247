package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/events"
)

// ConversionStore records which target change was produced from which
// source change, and the item id pairs the translation service resolves.
type ConversionStore struct {
	store *Store
}

// ItemRevisionPair maps an item on one side to its peer on the other.
type ItemRevisionPair struct {
	ItemID          string
	ItemVersion     string
	PeerSourceID    uuid.UUID
	PeerItemID      string
	PeerItemVersion string
}

// ConversionRecord is one entry of conversion history.
type ConversionRecord struct {
	ID                     int64
	SessionID              uuid.UUID
	SourceID               uuid.UUID
	ChangeGroupID          *int64
	ReflectedChangeGroupID *int64
	SourceChangeID         string
	TargetChangeID         string
	Comment                string
	CreatedAt              time.Time
	Pairs                  []ItemRevisionPair
}

// Record persists a conversion and its item pairs in one transaction.
func (cs *ConversionStore) Record(r *ConversionRecord) error {
	return cs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		now := db.Now()
		id, err := insertID(tx, cs.store.q(`
			INSERT INTO conversion_history (
				session_id, source_id, change_group_id, reflected_change_group_id,
				source_change_id, target_change_id, comment, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			r.SessionID.String(), r.SourceID.String(), r.ChangeGroupID, r.ReflectedChangeGroupID,
			r.SourceChangeID, r.TargetChangeID, r.Comment, now)
		if err != nil {
			return fmt.Errorf("failed to record conversion: %w", err)
		}
		for _, p := range r.Pairs {
			_, err := tx.Exec(cs.store.q(`
				INSERT INTO item_revision_pairs (
					conversion_id, session_id, source_id, item_id, item_version,
					peer_source_id, peer_item_id, peer_item_version
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				id, r.SessionID.String(), r.SourceID.String(), p.ItemID, p.ItemVersion,
				p.PeerSourceID.String(), p.PeerItemID, p.PeerItemVersion)
			if err != nil {
				return fmt.Errorf("failed to record item pair %s: %w", p.ItemID, err)
			}
		}
		r.ID = id
		r.CreatedAt, _ = db.ParseTime(now)
		return nil
	})
}

// FindPeerItem returns the id of the item on peerSourceID that itemID on
// sourceID was last paired with. The pair is looked up in both directions.
func (cs *ConversionStore) FindPeerItem(sessionID, sourceID uuid.UUID, itemID string, peerSourceID uuid.UUID) (string, bool, error) {
	var peer string
	err := cs.store.db.QueryRow(cs.store.q(`
		SELECT peer_item_id FROM item_revision_pairs
		WHERE session_id = ? AND source_id = ? AND item_id = ? AND peer_source_id = ?
		ORDER BY id DESC LIMIT 1`),
		sessionID.String(), sourceID.String(), itemID, peerSourceID.String()).Scan(&peer)
	if err == nil {
		return peer, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to find peer of item %s: %w", itemID, err)
	}

	err = cs.store.db.QueryRow(cs.store.q(`
		SELECT item_id FROM item_revision_pairs
		WHERE session_id = ? AND source_id = ? AND peer_item_id = ? AND peer_source_id = ?
		ORDER BY id DESC LIMIT 1`),
		sessionID.String(), peerSourceID.String(), itemID, sourceID.String()).Scan(&peer)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find peer of item %s: %w", itemID, err)
	}
	return peer, true, nil
}

// ListForGroup returns the conversions recorded for a change group.
func (cs *ConversionStore) ListForGroup(groupID int64) ([]*ConversionRecord, error) {
	rows, err := cs.store.db.Query(cs.store.q(`
		SELECT id, session_id, source_id, change_group_id, reflected_change_group_id,
			source_change_id, target_change_id, comment, created_at
		FROM conversion_history WHERE change_group_id = ? ORDER BY id`), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var out []*ConversionRecord
	for rows.Next() {
		var r ConversionRecord
		var group, reflected sql.NullInt64
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SourceID, &group, &reflected,
			&r.SourceChangeID, &r.TargetChangeID, &r.Comment, &created); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		if group.Valid {
			r.ChangeGroupID = &group.Int64
		}
		if reflected.Valid {
			r.ReflectedChangeGroupID = &reflected.Int64
		}
		if r.CreatedAt, err = db.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// IsSyncGenerated reports whether version of itemID on sourceID was written
// by a sync, meaning it appears on the written side of a recorded pair.
func (cs *ConversionStore) IsSyncGenerated(sessionID, sourceID uuid.UUID, itemID, version string) (bool, error) {
	var n int
	err := cs.store.db.QueryRow(cs.store.q(`
		SELECT COUNT(*) FROM item_revision_pairs
		WHERE session_id = ? AND source_id = ? AND item_id = ? AND item_version = ?`),
		sessionID.String(), sourceID.String(), itemID, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check item %s version %s: %w", itemID, version, err)
	}
	return n > 0, nil
}
