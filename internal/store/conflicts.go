package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/events"
)

// ConflictStore persists conflict records and resolution rules.
type ConflictStore struct {
	store *Store
}

// ConflictFilter selects conflicts for listing.
type ConflictFilter struct {
	SessionID uuid.UUID
	SourceID  uuid.UUID
	Status    domain.ConflictStatus
	Limit     int
}

const conflictColumns = `id, session_id, source_id, conflict_type, conflict_type_name, status, change_group_id,
	change_action_id, item_id, scope, details, resolution_rule_id, resolution_type, created_at, resolved_at`

func scanConflict(r rowScanner) (*domain.Conflict, error) {
	var c domain.Conflict
	var groupID, actionID, ruleID sql.NullInt64
	var resolution, resolvedAt sql.NullString
	var createdAt string
	err := r.Scan(&c.ID, &c.SessionID, &c.SourceID, &c.ConflictType, &c.ConflictTypeName, &c.Status, &groupID,
		&actionID, &c.ItemID, &c.Scope, &c.Details, &ruleID, &resolution, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if groupID.Valid {
		c.ChangeGroupID = &groupID.Int64
	}
	if actionID.Valid {
		c.ChangeActionID = &actionID.Int64
	}
	if ruleID.Valid {
		c.ResolutionRuleID = &ruleID.Int64
	}
	if resolution.Valid {
		c.ResolutionType = &resolution.String
	}
	if c.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
	}
	return &c, nil
}

// Create persists a new conflict and assigns its id and creation time.
func (cs *ConflictStore) Create(c *domain.Conflict) error {
	return cs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		if c.Status == "" {
			c.Status = domain.ConflictUnresolved
		}
		now := db.Now()
		id, err := insertID(tx, cs.store.q(`
			INSERT INTO conflicts (
				session_id, source_id, conflict_type, conflict_type_name, status, change_group_id,
				change_action_id, item_id, scope, details, resolution_rule_id, resolution_type,
				created_at, resolved_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.SessionID.String(), c.SourceID.String(), c.ConflictType.String(), c.ConflictTypeName, string(c.Status),
			c.ChangeGroupID, c.ChangeActionID, c.ItemID, c.Scope, c.Details, c.ResolutionRuleID, c.ResolutionType,
			now, nullTime(c.ResolvedAt))
		if err != nil {
			return fmt.Errorf("failed to create conflict: %w", err)
		}
		c.ID = id
		c.CreatedAt, _ = db.ParseTime(now)
		return ew.LogConflictRaised(tx, c)
	})
}

// MarkResolved records that rule resolved the conflict.
func (cs *ConflictStore) MarkResolved(c *domain.Conflict, ruleID int64, resolution domain.ConflictResolutionType) error {
	return cs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		now := db.Now()
		var rule any
		if ruleID > 0 {
			rule = ruleID
		}
		res, err := tx.Exec(cs.store.q(`
			UPDATE conflicts SET status = ?, resolution_rule_id = ?, resolution_type = ?, resolved_at = ?
			WHERE id = ?`),
			string(domain.ConflictResolved), rule, string(resolution), now, c.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict %d: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("failed to resolve conflict %d: %w", c.ID, domain.ErrNotFound)
		}
		c.Status = domain.ConflictResolved
		if ruleID > 0 {
			c.ResolutionRuleID = &ruleID
		}
		rt := string(resolution)
		c.ResolutionType = &rt
		t, _ := db.ParseTime(now)
		c.ResolvedAt = &t
		return ew.LogConflictResolved(tx, c, ruleID, resolution)
	})
}

// Get loads a conflict by id.
func (cs *ConflictStore) Get(id int64) (*domain.Conflict, error) {
	row := cs.store.db.QueryRow(cs.store.q("SELECT "+conflictColumns+" FROM conflicts WHERE id = ?"), id)
	c, err := scanConflict(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %d: %w", id, translateNoRows(err))
	}
	return c, nil
}

// List returns conflicts matching the filter, oldest first.
func (cs *ConflictStore) List(f ConflictFilter) ([]*domain.Conflict, error) {
	query := "SELECT " + conflictColumns + " FROM conflicts WHERE session_id = ?"
	args := []any{f.SessionID.String()}
	if f.SourceID != uuid.Nil {
		query += " AND source_id = ?"
		args = append(args, f.SourceID.String())
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := cs.store.db.Query(cs.store.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountUnresolved returns the number of unresolved conflicts in a session.
func (cs *ConflictStore) CountUnresolved(sessionID uuid.UUID) (int, error) {
	var n int
	err := cs.store.db.QueryRow(cs.store.q("SELECT COUNT(*) FROM conflicts WHERE session_id = ? AND status = ?"),
		sessionID.String(), string(domain.ConflictUnresolved)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// FindUnresolvedForItem returns unresolved conflicts recorded against an item.
func (cs *ConflictStore) FindUnresolvedForItem(sessionID, sourceID uuid.UUID, itemID string) ([]*domain.Conflict, error) {
	rows, err := cs.store.db.Query(cs.store.q(`
		SELECT `+conflictColumns+` FROM conflicts
		WHERE session_id = ? AND source_id = ? AND item_id = ? AND status = ?
		ORDER BY id`),
		sessionID.String(), sourceID.String(), itemID, string(domain.ConflictUnresolved))
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicts for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []*domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddRule persists a resolution rule and assigns its id.
func (cs *ConflictStore) AddRule(r *domain.ResolutionRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}
	return cs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		now := db.Now()
		id, err := insertID(tx, cs.store.q(`
			INSERT INTO resolution_rules (conflict_type, scope, action, params, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			r.ConflictType.String(), r.Scope, r.Action, string(params), now)
		if err != nil {
			return fmt.Errorf("failed to add resolution rule: %w", err)
		}
		r.ID = id
		r.CreatedAt, _ = db.ParseTime(now)
		return nil
	})
}

// ReplaceRules swaps the rule set of one conflict type atomically.
// Conflicts that pointed at a removed rule have their rule id cleared.
func (cs *ConflictStore) ReplaceRules(conflictType uuid.UUID, rules []*domain.ResolutionRule) error {
	return cs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		if _, err := tx.Exec(cs.store.q(`
			UPDATE conflicts SET resolution_rule_id = NULL
			WHERE resolution_rule_id IN (SELECT id FROM resolution_rules WHERE conflict_type = ?)`),
			conflictType.String()); err != nil {
			return fmt.Errorf("failed to detach resolution rules: %w", err)
		}
		if _, err := tx.Exec(cs.store.q("DELETE FROM resolution_rules WHERE conflict_type = ?"), conflictType.String()); err != nil {
			return fmt.Errorf("failed to clear resolution rules: %w", err)
		}
		now := db.Now()
		for _, r := range rules {
			params, err := json.Marshal(r.Params)
			if err != nil {
				return fmt.Errorf("failed to encode rule params: %w", err)
			}
			id, err := insertID(tx, cs.store.q(`
				INSERT INTO resolution_rules (conflict_type, scope, action, params, created_at)
				VALUES (?, ?, ?, ?, ?)`),
				conflictType.String(), r.Scope, r.Action, string(params), now)
			if err != nil {
				return fmt.Errorf("failed to add resolution rule: %w", err)
			}
			r.ID = id
			r.ConflictType = conflictType
			r.CreatedAt, _ = db.ParseTime(now)
		}
		return nil
	})
}

// ListRules returns the rules of a conflict type in creation order.
func (cs *ConflictStore) ListRules(conflictType uuid.UUID) ([]*domain.ResolutionRule, error) {
	rows, err := cs.store.db.Query(cs.store.q(`
		SELECT id, conflict_type, scope, action, params, created_at
		FROM resolution_rules WHERE conflict_type = ? ORDER BY id`), conflictType.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list resolution rules: %w", err)
	}
	defer rows.Close()

	var out []*domain.ResolutionRule
	for rows.Next() {
		var r domain.ResolutionRule
		var params, created string
		if err := rows.Scan(&r.ID, &r.ConflictType, &r.Scope, &r.Action, &params, &created); err != nil {
			return nil, fmt.Errorf("failed to scan resolution rule: %w", err)
		}
		if params != "" {
			if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
				return nil, fmt.Errorf("failed to decode params of rule %d: %w", r.ID, err)
			}
		}
		if r.CreatedAt, err = db.ParseTime(created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetRule loads a rule by id.
func (cs *ConflictStore) GetRule(id int64) (*domain.ResolutionRule, error) {
	var r domain.ResolutionRule
	var params, created string
	err := cs.store.db.QueryRow(cs.store.q(`
		SELECT id, conflict_type, scope, action, params, created_at FROM resolution_rules WHERE id = ?`), id).
		Scan(&r.ID, &r.ConflictType, &r.Scope, &r.Action, &params, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to get resolution rule %d: %w", id, translateNoRows(err))
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of rule %d: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	return &r, nil
}
