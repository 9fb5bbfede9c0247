package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/bulk"
	"github.com/lherron/tfsync/internal/cursor"
	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/events"
)

// GroupStore handles change group and change action persistence.
type GroupStore struct {
	store *Store
}

// GroupRow is the persisted header of a change group.
type GroupRow struct {
	ID                       int64
	SessionID                uuid.UUID
	SourceID                 uuid.UUID
	Name                     string
	ExecutionOrder           int64
	Owner                    string
	Comment                  string
	ChangeTime               time.Time
	RevisionTime             *time.Time
	Status                   domain.ChangeStatus
	ReflectedChangeGroupID   *int64
	ContainsBackloggedAction bool
	IsForcedSync             bool
	UsePagedActions          bool
	StartTime                *time.Time
	FinishTime               *time.Time
}

// ActionRow is a persisted change action.
type ActionRow struct {
	ID              int64
	ChangeGroupID   int64
	Kind            uuid.UUID
	SourceItem      string
	FromPath        string
	ToPath          string
	Version         string
	MergeVersionTo  string
	ItemTypeRefName string
	ActionData      string
	Order           int
	State           domain.ActionState
}

// StatusChange is one entry of a batch status update.
type StatusChange struct {
	ID   int64
	From domain.ChangeStatus
	To   domain.ChangeStatus
}

// GroupFilter selects change groups for page queries.
type GroupFilter struct {
	SessionID  uuid.UUID
	SourceID   uuid.UUID // uuid.Nil matches every source
	Statuses   []domain.ChangeStatus
	Backlogged *bool
	Offset     int
	Limit      int
	Cursor     *cursor.Cursor
}

const groupColumns = `id, session_id, source_id, name, execution_order, owner, comment, change_time,
	revision_time, status, reflected_change_group_id, contains_backlogged_action, is_forced_sync,
	use_paged_actions, start_time, finish_time`

const actionColumns = `id, change_group_id, action_kind, source_item, from_path, to_path, version,
	merge_version_to, item_type_ref_name, action_data, ord, state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(r rowScanner) (*GroupRow, error) {
	var g GroupRow
	var changeTime string
	var revisionTime, startTime, finishTime sql.NullString
	var reflected sql.NullInt64
	err := r.Scan(&g.ID, &g.SessionID, &g.SourceID, &g.Name, &g.ExecutionOrder, &g.Owner, &g.Comment, &changeTime,
		&revisionTime, &g.Status, &reflected, &g.ContainsBackloggedAction, &g.IsForcedSync,
		&g.UsePagedActions, &startTime, &finishTime)
	if err != nil {
		return nil, err
	}
	if g.ChangeTime, err = db.ParseTime(changeTime); err != nil {
		return nil, fmt.Errorf("failed to parse change_time: %w", err)
	}
	if g.RevisionTime, err = parseNullTime(revisionTime); err != nil {
		return nil, fmt.Errorf("failed to parse revision_time: %w", err)
	}
	if g.StartTime, err = parseNullTime(startTime); err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if g.FinishTime, err = parseNullTime(finishTime); err != nil {
		return nil, fmt.Errorf("failed to parse finish_time: %w", err)
	}
	if reflected.Valid {
		g.ReflectedChangeGroupID = &reflected.Int64
	}
	return &g, nil
}

func scanAction(r rowScanner) (*ActionRow, error) {
	var a ActionRow
	err := r.Scan(&a.ID, &a.ChangeGroupID, &a.Kind, &a.SourceItem, &a.FromPath, &a.ToPath, &a.Version,
		&a.MergeVersionTo, &a.ItemTypeRefName, &a.ActionData, &a.Order, &a.State)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// statusTimes returns the start/finish columns a status transition stamps.
func statusTimes(status domain.ChangeStatus) (start, finish any) {
	switch status {
	case domain.StatusInProgress:
		return db.Now(), nil
	case domain.StatusDeltaComplete, domain.StatusComplete:
		return nil, db.Now()
	}
	return nil, nil
}

// CreateGroup inserts a group header and returns its id.
func (gs *GroupStore) CreateGroup(g *GroupRow) (int64, error) {
	var id int64
	err := gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		var err error
		id, err = insertID(tx, gs.store.q(`
			INSERT INTO change_groups (
				session_id, source_id, name, execution_order, owner, comment, change_time,
				revision_time, status, reflected_change_group_id, contains_backlogged_action,
				is_forced_sync, use_paged_actions, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			g.SessionID.String(), g.SourceID.String(), g.Name, g.ExecutionOrder, g.Owner, g.Comment,
			db.FormatTime(g.ChangeTime), nullTime(g.RevisionTime), int(g.Status), g.ReflectedChangeGroupID,
			boolInt(g.ContainsBackloggedAction), boolInt(g.IsForcedSync), boolInt(g.UsePagedActions), db.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to create change group: %w", err)
		}
		if err := ew.LogGroupCreated(tx, g.SessionID.String(), id, g.SourceID.String(), g.Status, 0); err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

// InsertActions bulk-inserts actions into groupID in batches of batchSize,
// one transaction per batch. Assigned ids are written back into rows. On
// failure, batches already committed stay committed.
func (gs *GroupStore) InsertActions(ctx context.Context, groupID int64, rows []*ActionRow, batchSize int) error {
	op := bulk.Operation{BatchSize: batchSize, Ordered: true}
	result := bulk.Execute(ctx, op, rows, func(_ context.Context, batch []*ActionRow) error {
		return gs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
			stmt, err := tx.Prepare(gs.store.q(`
				INSERT INTO change_actions (
					change_group_id, action_kind, source_item, from_path, to_path, version,
					merge_version_to, item_type_ref_name, action_data, ord, state
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`))
			if err != nil {
				return fmt.Errorf("failed to prepare action insert: %w", err)
			}
			defer stmt.Close()

			for _, a := range batch {
				var id int64
				err := stmt.QueryRow(groupID, a.Kind.String(), a.SourceItem, a.FromPath, a.ToPath, a.Version,
					a.MergeVersionTo, a.ItemTypeRefName, a.ActionData, a.Order, int(a.State)).Scan(&id)
				if err != nil {
					return fmt.Errorf("failed to insert change action %d: %w", a.Order, err)
				}
				a.ID = id
				a.ChangeGroupID = groupID
			}
			return nil
		})
	})
	return result.Err()
}

// UpdateGroup rewrites the header of an existing group. A status change is
// logged and stamps start/finish times.
func (gs *GroupStore) UpdateGroup(g *GroupRow) error {
	return gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		var current int
		err := tx.QueryRow(gs.store.q("SELECT status FROM change_groups WHERE id = ?"), g.ID).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to load change group %d: %w", g.ID, translateNoRows(err))
		}

		_, err = tx.Exec(gs.store.q(`
			UPDATE change_groups SET
				name = ?, execution_order = ?, owner = ?, comment = ?, change_time = ?, revision_time = ?,
				status = ?, reflected_change_group_id = ?, contains_backlogged_action = ?,
				is_forced_sync = ?, use_paged_actions = ?
			WHERE id = ?`),
			g.Name, g.ExecutionOrder, g.Owner, g.Comment, db.FormatTime(g.ChangeTime), nullTime(g.RevisionTime),
			int(g.Status), g.ReflectedChangeGroupID, boolInt(g.ContainsBackloggedAction),
			boolInt(g.IsForcedSync), boolInt(g.UsePagedActions), g.ID)
		if err != nil {
			return fmt.Errorf("failed to update change group %d: %w", g.ID, err)
		}

		from := domain.ChangeStatus(current)
		if from != g.Status {
			if err := gs.stampStatus(tx, g.ID, g.Status); err != nil {
				return err
			}
			if err := ew.LogStatusChanged(tx, g.SessionID.String(), g.ID, from, g.Status); err != nil {
				return fmt.Errorf("failed to log event: %w", err)
			}
		}
		return nil
	})
}

// UpdateStatus persists a single status transition.
func (gs *GroupStore) UpdateStatus(sessionID uuid.UUID, change StatusChange) error {
	return gs.BatchUpdateStatus(sessionID, []StatusChange{change})
}

// BatchUpdateStatus applies every status change in one transaction.
func (gs *GroupStore) BatchUpdateStatus(sessionID uuid.UUID, changes []StatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	return gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		for _, c := range changes {
			res, err := tx.Exec(gs.store.q("UPDATE change_groups SET status = ? WHERE id = ?"), int(c.To), c.ID)
			if err != nil {
				return fmt.Errorf("failed to update status of change group %d: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("failed to update status of change group %d: %w", c.ID, domain.ErrNotFound)
			}
			if err := gs.stampStatus(tx, c.ID, c.To); err != nil {
				return err
			}
			if err := ew.LogStatusChanged(tx, sessionID.String(), c.ID, c.From, c.To); err != nil {
				return fmt.Errorf("failed to log event: %w", err)
			}
		}
		return nil
	})
}

func (gs *GroupStore) stampStatus(tx *sql.Tx, id int64, status domain.ChangeStatus) error {
	start, finish := statusTimes(status)
	var err error
	switch {
	case start != nil:
		_, err = tx.Exec(gs.store.q("UPDATE change_groups SET start_time = ? WHERE id = ?"), start, id)
	case finish != nil:
		_, err = tx.Exec(gs.store.q("UPDATE change_groups SET finish_time = ? WHERE id = ?"), finish, id)
	}
	if err != nil {
		return fmt.Errorf("failed to stamp status time on change group %d: %w", id, err)
	}
	return nil
}

// UpdateActions persists the mutable fields of existing actions in one transaction.
func (gs *GroupStore) UpdateActions(rows []*ActionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return gs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		return gs.updateActionsTx(tx, rows)
	})
}

func (gs *GroupStore) updateActionsTx(tx *sql.Tx, rows []*ActionRow) error {
	for _, a := range rows {
		res, err := tx.Exec(gs.store.q(`
			UPDATE change_actions SET
				source_item = ?, from_path = ?, to_path = ?, version = ?, merge_version_to = ?,
				item_type_ref_name = ?, action_data = ?, state = ?
			WHERE id = ? AND change_group_id = ?`),
			a.SourceItem, a.FromPath, a.ToPath, a.Version, a.MergeVersionTo,
			a.ItemTypeRefName, a.ActionData, int(a.State), a.ID, a.ChangeGroupID)
		if err != nil {
			return fmt.Errorf("failed to update change action %d: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("failed to update change action %d: %w", a.ID, domain.ErrNotFound)
		}
	}
	return nil
}

// CompleteGroup marks every action of the group complete and sets the group
// status in a single transaction.
func (gs *GroupStore) CompleteGroup(sessionID uuid.UUID, id int64, from domain.ChangeStatus) error {
	return gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		if _, err := tx.Exec(gs.store.q("UPDATE change_actions SET state = ? WHERE change_group_id = ?"),
			int(domain.ActionComplete), id); err != nil {
			return fmt.Errorf("failed to complete actions of change group %d: %w", id, err)
		}
		if from == domain.StatusComplete {
			return nil
		}
		if _, err := tx.Exec(gs.store.q("UPDATE change_groups SET status = ? WHERE id = ?"),
			int(domain.StatusComplete), id); err != nil {
			return fmt.Errorf("failed to complete change group %d: %w", id, err)
		}
		if err := gs.stampStatus(tx, id, domain.StatusComplete); err != nil {
			return err
		}
		return ew.LogStatusChanged(tx, sessionID.String(), id, from, domain.StatusComplete)
	})
}

// Get loads a group header by id.
func (gs *GroupStore) Get(id int64) (*GroupRow, error) {
	row := gs.store.db.QueryRow(gs.store.q("SELECT "+groupColumns+" FROM change_groups WHERE id = ?"), id)
	g, err := scanGroup(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get change group %d: %w", id, translateNoRows(err))
	}
	return g, nil
}

// List returns group headers matching the filter ordered by execution
// order then id.
func (gs *GroupStore) List(f GroupFilter) ([]*GroupRow, error) {
	where, args, err := groupWhere(f)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + groupColumns + " FROM change_groups WHERE " + where + " ORDER BY execution_order, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := gs.store.db.Query(gs.store.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change groups: %w", err)
	}
	defer rows.Close()

	var out []*GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Count returns the number of groups matching the filter.
func (gs *GroupStore) Count(f GroupFilter) (int, error) {
	where, args, err := groupWhere(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := gs.store.db.QueryRow(gs.store.q("SELECT COUNT(*) FROM change_groups WHERE "+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count change groups: %w", err)
	}
	return n, nil
}

// NextCursor builds the cursor that continues after the last row of a page.
func NextCursor(page []*GroupRow) (string, error) {
	if len(page) == 0 {
		return "", nil
	}
	last := page[len(page)-1]
	c, err := cursor.New([]string{"execution_order"}, []interface{}{last.ExecutionOrder}, last.ID)
	if err != nil {
		return "", err
	}
	return c.Encode()
}

func groupWhere(f GroupFilter) (string, []any, error) {
	parts := []string{"session_id = ?"}
	args := []any{f.SessionID.String()}
	if f.SourceID != uuid.Nil {
		parts = append(parts, "source_id = ?")
		args = append(args, f.SourceID.String())
	}
	if len(f.Statuses) > 0 {
		parts = append(parts, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.Backlogged != nil {
		parts = append(parts, "contains_backlogged_action = ?")
		args = append(args, boolInt(*f.Backlogged))
	}
	if f.Cursor != nil {
		clause, params, err := f.Cursor.BuildWhereClause([]bool{false}, "id")
		if err != nil {
			return "", nil, fmt.Errorf("invalid cursor: %w", err)
		}
		parts = append(parts, clause)
		args = append(args, params...)
	}
	return strings.Join(parts, " AND "), args, nil
}

// FirstConflicted returns the lowest id of a backlogged group in status, if any.
func (gs *GroupStore) FirstConflicted(sessionID, sourceID uuid.UUID, status domain.ChangeStatus) (*int64, error) {
	var id int64
	err := gs.store.db.QueryRow(gs.store.q(`
		SELECT id FROM change_groups
		WHERE session_id = ? AND source_id = ? AND status = ? AND contains_backlogged_action = 1
		ORDER BY id LIMIT 1`),
		sessionID.String(), sourceID.String(), int(status)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicted change group: %w", err)
	}
	return &id, nil
}

// MarkBacklogged sets or clears the backlog marker on a group.
func (gs *GroupStore) MarkBacklogged(id int64, backlogged bool) error {
	_, err := gs.store.db.Exec(gs.store.q("UPDATE change_groups SET contains_backlogged_action = ? WHERE id = ?"),
		boolInt(backlogged), id)
	if err != nil {
		return fmt.Errorf("failed to mark change group %d backlogged: %w", id, err)
	}
	return nil
}

// Transition moves every group of (session, source) in one of from to
// status to, in one transaction. It returns the number of groups moved.
func (gs *GroupStore) Transition(sessionID, sourceID uuid.UUID, from []domain.ChangeStatus, to domain.ChangeStatus) (int64, error) {
	var n int64
	err := gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		query := "UPDATE change_groups SET status = ? WHERE session_id = ? AND source_id = ? AND status IN (" + placeholders(len(from)) + ")"
		args := append([]any{int(to), sessionID.String(), sourceID.String()}, statusArgs(from)...)
		res, err := tx.Exec(gs.store.q(query), args...)
		if err != nil {
			return fmt.Errorf("failed to transition change groups to %s: %w", to, err)
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil
		}
		return ew.LogGroupsBulkTransition(tx, sessionID.String(), sourceID.String(), from, to, n)
	})
	return n, err
}

// RemoveByStatus deletes every group of (session, source) in status along
// with its actions and returns the removed ids.
func (gs *GroupStore) RemoveByStatus(sessionID, sourceID uuid.UUID, status domain.ChangeStatus) ([]int64, error) {
	var ids []int64
	err := gs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		rows, err := tx.Query(gs.store.q("SELECT id FROM change_groups WHERE session_id = ? AND source_id = ? AND status = ? ORDER BY id"),
			sessionID.String(), sourceID.String(), int(status))
		if err != nil {
			return fmt.Errorf("failed to find change groups to remove: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		// Actions are deleted explicitly so the removal does not depend on
		// foreign key enforcement being enabled.
		if _, err := tx.Exec(gs.store.q("DELETE FROM change_actions WHERE change_group_id IN ("+placeholders(len(ids))+")"), args...); err != nil {
			return fmt.Errorf("failed to remove change actions: %w", err)
		}
		if _, err := tx.Exec(gs.store.q("DELETE FROM change_groups WHERE id IN ("+placeholders(len(ids))+")"), args...); err != nil {
			return fmt.Errorf("failed to remove change groups: %w", err)
		}
		return ew.LogGroupsRemoved(tx, sessionID.String(), sourceID.String(), ids)
	})
	return ids, err
}

// LoadActions returns actions of a group ordered by execution order,
// skipping offset rows and returning at most limit (all when limit <= 0).
func (gs *GroupStore) LoadActions(groupID int64, offset, limit int) ([]*ActionRow, error) {
	query := "SELECT " + actionColumns + " FROM change_actions WHERE change_group_id = ? ORDER BY ord, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := gs.store.db.Query(gs.store.q(query), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load change actions of group %d: %w", groupID, err)
	}
	defer rows.Close()

	var out []*ActionRow
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActions returns the number of persisted actions of a group.
func (gs *GroupStore) CountActions(groupID int64) (int, error) {
	var n int
	err := gs.store.db.QueryRow(gs.store.q("SELECT COUNT(*) FROM change_actions WHERE change_group_id = ?"), groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count change actions of group %d: %w", groupID, err)
	}
	return n, nil
}

// GetAction loads a single action together with its group header.
func (gs *GroupStore) GetAction(actionID int64) (*ActionRow, *GroupRow, error) {
	row := gs.store.db.QueryRow(gs.store.q("SELECT "+actionColumns+" FROM change_actions WHERE id = ?"), actionID)
	a, err := scanAction(row)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get change action %d: %w", actionID, translateNoRows(err))
	}
	g, err := gs.Get(a.ChangeGroupID)
	if err != nil {
		return nil, nil, err
	}
	return a, g, nil
}

// FindActionsTouchingItem returns actions whose to_path equals path in groups
// of (session, source) that are in one of statuses.
func (gs *GroupStore) FindActionsTouchingItem(sessionID, sourceID uuid.UUID, statuses []domain.ChangeStatus, path string) ([]*ActionRow, error) {
	query := `SELECT a.id, a.change_group_id, a.action_kind, a.source_item, a.from_path, a.to_path, a.version,
			a.merge_version_to, a.item_type_ref_name, a.action_data, a.ord, a.state
		FROM change_actions a
		JOIN change_groups g ON g.id = a.change_group_id
		WHERE g.session_id = ? AND g.source_id = ? AND a.to_path = ? AND g.status IN (` + placeholders(len(statuses)) + `)
		ORDER BY g.execution_order, g.id, a.ord`
	args := append([]any{sessionID.String(), sourceID.String(), path}, statusArgs(statuses)...)
	rows, err := gs.store.db.Query(gs.store.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find actions for item %s: %w", path, err)
	}
	defer rows.Close()

	var out []*ActionRow
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
