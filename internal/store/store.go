// Package store provides the durable persistence layer for change groups,
// change actions, high-water marks, conflicts and conversion history. Every
// mutation runs in a transaction and appends to the event log.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lherron/tfsync/internal/db"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/events"
)

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db *db.DB

	// Domain-specific stores
	Groups         *GroupStore
	HighWaterMarks *HighWaterMarkStore
	Conflicts      *ConflictStore
	Conversions    *ConversionStore
	Events         *EventStore
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	s := &Store{db: database}
	s.Groups = &GroupStore{store: s}
	s.HighWaterMarks = &HighWaterMarkStore{store: s}
	s.Conflicts = &ConflictStore{store: s}
	s.Conversions = &ConversionStore{store: s}
	s.Events = &EventStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(fn func(tx *sql.Tx, ew *events.Writer) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ew := events.NewWriter(s.db)
	if err := fn(tx, ew); err != nil {
		return err
	}

	return tx.Commit()
}

// q rebinds placeholders for the active dialect.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// insertID runs an INSERT ... RETURNING id and returns the new id.
func insertID(q queryer, query string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRow(query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func translateNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return db.FormatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}

func statusArgs(statuses []domain.ChangeStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = int(s)
	}
	return args
}
