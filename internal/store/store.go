// Package store is the job store accessor. It reads and updates queue table
// rows on pgx native transactions: fetching one eligible job with
// FOR UPDATE SKIP LOCKED, then recording its success or failure before the
// owning transaction commits.
//
// Queue tables are chosen at runtime, so queries are built with squirrel
// rather than generated ahead of time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object for queue tables.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
	iso  pgx.TxIsoLevel
}

// New creates a Store backed by pool. Transactions opened through InTx use
// isolation level iso; an empty level means serializable.
func New(pool *pgxpool.Pool, iso pgx.TxIsoLevel) *Store {
	if iso == "" {
		iso = pgx.Serializable
	}
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
		iso:  iso,
	}
}

// ParseIsoLevel maps a DB_ISOLATION_LEVEL value to a pgx isolation level.
func ParseIsoLevel(level string) (pgx.TxIsoLevel, error) {
	switch level {
	case "", "serializable":
		return pgx.Serializable, nil
	case "repeatable_read":
		return pgx.RepeatableRead, nil
	case "read_committed":
		return pgx.ReadCommitted, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", level)
}

// WithIsoLevel returns a Store sharing s's pool whose transactions use iso.
func (s *Store) WithIsoLevel(iso pgx.TxIsoLevel) *Store {
	c := *s
	c.iso = iso
	return &c
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB for ad hoc inspection queries.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside a pgx native transaction at the store's isolation
// level. The transaction is committed if fn returns nil and rolled back
// otherwise. Errors from fn are returned unchanged; begin and commit
// failures are wrapped in *Error.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: s.iso})
	if err != nil {
		return wrap("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Tx is one open transaction. It is owned by a single runner iteration and
// must not be shared.
type Tx struct {
	tx pgx.Tx
}

// tableName quotes a queue name, which may be schema-qualified.
func tableName(queue string) string {
	parts := strings.Split(queue, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// errorTableName is the failure history table paired with queue.
func errorTableName(queue string) string {
	return tableName(queue + "_error")
}
