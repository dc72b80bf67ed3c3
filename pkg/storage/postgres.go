package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Postgres implements Store on top of a pooled PostgreSQL connection
type Postgres struct {
	db *sqlx.DB
	q  queryer
}

var _ Store = (*Postgres)(nil)

// Open connects to PostgreSQL and configures the pool
func Open(databaseURL string, poolSize int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	return &Postgres{db: db, q: db}, nil
}

// Close closes the connection pool
func (s *Postgres) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// WithinTx runs fn against a transaction-bound Store. The inner
// Store shares the same query methods but executes on the tx, so a
// mutation and its audit event commit or roll back together.
func (s *Postgres) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		// Already inside a transaction; nest logically, not physically.
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	bound := &Postgres{db: s.db, q: tx}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger := log.WithComponent("storage")
			logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError converts driver errors into the shared taxonomy
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.Wrap(types.KindNotFound, "not found", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return types.Wrap(types.KindConflict, "already exists", err)
		case pqErr.Code == "23503":
			return types.Wrap(types.KindFKViolation, "violates a reference", err)
		case pqErr.Code.Class() == "08", // connection exceptions
			pqErr.Code.Class() == "53", // insufficient resources
			pqErr.Code == "40001",      // serialization failure
			pqErr.Code == "40P01":      // deadlock
			return types.Wrap(types.KindTransient, "temporary database error", err)
		}
		return types.Wrap(types.KindInternal, "database error", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindDeadline, "database call exceeded deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindDeadline, "database call canceled", err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return types.Wrap(types.KindTransient, "database unreachable", err)
	}
	return types.Wrap(types.KindInternal, "database error", err)
}
