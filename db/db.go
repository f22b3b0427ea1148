package db

import (
	"context"
	"errors"
	"fmt"

	"coopcycle/internal/coop"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Storage is the Postgres implementation of coop.Store.
type Storage struct {
	queries
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{queries: queries{q: db}, db: db}
}

// Connect opens a pool against a Postgres DSN and pings it.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

// InTx runs fn inside a database transaction.
func (s *Storage) InTx(ctx context.Context, fn func(tx coop.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&txStore{queries: queries{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// limitOffset renders a LIMIT/OFFSET tail; limit <= 0 means no limit.
func limitOffset(limit, offset int) string {
	tail := ""
	if limit > 0 {
		tail += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		tail += fmt.Sprintf(" OFFSET %d", offset)
	}
	return tail
}
