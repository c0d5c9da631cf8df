// Package postgres implements internal/budget.Store on top of Postgres,
// giving the gateway a durable reservation ledger that survives a process
// restart — spec.md §4.5 names this as the persistent backing for the
// in-memory budget table.
//
// Grounded on the teacher pack's _examples/rakunlabs-at/internal/store/postgres
// package: context-everywhere CRUD methods wrapping every error with the
// operation name, a connection opened and pinged once at New, and an
// idempotent update-by-status pattern for state transitions. That package
// reaches for database/sql plus the pgx stdlib driver and goqu; this one
// uses jackc/pgx/v5's native pgxpool interface directly, since pgx/v5 (not
// goqu) is the dependency this module's go.mod actually carries.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

const schema = `
CREATE TABLE IF NOT EXISTS llmgw_reservations (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	settled_amt BIGINT,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS llmgw_reservations_status_created_at_idx
	ON llmgw_reservations (status, created_at);
`

// Store is a Postgres-backed budget.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn, pings it, and ensures the reservations
// table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure reservations table: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Reserve implements internal/budget.Store.
func (s *Store) Reserve(ctx context.Context, scope gatewaytypes.Scope, kind gatewaytypes.ReservationKind, amount int64) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llmgw_reservations (id, scope, kind, amount, status, created_at) VALUES ($1, $2, $3, $4, 'pending', $5)`,
		id, string(scope), string(kind), amount, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("reserve scope %q: %w", scope, err)
	}
	return id, nil
}

// Settle implements internal/budget.Store. It is idempotent: settling an
// already-settled or already-refunded reservation is a no-op.
func (s *Store) Settle(ctx context.Context, reservationID string, actual int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llmgw_reservations SET status = 'settled', settled_amt = $2 WHERE id = $1 AND status = 'pending'`,
		reservationID, actual)
	if err != nil {
		return fmt.Errorf("settle reservation %q: %w", reservationID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, reservationID)
	}
	return nil
}

// Refund implements internal/budget.Store. Idempotent by reservationID.
func (s *Store) Refund(ctx context.Context, reservationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llmgw_reservations SET status = 'refunded', settled_amt = 0 WHERE id = $1 AND status = 'pending'`,
		reservationID)
	if err != nil {
		return fmt.Errorf("refund reservation %q: %w", reservationID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, reservationID)
	}
	return nil
}

// requireExists distinguishes "already resolved, fine" from "never
// existed, caller error" when an update-by-status affects zero rows.
func (s *Store) requireExists(ctx context.Context, reservationID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM llmgw_reservations WHERE id = $1)`, reservationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check reservation %q: %w", reservationID, err)
	}
	if !exists {
		return fmt.Errorf("reservation %q not found", reservationID)
	}
	return nil
}

// Reap implements internal/budget.Store: it refunds every reservation
// still pending past olderThan, orphaned by a crash mid-attempt.
func (s *Store) Reap(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE llmgw_reservations SET status = 'refunded', settled_amt = 0
		 WHERE status = 'pending' AND created_at < $1
		 RETURNING id`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reap reservations: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("reap reservations: %w", err)
	}
	return n, nil
}
