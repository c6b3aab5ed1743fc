// Package store holds pgx-backed repositories for the relational tables:
// protocol, criteria_batch, criterion, entity, outbox_event, and
// audit_log. Queries are hand-written SQL against
// github.com/jackc/pgx/v5; event claims take row locks with
// FOR UPDATE SKIP LOCKED so concurrent processors never double-dispatch.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx.Tx and pgxpool.Pool that repositories need.
// Every repository method accepts a Querier so callers can run it either
// directly against the pool or inside an existing transaction — the outbox
// producer requires the latter, since a business write and its event must
// commit together.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles every repository over a shared pool.
type Store struct {
	Pool      *pgxpool.Pool
	Protocols *ProtocolRepo
	Batches   *BatchRepo
	Criteria  *CriterionRepo
	Entities  *EntityRepo
	Outbox    *OutboxRepo
	Audit     *AuditRepo
}

// New constructs a Store with every repository wired to pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Pool:      pool,
		Protocols: &ProtocolRepo{},
		Batches:   &BatchRepo{},
		Criteria:  &CriterionRepo{},
		Entities:  &EntityRepo{},
		Outbox:    &OutboxRepo{},
		Audit:     &AuditRepo{},
	}
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
