package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Store over the process-wide connection pool. It
// is constructed once per process, never per invocation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps the shared pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Save commits the snapshot inside one transaction, enforcing strict step
// monotonicity per thread under a row lock so concurrent writers for the
// same thread serialize.
func (s *Postgres) Save(ctx context.Context, threadID string, step int, state []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var latest int
	err = tx.QueryRow(ctx, `
		SELECT step FROM checkpoint WHERE thread_id = $1
		ORDER BY step DESC LIMIT 1
		FOR UPDATE`, threadID).Scan(&latest)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First checkpoint for this thread.
	case err != nil:
		return fmt.Errorf("checkpoint: reading latest step: %w", err)
	case step <= latest:
		return fmt.Errorf("%w: thread %s step %d latest %d", ErrStepNotMonotone, threadID, step, latest)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO checkpoint (thread_id, step, state, created_at)
		VALUES ($1, $2, $3, $4)`,
		threadID, step, state, time.Now()); err != nil {
		return fmt.Errorf("checkpoint: insert step %d: %w", step, err)
	}
	return tx.Commit(ctx)
}

// Latest reads the newest committed step for the thread.
func (s *Postgres) Latest(ctx context.Context, threadID string) (int, []byte, bool, error) {
	var step int
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT step, state FROM checkpoint WHERE thread_id = $1
		ORDER BY step DESC LIMIT 1`, threadID).Scan(&step, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("checkpoint: reading latest: %w", err)
	}
	return step, state, true, nil
}

// Delete drops the thread's entire checkpoint history.
func (s *Postgres) Delete(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoint WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete thread %s: %w", threadID, err)
	}
	return nil
}
