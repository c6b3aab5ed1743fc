package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// OutboxRepo is the pgx-backed repository for outbox_event, including the
// claim-next-batch row lock that keeps two processor instances from
// dispatching the same event.
type OutboxRepo struct{}

// Publish inserts a pending event. Callers pass the business transaction's
// tx as q so the aggregate row and the event commit atomically.
func (r *OutboxRepo) Publish(ctx context.Context, q Querier, ev *models.OutboxEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO outbox_event (id, aggregate_id, kind, payload, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.AggregateID, string(ev.Kind), payload, string(ev.Status), ev.RetryCount,
		ev.NextAttemptAt, ev.CreatedAt, ev.UpdatedAt)
	return err
}

// ClaimBatch atomically claims up to limit pending/failed events whose
// next_attempt_at has elapsed, marking them in_flight inside one
// transaction using SELECT ... FOR UPDATE SKIP LOCKED. The caller commits
// or rolls back tx; a rollback (e.g. process crash) leaves the rows
// claimable again, preserving at-least-once delivery.
func (r *OutboxRepo) ClaimBatch(ctx context.Context, tx pgx.Tx, limit int) ([]*models.OutboxEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, kind, payload, status, retry_count, next_attempt_at, created_at, updated_at
		FROM outbox_event
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= now()
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable events: %w", err)
	}

	var claimed []*models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ev := range claimed {
		ev.Status = models.OutboxInFlight
		ev.UpdatedAt = time.Now()
		if _, err := tx.Exec(ctx, `UPDATE outbox_event SET status = 'in_flight', updated_at = $2 WHERE id = $1`,
			ev.ID, ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("marking event in_flight: %w", err)
		}
	}
	return claimed, nil
}

// MarkDone transitions an event to its terminal success state.
func (r *OutboxRepo) MarkDone(ctx context.Context, q Querier, id string) error {
	_, err := q.Exec(ctx, `UPDATE outbox_event SET status = 'done', updated_at = $2 WHERE id = $1`, id, time.Now())
	return err
}

// MarkRetry re-queues an event with an incremented retry count and a
// backoff-delayed next_attempt_at.
func (r *OutboxRepo) MarkRetry(ctx context.Context, q Querier, id string, retryCount int, nextAttemptAt time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE outbox_event SET status = 'failed', retry_count = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $1`, id, retryCount, nextAttemptAt, time.Now())
	return err
}

// ReclaimOrphans re-queues in_flight events whose claim went stale: a
// worker that dies after its claim transaction commits leaves rows
// in_flight with nothing to finish them, and the claim query only looks
// at pending/failed. Rows untouched since olderThan flip back to failed
// with an immediate next attempt, keeping at-least-once delivery across
// crashes. The retry count is preserved so a crash loop still converges
// on dead_letter. Safe to run from multiple processors; the row update is
// idempotent.
func (r *OutboxRepo) ReclaimOrphans(ctx context.Context, q Querier, olderThan time.Time) (int, error) {
	now := time.Now()
	tag, err := q.Exec(ctx, `
		UPDATE outbox_event SET status = 'failed', next_attempt_at = $2, updated_at = $2
		WHERE status = 'in_flight' AND updated_at < $1`, olderThan, now)
	if err != nil {
		return 0, fmt.Errorf("reclaiming orphaned events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDeadLetter transitions an event to its terminal failure state once
// the retry budget is exhausted.
func (r *OutboxRepo) MarkDeadLetter(ctx context.Context, q Querier, id string, retryCount int) error {
	_, err := q.Exec(ctx, `
		UPDATE outbox_event SET status = 'dead_letter', retry_count = $2, updated_at = $3
		WHERE id = $1`, id, retryCount, time.Now())
	return err
}

func scanOutboxEvent(row rowScanner) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var kind, status string
	var payload []byte
	err := row.Scan(&ev.ID, &ev.AggregateID, &kind, &payload, &status, &ev.RetryCount,
		&ev.NextAttemptAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Kind = models.EventKind(kind)
	ev.Status = models.OutboxStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &ev, nil
}
