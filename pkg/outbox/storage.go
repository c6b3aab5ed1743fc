package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// PGStorage is the production Storage over the pgx repositories. Claims
// take row locks with SKIP LOCKED so two processor instances never
// dispatch the same event.
type PGStorage struct {
	store *store.Store
}

// NewPGStorage wires the storage to the shared store.
func NewPGStorage(st *store.Store) *PGStorage {
	return &PGStorage{store: st}
}

// Claim claims up to limit due events inside one transaction.
func (s *PGStorage) Claim(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	var claimed []*models.OutboxEvent
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		claimed, err = s.store.Outbox.ClaimBatch(ctx, tx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDone records terminal success.
func (s *PGStorage) MarkDone(ctx context.Context, id string) error {
	return s.store.Outbox.MarkDone(ctx, s.store.Pool, id)
}

// Reschedule re-queues a failed event with its incremented retry count.
func (s *PGStorage) Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time) error {
	return s.store.Outbox.MarkRetry(ctx, s.store.Pool, id, retryCount, nextAttemptAt)
}

// DeadLetter terminally fails the event and, in the same transaction,
// moves the targeted protocol to dead_letter with its categorized error
// and an audit entry.
func (s *PGStorage) DeadLetter(ctx context.Context, ev *models.OutboxEvent, category models.ErrorCategory, reason string) error {
	return s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.Outbox.MarkDeadLetter(ctx, tx, ev.ID, ev.RetryCount); err != nil {
			return fmt.Errorf("marking event dead-letter: %w", err)
		}

		protocol, err := s.store.Protocols.Get(ctx, tx, ev.AggregateID)
		if err != nil {
			// Events that do not target a protocol have nothing further
			// to transition.
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		before := map[string]any{"status": string(protocol.Status)}
		protocol.Status = models.ProtocolDeadLetter
		protocol.ErrorReason = reason
		protocol.SetErrorMetadata(models.ErrorMetadata{
			Category:   string(category),
			Reason:     reason,
			RetryCount: ev.RetryCount,
		})
		if err := s.store.Protocols.Update(ctx, tx, protocol); err != nil {
			return fmt.Errorf("transitioning protocol to dead_letter: %w", err)
		}

		return s.store.Audit.Append(ctx, tx, &models.AuditLog{
			ID:         uuid.NewString(),
			Actor:      "outbox",
			EventKind:  "PROTOCOL_DEAD_LETTERED",
			TargetKind: "protocol",
			TargetID:   protocol.ID,
			Before:     before,
			After: map[string]any{
				"status":       string(models.ProtocolDeadLetter),
				"error_reason": reason,
				"retry_count":  ev.RetryCount,
			},
			Timestamp: time.Now(),
		})
	})
}

// ReclaimOrphans re-queues stale in_flight claims left by dead workers.
func (s *PGStorage) ReclaimOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	return s.store.Outbox.ReclaimOrphans(ctx, s.store.Pool, olderThan)
}

// PendingCount reports how many events are waiting for dispatch.
func (s *PGStorage) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.store.Pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_event WHERE status IN ('pending', 'failed')`).Scan(&count)
	return count, err
}
