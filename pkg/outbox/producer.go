// Package outbox delivers state-changing events exactly once from the
// database's point of view: events are written in the same transaction as
// the business row, then polled, dispatched, and retried with a bounded
// budget before dead-lettering.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// Producer writes pending events. Callers must pass the same transaction
// that writes the aggregate row, so both commit or neither does.
type Producer struct {
	repo *store.OutboxRepo
}

// NewProducer wires the producer to the outbox repository.
func NewProducer(repo *store.OutboxRepo) *Producer {
	return &Producer{repo: repo}
}

// Publish inserts one pending event inside the caller's transaction.
func (p *Producer) Publish(ctx context.Context, q store.Querier, aggregateID string, kind models.EventKind, payload map[string]any) error {
	now := time.Now()
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["aggregate_id"]; !ok {
		payload["aggregate_id"] = aggregateID
	}
	return p.repo.Publish(ctx, q, &models.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		Kind:          kind,
		Payload:       payload,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}
