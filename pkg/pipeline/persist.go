package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// BatchCommit is everything the persist node hands the writer.
type BatchCommit struct {
	ProtocolID      string
	ThreadID        string
	IsReExtraction  bool
	ExtractionModel string
	Criteria        []models.Criterion
	Entities        []EntityDraft
}

// BatchWriter commits one extraction run's results atomically and returns
// the new batch id.
type BatchWriter interface {
	CommitBatch(ctx context.Context, commit BatchCommit) (string, error)
}

// Inheritor copies prior human review decisions onto a new batch after a
// re-extraction. Implementations must be safe to skip: the call is
// best-effort and never fails the pipeline.
type Inheritor interface {
	InheritDecisions(ctx context.Context, protocolID, newBatchID string) error
}

// AuditWriter appends one immutable audit entry within the caller's
// transaction.
type AuditWriter interface {
	Record(ctx context.Context, q store.Querier, actor, eventKind, targetKind, targetID string, before, after map[string]any) error
}

// StoreWriter is the pgx-backed BatchWriter: batch, criteria, entities,
// the protocol status flip, and the audit entry all land in one
// transaction. Review inheritance runs after the commit, outside it.
type StoreWriter struct {
	store   *store.Store
	audit   AuditWriter
	inherit Inheritor
}

// NewStoreWriter wires the production writer. inherit may be nil
// (inheritance disabled).
func NewStoreWriter(st *store.Store, audit AuditWriter, inherit Inheritor) *StoreWriter {
	return &StoreWriter{store: st, audit: audit, inherit: inherit}
}

// CommitBatch writes the run's results. For a re-extraction the previous
// active batch is archived in the same transaction, keeping at most one
// non-archived batch per protocol.
func (w *StoreWriter) CommitBatch(ctx context.Context, commit BatchCommit) (string, error) {
	batchID := uuid.NewString()
	now := time.Now()

	err := w.store.WithTx(ctx, func(tx pgx.Tx) error {
		protocol, err := w.store.Protocols.Get(ctx, tx, commit.ProtocolID)
		if err != nil {
			return err
		}
		before := map[string]any{"status": string(protocol.Status)}

		prior, err := w.store.Batches.ActiveForProtocol(ctx, tx, commit.ProtocolID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prior != nil {
			if err := w.store.Batches.Archive(ctx, tx, prior.ID); err != nil {
				return err
			}
		}

		batch := &models.CriteriaBatch{
			ID:              batchID,
			ProtocolID:      commit.ProtocolID,
			TotalCount:      len(commit.Criteria),
			ExtractionModel: commit.ExtractionModel,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := w.store.Batches.Create(ctx, tx, batch); err != nil {
			return err
		}

		criterionIDs := make([]string, len(commit.Criteria))
		for i := range commit.Criteria {
			c := commit.Criteria[i]
			c.ID = uuid.NewString()
			c.BatchID = batchID
			criterionIDs[i] = c.ID
			if err := w.store.Criteria.Create(ctx, tx, &c); err != nil {
				return err
			}
		}

		for i := range commit.Entities {
			d := commit.Entities[i]
			if d.CriterionIndex < 0 || d.CriterionIndex >= len(criterionIDs) {
				continue
			}
			e := d.Entity
			e.ID = uuid.NewString()
			e.CriterionID = criterionIDs[d.CriterionIndex]
			if err := w.store.Entities.Create(ctx, tx, &e); err != nil {
				return err
			}
		}

		protocol.Status = models.ProtocolPendingReview
		protocol.ClearError()
		if err := w.store.Protocols.Update(ctx, tx, protocol); err != nil {
			return err
		}

		if w.audit != nil {
			after := map[string]any{"status": string(models.ProtocolPendingReview), "batch_id": batchID}
			if err := w.audit.Record(ctx, tx, "pipeline", "BATCH_PERSISTED", "protocol", commit.ProtocolID, before, after); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// Inheritance is post-commit and non-blocking: a failure here is a
	// warning, never a pipeline failure.
	if commit.IsReExtraction && w.inherit != nil {
		if err := w.inherit.InheritDecisions(ctx, commit.ProtocolID, batchID); err != nil {
			slog.Warn("review inheritance failed",
				"protocol_id", commit.ProtocolID, "batch_id", batchID, "error", err)
		}
	}

	return batchID, nil
}
