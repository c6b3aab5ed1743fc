package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// match pairs a new criterion with the prior decision it inherits.
type match struct {
	criterionID  string
	decision     models.ReviewDecision
	modification map[string]any
	similarity   float64
}

// Inheritor copies reviewer decisions from a protocol's archived batch
// onto a freshly persisted one. Callers treat failures as warnings; this
// step never blocks the pipeline.
type Inheritor struct {
	store     *store.Store
	threshold float64
}

// NewInheritor wires the inheritor. threshold is the minimum similarity
// for a decision to carry over.
func NewInheritor(st *store.Store, threshold float64) *Inheritor {
	return &Inheritor{store: st, threshold: threshold}
}

// InheritDecisions finds the protocol's most recent archived batch and,
// for each new criterion, copies the decision of the nearest prior
// criterion whose text similarity clears the threshold.
func (i *Inheritor) InheritDecisions(ctx context.Context, protocolID, newBatchID string) error {
	prior, err := i.store.Batches.LatestArchivedForProtocol(ctx, i.store.Pool, protocolID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("review: finding archived batch: %w", err)
	}

	priorCriteria, err := i.store.Criteria.ListForBatch(ctx, i.store.Pool, prior.ID)
	if err != nil {
		return fmt.Errorf("review: listing prior criteria: %w", err)
	}
	decided := priorCriteria[:0:0]
	for _, c := range priorCriteria {
		if c.HasDecision() {
			decided = append(decided, c)
		}
	}
	if len(decided) == 0 {
		return nil
	}

	newCriteria, err := i.store.Criteria.ListForBatch(ctx, i.store.Pool, newBatchID)
	if err != nil {
		return fmt.Errorf("review: listing new criteria: %w", err)
	}

	matches := matchDecisions(newCriteria, decided, i.threshold)
	if len(matches) == 0 {
		return nil
	}

	err = i.store.WithTx(ctx, func(tx pgx.Tx) error {
		for _, m := range matches {
			if err := i.store.Criteria.UpdateReview(ctx, tx, m.criterionID, m.decision, m.modification); err != nil {
				return err
			}
		}
		return i.store.Batches.UpdateCounts(ctx, tx, newBatchID, len(matches), len(newCriteria))
	})
	if err != nil {
		return fmt.Errorf("review: applying inherited decisions: %w", err)
	}

	slog.Info("inherited review decisions",
		"protocol_id", protocolID, "batch_id", newBatchID,
		"inherited", len(matches), "total", len(newCriteria))
	return nil
}

// matchDecisions computes, for each undecided new criterion, the nearest
// decided prior criterion; pairs clearing the threshold inherit the
// decision and its modification payload.
func matchDecisions(newCriteria, decided []*models.Criterion, threshold float64) []match {
	var out []match
	for _, nc := range newCriteria {
		if nc.HasDecision() {
			continue
		}
		var best *models.Criterion
		bestScore := 0.0
		for _, pc := range decided {
			if score := Similarity(nc.Text, pc.Text); score > bestScore {
				best, bestScore = pc, score
			}
		}
		if best != nil && bestScore >= threshold {
			out = append(out, match{
				criterionID:  nc.ID,
				decision:     best.ReviewStatus,
				modification: best.ReviewModification,
				similarity:   bestScore,
			})
		}
	}
	return out
}
