package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// BatchRepo is the pgx-backed repository for criteria_batch.
type BatchRepo struct{}

// Create inserts a new batch row.
func (r *BatchRepo) Create(ctx context.Context, q Querier, b *models.CriteriaBatch) error {
	_, err := q.Exec(ctx, `
		INSERT INTO criteria_batch (id, protocol_id, is_archived, reviewed_count, total_count, extraction_model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.ProtocolID, b.IsArchived, b.ReviewedCount, b.TotalCount, b.ExtractionModel, b.CreatedAt, b.UpdatedAt)
	return err
}

// ActiveForProtocol returns the single non-archived batch for a protocol,
// if any. At most one batch per protocol is non-archived at any time.
func (r *BatchRepo) ActiveForProtocol(ctx context.Context, q Querier, protocolID string) (*models.CriteriaBatch, error) {
	row := q.QueryRow(ctx, `
		SELECT id, protocol_id, is_archived, reviewed_count, total_count, extraction_model, created_at, updated_at
		FROM criteria_batch WHERE protocol_id = $1 AND is_archived = false
		ORDER BY created_at DESC LIMIT 1`, protocolID)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// LatestArchivedForProtocol returns the most recently archived batch for a
// protocol, if any. Review inheritance reads prior decisions from it.
func (r *BatchRepo) LatestArchivedForProtocol(ctx context.Context, q Querier, protocolID string) (*models.CriteriaBatch, error) {
	row := q.QueryRow(ctx, `
		SELECT id, protocol_id, is_archived, reviewed_count, total_count, extraction_model, created_at, updated_at
		FROM criteria_batch WHERE protocol_id = $1 AND is_archived = true
		ORDER BY created_at DESC LIMIT 1`, protocolID)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// Archive marks a batch archived, used when a re-extraction supersedes it.
func (r *BatchRepo) Archive(ctx context.Context, q Querier, batchID string) error {
	_, err := q.Exec(ctx, `UPDATE criteria_batch SET is_archived = true, updated_at = $2 WHERE id = $1`,
		batchID, time.Now())
	return err
}

// UpdateCounts persists the reviewed/total criteria counters.
func (r *BatchRepo) UpdateCounts(ctx context.Context, q Querier, batchID string, reviewed, total int) error {
	_, err := q.Exec(ctx, `UPDATE criteria_batch SET reviewed_count = $2, total_count = $3, updated_at = $4 WHERE id = $1`,
		batchID, reviewed, total, time.Now())
	return err
}

func scanBatch(row pgx.Row) (*models.CriteriaBatch, error) {
	var b models.CriteriaBatch
	err := row.Scan(&b.ID, &b.ProtocolID, &b.IsArchived, &b.ReviewedCount, &b.TotalCount, &b.ExtractionModel, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
