package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// CriterionRepo is the pgx-backed repository for the criterion table.
type CriterionRepo struct{}

// Create inserts a new criterion row, JSON-encoding its structured fields.
func (r *CriterionRepo) Create(ctx context.Context, q Querier, c *models.Criterion) error {
	thresholds, err := json.Marshal(c.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	var temporal []byte
	if c.Temporal != nil {
		if temporal, err = json.Marshal(c.Temporal); err != nil {
			return fmt.Errorf("marshal temporal: %w", err)
		}
	}
	conditions, err := json.Marshal(c.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	var modification []byte
	if c.ReviewModification != nil {
		if modification, err = json.Marshal(c.ReviewModification); err != nil {
			return fmt.Errorf("marshal review modification: %w", err)
		}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO criterion (id, batch_id, text, classification, category, confidence, page_number,
			thresholds, temporal, conditions, assertion, review_status, review_modification, entity_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.BatchID, c.Text, string(c.Classification), c.Category, c.Confidence, c.PageNumber,
		thresholds, temporal, conditions, string(c.Assertion), string(c.ReviewStatus), modification, string(c.EntityType))
	return err
}

// ListForBatch returns every criterion belonging to a batch.
func (r *CriterionRepo) ListForBatch(ctx context.Context, q Querier, batchID string) ([]*models.Criterion, error) {
	rows, err := q.Query(ctx, `
		SELECT id, batch_id, text, classification, category, confidence, page_number,
			thresholds, temporal, conditions, assertion, review_status, review_modification, entity_type
		FROM criterion WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Criterion
	for rows.Next() {
		c, err := scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateReview persists a reviewer's decision and optional modification
// payload.
func (r *CriterionRepo) UpdateReview(ctx context.Context, q Querier, criterionID string, decision models.ReviewDecision, modification map[string]any) error {
	var mod []byte
	if modification != nil {
		var err error
		if mod, err = json.Marshal(modification); err != nil {
			return fmt.Errorf("marshal review modification: %w", err)
		}
	}
	_, err := q.Exec(ctx, `UPDATE criterion SET review_status = $2, review_modification = $3 WHERE id = $1`,
		criterionID, string(decision), mod)
	return err
}

func scanCriterion(row rowScanner) (*models.Criterion, error) {
	var c models.Criterion
	var classification, assertion, reviewStatus, entityType string
	var thresholds, temporal, conditions, modification []byte

	err := row.Scan(&c.ID, &c.BatchID, &c.Text, &classification, &c.Category, &c.Confidence, &c.PageNumber,
		&thresholds, &temporal, &conditions, &assertion, &reviewStatus, &modification, &entityType)
	if err != nil {
		return nil, err
	}
	c.Classification = models.CriterionClassification(classification)
	c.Assertion = models.AssertionStatus(assertion)
	c.ReviewStatus = models.ReviewDecision(reviewStatus)
	c.EntityType = models.EntityType(entityType)

	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &c.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshal thresholds: %w", err)
		}
	}
	if len(temporal) > 0 {
		c.Temporal = &models.TemporalConstraint{}
		if err := json.Unmarshal(temporal, c.Temporal); err != nil {
			return nil, fmt.Errorf("unmarshal temporal: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &c.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if len(modification) > 0 {
		if err := json.Unmarshal(modification, &c.ReviewModification); err != nil {
			return nil, fmt.Errorf("unmarshal review modification: %w", err)
		}
	}
	return &c, nil
}
