package store

import (
	"context"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// EntityRepo is the pgx-backed repository for the entity table.
type EntityRepo struct{}

// Create inserts a new entity row.
func (r *EntityRepo) Create(ctx context.Context, q Querier, e *models.Entity) error {
	_, err := q.Exec(ctx, `
		INSERT INTO entity (id, criterion_id, span_text, type, context_window,
			grounding_confidence, grounding_method, grounding_error, grounding_system,
			rxnorm_code, icd10_code, snomed_code, loinc_code, hpo_code, umls_cui, preferred_term)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.CriterionID, e.SpanText, string(e.Type), e.ContextWindow,
		e.GroundingConfidence, e.GroundingMethod, e.GroundingError, string(e.GroundingSystem),
		e.RxNormCode, e.ICD10Code, e.SnomedCode, e.LoincCode, e.HPOCode, e.UMLSCUI, e.PreferredTerm)
	return err
}

// ListForCriterion returns every entity extracted from one criterion.
func (r *EntityRepo) ListForCriterion(ctx context.Context, q Querier, criterionID string) ([]*models.Entity, error) {
	rows, err := q.Query(ctx, `
		SELECT id, criterion_id, span_text, type, context_window,
			grounding_confidence, grounding_method, grounding_error, grounding_system,
			rxnorm_code, icd10_code, snomed_code, loinc_code, hpo_code, umls_cui, preferred_term
		FROM entity WHERE criterion_id = $1`, criterionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var e models.Entity
	var entityType, groundingSystem string
	err := row.Scan(&e.ID, &e.CriterionID, &e.SpanText, &entityType, &e.ContextWindow,
		&e.GroundingConfidence, &e.GroundingMethod, &e.GroundingError, &groundingSystem,
		&e.RxNormCode, &e.ICD10Code, &e.SnomedCode, &e.LoincCode, &e.HPOCode, &e.UMLSCUI, &e.PreferredTerm)
	if err != nil {
		return nil, err
	}
	e.Type = models.EntityType(entityType)
	e.GroundingSystem = models.TerminologySystem(groundingSystem)
	return &e, nil
}
