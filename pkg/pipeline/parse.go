package pipeline

import (
	"strings"

	"github.com/clinicaltrials/gridline/pkg/llmclient"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// categoryEntityTypes maps normalized criterion categories onto the entity
// types that drive terminology routing. Unknown categories fall back to
// Condition.
var categoryEntityTypes = map[string]models.EntityType{
	"medication":     models.EntityMedication,
	"medications":    models.EntityMedication,
	"drug":           models.EntityMedication,
	"treatment":      models.EntityMedication,
	"condition":      models.EntityCondition,
	"disease":        models.EntityCondition,
	"comorbidity":    models.EntityCondition,
	"medical":        models.EntityCondition,
	"procedure":      models.EntityProcedure,
	"surgery":        models.EntityProcedure,
	"surgical":       models.EntityProcedure,
	"lab":            models.EntityLabValue,
	"laboratory":     models.EntityLabValue,
	"lab_value":      models.EntityLabValue,
	"lab_values":     models.EntityLabValue,
	"demographic":    models.EntityDemographic,
	"demographics":   models.EntityDemographic,
	"age":            models.EntityDemographic,
	"biomarker":      models.EntityBiomarker,
	"biomarkers":     models.EntityBiomarker,
	"genetic":        models.EntityBiomarker,
	"genomic":        models.EntityBiomarker,
}

// entityTypeForCategory resolves a criterion category, case-insensitively,
// defaulting to Condition for anything unrecognized.
func entityTypeForCategory(category string) models.EntityType {
	key := strings.ToLower(strings.TrimSpace(category))
	if t, ok := categoryEntityTypes[key]; ok {
		return t
	}
	return models.EntityCondition
}

// normalizeCriterion converts one raw extraction result into the domain
// shape, validating enum-valued fields and deriving the entity type.
func normalizeCriterion(raw llmclient.RawCriterion) models.Criterion {
	c := models.Criterion{
		Text:       strings.TrimSpace(raw.Text),
		Category:   raw.Category,
		Confidence: raw.Confidence,
		PageNumber: raw.PageNumber,
		Conditions: raw.Conditions,
		EntityType: entityTypeForCategory(raw.Category),
	}

	if raw.Classification == string(models.ClassificationExclusion) {
		c.Classification = models.ClassificationExclusion
	} else {
		c.Classification = models.ClassificationInclusion
	}

	switch models.AssertionStatus(raw.Assertion) {
	case models.AssertionPresent, models.AssertionAbsent, models.AssertionHypothetical,
		models.AssertionHistorical, models.AssertionConditional:
		c.Assertion = models.AssertionStatus(raw.Assertion)
	default:
		c.Assertion = models.AssertionPresent
	}

	for _, t := range raw.Thresholds {
		comparator := models.Comparator(t.Comparator)
		switch comparator {
		case models.ComparatorEQ, models.ComparatorLT, models.ComparatorLTE,
			models.ComparatorGT, models.ComparatorGTE, models.ComparatorRange:
		default:
			continue
		}
		c.Thresholds = append(c.Thresholds, models.NumericThreshold{
			Comparator: comparator,
			Value:      t.Value,
			Unit:       t.Unit,
			Upper:      t.Upper,
		})
	}

	if raw.Temporal != nil {
		relation := models.TemporalRelation(raw.Temporal.Relation)
		switch relation {
		case models.TemporalWithin, models.TemporalBefore, models.TemporalAfter, models.TemporalAtLeast:
			c.Temporal = &models.TemporalConstraint{
				Duration:  raw.Temporal.Duration,
				Relation:  relation,
				Reference: raw.Temporal.Reference,
			}
		}
	}

	return c
}
