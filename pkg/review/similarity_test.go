package review

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clinicaltrials/gridline/pkg/models"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "Age >= 18 years", "Age >= 18 years", 1.0, 1.0},
		{"case and spacing ignored", "age >= 18  years", "Age >= 18 Years", 1.0, 1.0},
		{"near match", "History of myocardial infarction within 6 months", "History of myocardial infarction within 12 months", 0.85, 0.99},
		{"unrelated", "Age >= 18 years", "Pregnant or breastfeeding", 0.0, 0.4},
		{"one empty", "Age >= 18 years", "", 0.0, 0.0},
		{"both empty", "", "", 1.0, 1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Similarity(tc.a, tc.b)
			assert.GreaterOrEqual(t, got, tc.min)
			assert.LessOrEqual(t, got, tc.max)
		})
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	a := "ECOG performance status 0-1"
	b := "ECOG performance status of 0 or 1"
	assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-9)
}

func TestMatchDecisions_InheritsAboveThreshold(t *testing.T) {
	decided := []*models.Criterion{
		{ID: "old-1", Text: "Age >= 18 years", ReviewStatus: models.ReviewApproved},
		{ID: "old-2", Text: "History of stroke within 6 months", ReviewStatus: models.ReviewRejected,
			ReviewModification: map[string]any{"note": "confirm imaging"}},
	}
	newCriteria := []*models.Criterion{
		{ID: "new-1", Text: "Age >= 18  Years"},                      // matches old-1 exactly after normalization
		{ID: "new-2", Text: "History of stroke within 6 months"},     // matches old-2
		{ID: "new-3", Text: "Willing to provide informed consent"},   // no match
	}

	matches := matchDecisions(newCriteria, decided, 0.82)
	assert.Len(t, matches, 2)

	byID := map[string]match{}
	for _, m := range matches {
		byID[m.criterionID] = m
	}
	assert.Equal(t, models.ReviewApproved, byID["new-1"].decision)
	assert.Equal(t, models.ReviewRejected, byID["new-2"].decision)
	assert.Equal(t, map[string]any{"note": "confirm imaging"}, byID["new-2"].modification)
	assert.NotContains(t, byID, "new-3")
}

func TestMatchDecisions_SkipsAlreadyDecided(t *testing.T) {
	decided := []*models.Criterion{
		{ID: "old-1", Text: "Age >= 18 years", ReviewStatus: models.ReviewApproved},
	}
	newCriteria := []*models.Criterion{
		{ID: "new-1", Text: "Age >= 18 years", ReviewStatus: models.ReviewRejected},
	}

	matches := matchDecisions(newCriteria, decided, 0.82)
	assert.Empty(t, matches)
}

func TestMatchDecisions_BelowThreshold(t *testing.T) {
	decided := []*models.Criterion{
		{ID: "old-1", Text: "Age >= 18 years", ReviewStatus: models.ReviewApproved},
	}
	newCriteria := []*models.Criterion{
		{ID: "new-1", Text: "Serum creatinine below 1.5 mg/dL"},
	}

	matches := matchDecisions(newCriteria, decided, 0.82)
	assert.Empty(t, matches)
}
