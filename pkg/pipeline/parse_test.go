package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicaltrials/gridline/pkg/llmclient"
	"github.com/clinicaltrials/gridline/pkg/models"
)

func TestEntityTypeForCategory(t *testing.T) {
	tests := []struct {
		category string
		want     models.EntityType
	}{
		{"medication", models.EntityMedication},
		{"Medications", models.EntityMedication},
		{"condition", models.EntityCondition},
		{"  Disease ", models.EntityCondition},
		{"procedure", models.EntityProcedure},
		{"laboratory", models.EntityLabValue},
		{"lab_values", models.EntityLabValue},
		{"demographics", models.EntityDemographic},
		{"biomarker", models.EntityBiomarker},
		{"genetic", models.EntityBiomarker},
		{"something-new", models.EntityCondition}, // unknown falls back
		{"", models.EntityCondition},
	}
	for _, tc := range tests {
		t.Run(tc.category, func(t *testing.T) {
			assert.Equal(t, tc.want, entityTypeForCategory(tc.category))
		})
	}
}

func TestParse_NormalizesCriteriaAndEntities(t *testing.T) {
	upper := 50.0
	nodes := &Nodes{}
	st := State{
		RawCriteria: []llmclient.RawCriterion{
			{
				Text:           "  HbA1c between 7% and 10%  ",
				Classification: "inclusion",
				Category:       "laboratory",
				Confidence:     0.9,
				PageNumber:     6,
				Thresholds: []llmclient.RawThreshold{
					{Comparator: "range", Value: 7, Unit: "%", Upper: &upper},
					{Comparator: "~=", Value: 1}, // invalid comparator dropped
				},
				Temporal:  &llmclient.RawTemporal{Duration: "3 months", Relation: "within", Reference: "screening"},
				Assertion: "PRESENT",
				Entities: []llmclient.RawEntity{
					{Text: "HbA1c", ContextWindow: "HbA1c between 7% and 10%"},
					{Text: ""}, // empty spans dropped
				},
			},
			{
				Text:           "History of stroke",
				Classification: "exclusion",
				Category:       "unheard-of-category",
				Assertion:      "NOT_A_STATUS",
				Entities:       []llmclient.RawEntity{{Text: "stroke"}},
			},
		},
	}

	out, err := nodes.Parse(context.Background(), st)
	require.NoError(t, err)

	require.Len(t, out.CriteriaJSON, 2)
	lab := out.CriteriaJSON[0]
	assert.Equal(t, "HbA1c between 7% and 10%", lab.Text)
	assert.Equal(t, models.EntityLabValue, lab.EntityType)
	require.Len(t, lab.Thresholds, 1)
	assert.Equal(t, models.ComparatorRange, lab.Thresholds[0].Comparator)
	require.NotNil(t, lab.Temporal)
	assert.Equal(t, models.TemporalWithin, lab.Temporal.Relation)

	stroke := out.CriteriaJSON[1]
	assert.Equal(t, models.ClassificationExclusion, stroke.Classification)
	assert.Equal(t, models.EntityCondition, stroke.EntityType) // fallback
	assert.Equal(t, models.AssertionPresent, stroke.Assertion) // fallback

	require.Len(t, out.EntitiesJSON, 2)
	assert.Equal(t, 0, out.EntitiesJSON[0].CriterionIndex)
	assert.Equal(t, models.EntityLabValue, out.EntitiesJSON[0].Entity.Type)
	assert.Equal(t, 1, out.EntitiesJSON[1].CriterionIndex)

	// Raw criteria are dropped from state once parsed.
	assert.Nil(t, out.RawCriteria)
}

func TestState_MarshalRoundTrip(t *testing.T) {
	st := State{
		ProtocolID:  "prot-1",
		ThreadID:    "prot-1:abc",
		FilePointer: "protocols/x.pdf",
		Title:       "Study",
		CriteriaJSON: []models.Criterion{
			{Text: "Age >= 18", Classification: models.ClassificationInclusion, EntityType: models.EntityDemographic},
		},
		EntitiesJSON: []EntityDraft{
			{CriterionIndex: 0, Entity: models.Entity{SpanText: "Age", Type: models.EntityDemographic}},
		},
	}

	data, err := st.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, st, got)
}
