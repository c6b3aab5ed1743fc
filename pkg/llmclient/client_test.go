package llmclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicaltrials/gridline/pkg/models"
)

func TestDecodeCriteria_Valid(t *testing.T) {
	raw := []byte(`[
		{
			"text": "Age >= 18 years",
			"classification": "inclusion",
			"category": "demographics",
			"confidence": 0.97,
			"page_number": 4,
			"thresholds": [{"comparator": ">=", "value": 18, "unit": "years"}],
			"assertion": "PRESENT",
			"entities": [{"text": "Age", "context_window": "Age >= 18 years", "confidence": 0.99}]
		},
		{
			"text": "No myocardial infarction within 6 months",
			"classification": "exclusion",
			"category": "cardiac",
			"confidence": 0.91,
			"page_number": 5,
			"temporal": {"duration": "6 months", "relation": "within", "reference": "enrollment"},
			"assertion": "ABSENT",
			"entities": [{"text": "myocardial infarction", "confidence": 0.95}]
		}
	]`)

	criteria, err := DecodeCriteria(raw)
	require.NoError(t, err)
	require.Len(t, criteria, 2)

	assert.Equal(t, "inclusion", criteria[0].Classification)
	require.Len(t, criteria[0].Thresholds, 1)
	assert.Equal(t, ">=", criteria[0].Thresholds[0].Comparator)

	require.NotNil(t, criteria[1].Temporal)
	assert.Equal(t, "within", criteria[1].Temporal.Relation)
	require.Len(t, criteria[1].Entities, 1)
}

func TestDecodeCriteria_MalformedJSON(t *testing.T) {
	_, err := DecodeCriteria([]byte(`{"not": "an array"`))
	require.Error(t, err)

	var classified *models.ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, models.CategoryLLMSchemaViolation, classified.Category)
}

func TestDecodeCriteria_EmptyText(t *testing.T) {
	_, err := DecodeCriteria([]byte(`[{"text": "  ", "classification": "inclusion"}]`))
	require.Error(t, err)

	var classified *models.ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, models.CategoryLLMSchemaViolation, classified.Category)
}

func TestDecodeCriteria_BadClassification(t *testing.T) {
	_, err := DecodeCriteria([]byte(`[{"text": "Age >= 18", "classification": "maybe"}]`))
	require.Error(t, err)

	var classified *models.ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, models.CategoryLLMSchemaViolation, classified.Category)
}
