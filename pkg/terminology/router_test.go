package terminology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/resilience"
)

// fakeClient returns canned candidates or a canned error.
type fakeClient struct {
	candidates []Candidate
	err        error
	calls      int
}

func (f *fakeClient) Search(_ context.Context, _ string, _ int) ([]Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func testRegistry() *resilience.Registry {
	return resilience.NewRegistry(config.ResilienceConfig{FailMax: 3, ResetTimeout: time.Minute})
}

func newTestRouter(clients map[models.TerminologySystem]Client) *Router {
	return NewRouterWithClients(clients, 4, testRegistry(), NewCache(time.Minute))
}

func TestRouter_PartialFailureKeepsWinningCode(t *testing.T) {
	// Condition routes to umls/snomed then icd10. The ICD-10 client throws
	// while UMLS returns a match: the entity must carry the UMLS codes and
	// no grounding error.
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{candidates: []Candidate{
			{Code: "73211009", Display: "Diabetes mellitus", System: "umls/snomed", Confidence: 0.92, CUI: "C0011849"},
		}},
		models.SystemICD10: &fakeClient{err: &StatusError{System: "icd10", StatusCode: 503}},
	})

	e := &models.Entity{SpanText: "diabetes mellitus", Type: models.EntityCondition}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Equal(t, "73211009", e.SnomedCode)
	assert.Equal(t, "C0011849", e.UMLSCUI)
	assert.Empty(t, e.ICD10Code)
	assert.Equal(t, models.SystemSnomed, e.GroundingSystem)
	assert.Empty(t, e.GroundingError)
	assert.Equal(t, MethodDelegatedUMLS, e.GroundingMethod)
}

func TestRouter_DemographicNotRoutable(t *testing.T) {
	router := newTestRouter(map[models.TerminologySystem]Client{})

	e := &models.Entity{SpanText: "age 18 or older", Type: models.EntityDemographic}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Empty(t, e.GroundingSystem)
	assert.Contains(t, e.GroundingError, "not routable")
	assert.Equal(t, MethodNotRoutable, e.GroundingMethod)
	_, hasCode := e.CodeForSystem(models.SystemSnomed)
	assert.False(t, hasCode)
}

func TestRouter_SecondarySystemFillsCodeButNotPrimary(t *testing.T) {
	// Both systems match: the higher-priority system wins grounding_system
	// while the secondary system's code is still recorded.
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{candidates: []Candidate{
			{Code: "38341003", Display: "Hypertension", System: "umls/snomed", Confidence: 0.9, CUI: "C0020538"},
		}},
		models.SystemICD10: &fakeClient{candidates: []Candidate{
			{Code: "I10", Display: "Essential hypertension", System: "icd10", Confidence: 0.85},
		}},
	})

	e := &models.Entity{SpanText: "hypertension", Type: models.EntityCondition}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Equal(t, models.SystemSnomed, e.GroundingSystem)
	assert.Equal(t, "38341003", e.SnomedCode)
	assert.Equal(t, "I10", e.ICD10Code)
	assert.Equal(t, "Hypertension", e.PreferredTerm)
	assert.InDelta(t, 0.9, e.GroundingConfidence, 1e-9)
}

func TestRouter_TotalFailureSetsMostSevereError(t *testing.T) {
	// Auth outranks a 503; the grounding error must reflect the auth
	// failure even though the 503 happened on the higher-priority system.
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{err: &StatusError{System: "umls", StatusCode: 503}},
		models.SystemICD10:  &fakeClient{err: &StatusError{System: "icd10", StatusCode: 401}},
	})

	e := &models.Entity{SpanText: "hypertension", Type: models.EntityCondition}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Empty(t, e.GroundingSystem)
	assert.NotEmpty(t, e.GroundingError)
	assert.Contains(t, e.GroundingError, "Authentication")
}

func TestRouter_NoMatchIsNotAFailure(t *testing.T) {
	// One system explicitly reports no match while the other throws: the
	// entity carries no codes but also no grounding error, because at
	// least one system answered.
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{candidates: nil},
		models.SystemICD10:  &fakeClient{err: &StatusError{System: "icd10", StatusCode: 500}},
	})

	e := &models.Entity{SpanText: "unheard-of syndrome", Type: models.EntityCondition}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Empty(t, e.GroundingSystem)
	assert.Empty(t, e.GroundingError)
}

func TestRouter_LowConfidenceStillPersistsCodes(t *testing.T) {
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemRxNorm: &fakeClient{candidates: []Candidate{
			{Code: "197361", Display: "amlodipine", System: "rxnorm", Confidence: 0.55},
		}},
		models.SystemSnomed: &fakeClient{candidates: nil},
	})

	e := &models.Entity{SpanText: "amlodpine", Type: models.EntityMedication}
	require.NoError(t, router.Ground(context.Background(), e))

	assert.Equal(t, "197361", e.RxNormCode)
	assert.True(t, e.NeedsReviewerAttention())
}

func TestRouter_CacheHitSkipsClient(t *testing.T) {
	client := &fakeClient{candidates: []Candidate{
		{Code: "73211009", Display: "Diabetes mellitus", System: "umls/snomed", Confidence: 0.92},
	}}
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: client,
	})

	e1 := &models.Entity{SpanText: "Diabetes  Mellitus", Type: models.EntityProcedure}
	e2 := &models.Entity{SpanText: "diabetes mellitus", Type: models.EntityProcedure}
	require.NoError(t, router.Ground(context.Background(), e1))
	require.NoError(t, router.Ground(context.Background(), e2))

	// Second lookup hits the cache: same normalized term, one client call.
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, e1.SnomedCode, e2.SnomedCode)
}

func TestRouter_BreakerOpenAbsorbedAsPartialFailure(t *testing.T) {
	registry := testRegistry()
	failing := &fakeClient{err: &StatusError{System: "icd10", StatusCode: 500}}
	router := NewRouterWithClients(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{candidates: []Candidate{
			{Code: "271737000", Display: "Anemia", System: "umls/snomed", Confidence: 0.88},
		}},
		models.SystemICD10: failing,
	}, 4, registry, nil)

	// Trip the icd10 breaker.
	for range 3 {
		e := &models.Entity{SpanText: "anemia", Type: models.EntityCondition}
		require.NoError(t, router.Ground(context.Background(), e))
	}
	assert.Equal(t, resilience.StateOpen, registry.Get("icd10").State())
	callsWhenOpen := failing.calls

	// With the breaker open the icd10 client is no longer invoked, but
	// grounding still succeeds through UMLS.
	e := &models.Entity{SpanText: "anemia", Type: models.EntityCondition}
	require.NoError(t, router.Ground(context.Background(), e))
	assert.Equal(t, "271737000", e.SnomedCode)
	assert.Empty(t, e.GroundingError)
	assert.Equal(t, callsWhenOpen, failing.calls)
}

func TestRouter_GroundAllBoundedFanOut(t *testing.T) {
	client := &fakeClient{candidates: []Candidate{
		{Code: "387517004", Display: "Paracetamol", System: "rxnorm", Confidence: 0.91},
	}}
	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemRxNorm: client,
		models.SystemSnomed: &fakeClient{candidates: nil},
	})

	entities := make([]*models.Entity, 20)
	for i := range entities {
		entities[i] = &models.Entity{SpanText: "paracetamol", Type: models.EntityMedication}
	}
	require.NoError(t, router.GroundAll(context.Background(), entities))

	for _, e := range entities {
		assert.Equal(t, "387517004", e.RxNormCode)
	}
}

func TestRouter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	router := newTestRouter(map[models.TerminologySystem]Client{
		models.SystemSnomed: &fakeClient{},
	})
	e := &models.Entity{SpanText: "anything", Type: models.EntityCondition}
	err := router.Ground(ctx, e)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassifySearchError_Severity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category models.ErrorCategory
	}{
		{"unauthorized", &StatusError{System: "umls", StatusCode: 401}, models.CategoryAuth},
		{"forbidden", &StatusError{System: "umls", StatusCode: 403}, models.CategoryAuth},
		{"rate limited", &StatusError{System: "rxnorm", StatusCode: 429}, models.CategoryRateLimited},
		{"unavailable", &StatusError{System: "loinc", StatusCode: 503}, models.CategoryToolMissing},
		{"deadline", context.DeadlineExceeded, models.CategoryTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.category, classifySearchError(tc.err))
		})
	}
}

func TestRoutesFor_Table(t *testing.T) {
	assert.Equal(t, []models.TerminologySystem{models.SystemRxNorm, models.SystemSnomed}, RoutesFor(models.EntityMedication))
	assert.Equal(t, []models.TerminologySystem{models.SystemSnomed, models.SystemICD10}, RoutesFor(models.EntityCondition))
	assert.Equal(t, []models.TerminologySystem{models.SystemSnomed}, RoutesFor(models.EntityProcedure))
	assert.Equal(t, []models.TerminologySystem{models.SystemLoinc, models.SystemSnomed}, RoutesFor(models.EntityLabValue))
	assert.Equal(t, []models.TerminologySystem{models.SystemSnomed, models.SystemHPO}, RoutesFor(models.EntityBiomarker))
	assert.Empty(t, RoutesFor(models.EntityDemographic))
	assert.Empty(t, RoutesFor(models.EntityType("Unknown")))
}
