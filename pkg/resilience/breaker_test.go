package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
)

var errUpstream = errors.New("upstream failure")

func newTestRegistry(resetTimeout time.Duration) *Registry {
	return NewRegistry(config.ResilienceConfig{FailMax: 3, ResetTimeout: resetTimeout})
}

func failNTimes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := Execute(b, func() (int, error) { return 0, errUpstream })
		require.Error(t, err)
	}
}

func TestBreaker_OpensAtFailMax(t *testing.T) {
	registry := newTestRegistry(time.Minute)
	b := registry.Get("umls")

	failNTimes(t, b, 2)
	assert.Equal(t, StateClosed, b.State())

	// The third consecutive failure trips the breaker.
	failNTimes(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenFailsFastWithoutCallingClient(t *testing.T) {
	registry := newTestRegistry(time.Minute)
	b := registry.Get("gemini")
	failNTimes(t, b, 3)

	calls := 0
	_, err := Execute(b, func() (int, error) {
		calls++
		return 42, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls)

	var classified *models.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, models.CategoryBreakerOpen, classified.Category)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	registry := newTestRegistry(50 * time.Millisecond)
	b := registry.Get("gcs")
	failNTimes(t, b, 3)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// The next call is admitted; success closes the breaker.
	got, err := Execute(b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	registry := newTestRegistry(50 * time.Millisecond)
	b := registry.Get("vertex_ai")
	failNTimes(t, b, 3)

	time.Sleep(60 * time.Millisecond)

	failNTimes(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	registry := newTestRegistry(time.Minute)
	b := registry.Get("rxnorm")

	failNTimes(t, b, 2)
	_, err := Execute(b, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	// Two more failures do not trip it; the count restarted at zero.
	failNTimes(t, b, 2)
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_OneBreakerPerService(t *testing.T) {
	registry := newTestRegistry(time.Minute)

	a := registry.Get("umls")
	b := registry.Get("umls")
	c := registry.Get("icd10")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestRegistry_BreakersAreIndependent(t *testing.T) {
	registry := newTestRegistry(time.Minute)
	failNTimes(t, registry.Get("icd10"), 3)

	assert.Equal(t, StateOpen, registry.Get("icd10").State())
	assert.Equal(t, StateClosed, registry.Get("umls").State())
}

func TestRegistry_ListenerObservesTransitions(t *testing.T) {
	registry := newTestRegistry(time.Minute)

	var mu sync.Mutex
	var changes []StateChange
	registry.Subscribe(func(change StateChange) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	})

	failNTimes(t, registry.Get("umls"), 3)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, "umls", changes[0].Service)
	assert.Equal(t, StateClosed, changes[0].From)
	assert.Equal(t, StateOpen, changes[0].To)
}

func TestRegistry_PanickingListenerDoesNotBreakCalls(t *testing.T) {
	registry := newTestRegistry(50 * time.Millisecond)
	registry.Subscribe(func(StateChange) { panic("misbehaving subscriber") })

	b := registry.Get("umls")
	failNTimes(t, b, 3)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	_, err := Execute(b, func() (int, error) { return 1, nil })
	assert.NoError(t, err)
}

func TestRegistry_WarmPreCreatesFixedServices(t *testing.T) {
	registry := newTestRegistry(time.Minute)

	var mu sync.Mutex
	seen := map[string]bool{}
	registry.Subscribe(func(change StateChange) {
		mu.Lock()
		seen[change.Service] = true
		mu.Unlock()
	})
	registry.Warm()

	for _, service := range []string{"gemini", "umls", "gcs", "vertex_ai"} {
		failNTimes(t, registry.Get(service), 3)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 4)
}
