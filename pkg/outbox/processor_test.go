package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// memStorage is an in-memory Storage for processor tests. Claims take due
// pending/failed events in insertion order, like the row-locked query.
type memStorage struct {
	mu           sync.Mutex
	events       []*models.OutboxEvent
	deadLettered map[string]string // event id → reason
}

func newMemStorage(events ...*models.OutboxEvent) *memStorage {
	return &memStorage{events: events, deadLettered: map[string]string{}}
}

func (s *memStorage) Claim(_ context.Context, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var claimed []*models.OutboxEvent
	for _, ev := range s.events {
		if len(claimed) >= limit {
			break
		}
		if (ev.Status == models.OutboxPending || ev.Status == models.OutboxFailed) && !ev.NextAttemptAt.After(now) {
			ev.Status = models.OutboxInFlight
			ev.UpdatedAt = now
			copied := *ev
			claimed = append(claimed, &copied)
		}
	}
	return claimed, nil
}

func (s *memStorage) MarkDone(_ context.Context, id string) error {
	return s.set(id, func(ev *models.OutboxEvent) {
		ev.Status = models.OutboxDone
	})
}

func (s *memStorage) Reschedule(_ context.Context, id string, retryCount int, nextAttemptAt time.Time) error {
	return s.set(id, func(ev *models.OutboxEvent) {
		ev.Status = models.OutboxFailed
		ev.RetryCount = retryCount
		ev.NextAttemptAt = nextAttemptAt
	})
}

func (s *memStorage) DeadLetter(_ context.Context, target *models.OutboxEvent, _ models.ErrorCategory, reason string) error {
	return s.set(target.ID, func(ev *models.OutboxEvent) {
		ev.Status = models.OutboxDeadLetter
		ev.RetryCount = target.RetryCount
		s.deadLettered[ev.ID] = reason
	})
}

func (s *memStorage) ReclaimOrphans(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for _, ev := range s.events {
		if ev.Status == models.OutboxInFlight && ev.UpdatedAt.Before(olderThan) {
			ev.Status = models.OutboxFailed
			ev.NextAttemptAt = time.Now()
			ev.UpdatedAt = time.Now()
			recovered++
		}
	}
	return recovered, nil
}

func (s *memStorage) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ev := range s.events {
		if ev.Status == models.OutboxPending || ev.Status == models.OutboxFailed {
			count++
		}
	}
	return count, nil
}

func (s *memStorage) set(id string, mutate func(*models.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			mutate(ev)
			ev.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.New("event not found")
}

func (s *memStorage) get(id string) models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			return *ev
		}
	}
	return models.OutboxEvent{}
}

func event(id string, kind models.EventKind) *models.OutboxEvent {
	now := time.Now()
	return &models.OutboxEvent{
		ID:            id,
		AggregateID:   "prot-1",
		Kind:          kind,
		Payload:       map[string]any{"aggregate_id": "prot-1"},
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testConfig() config.OutboxConfig {
	return config.OutboxConfig{
		WorkerCount:        1,
		BatchSize:          8,
		InFlightCap:        16,
		PollInterval:       5 * time.Millisecond,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		OrphanThreshold:    50 * time.Millisecond,
		OrphanScanInterval: 10 * time.Millisecond,
	}
}

// drive runs one synchronous poll/dispatch cycle without goroutines.
func drive(t *testing.T, p *Processor) {
	t.Helper()
	w := &workerState{id: "test-worker"}
	err := p.pollAndDispatch(context.Background(), w)
	if err != nil {
		require.ErrorIs(t, err, ErrNoEventsAvailable)
	}
}

func TestProcessor_SuccessMarksDone(t *testing.T) {
	storage := newMemStorage(event("ev-1", models.EventProtocolUploaded))
	p := NewProcessor(testConfig(), storage)

	var handled []string
	p.Register(models.EventProtocolUploaded, func(_ context.Context, ev *models.OutboxEvent) error {
		handled = append(handled, ev.ID)
		return nil
	})

	drive(t, p)

	assert.Equal(t, []string{"ev-1"}, handled)
	assert.Equal(t, models.OutboxDone, storage.get("ev-1").Status)
}

func TestProcessor_FailureReschedulesWithBackoff(t *testing.T) {
	storage := newMemStorage(event("ev-1", models.EventProtocolUploaded))
	p := NewProcessor(testConfig(), storage)
	p.Register(models.EventProtocolUploaded, func(context.Context, *models.OutboxEvent) error {
		return errors.New("transient failure")
	})

	drive(t, p)

	got := storage.get("ev-1")
	assert.Equal(t, models.OutboxFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextAttemptAt.After(time.Now().Add(-time.Second)))
}

func TestProcessor_RetryCapDeadLetters(t *testing.T) {
	storage := newMemStorage(event("ev-1", models.EventProtocolUploaded))
	p := NewProcessor(testConfig(), storage)

	attempts := 0
	p.Register(models.EventProtocolUploaded, func(context.Context, *models.OutboxEvent) error {
		attempts++
		return models.NewClassifiedError(models.CategoryLLMUnavailable, errors.New("backend 503"))
	})

	// Three observed failures exhaust the budget: two reschedules, then
	// the dead-letter. Backoffs are a few milliseconds in test config.
	for i := 0; i < 3; i++ {
		drive(t, p)
		time.Sleep(3 * time.Millisecond)
	}

	got := storage.get("ev-1")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, models.OutboxDeadLetter, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "AI service temporarily unavailable", storage.deadLettered["ev-1"])

	// A dead-lettered event is never claimed again.
	drive(t, p)
	assert.Equal(t, 3, attempts)
}

func TestProcessor_BoundaryRetryCount(t *testing.T) {
	// An event already observed MaxRetries-1 times dead-letters on its
	// next failure rather than rescheduling.
	ev := event("ev-1", models.EventProtocolUploaded)
	ev.RetryCount = 2
	storage := newMemStorage(ev)

	p := NewProcessor(testConfig(), storage)
	p.Register(models.EventProtocolUploaded, func(context.Context, *models.OutboxEvent) error {
		return errors.New("still failing")
	})

	drive(t, p)

	assert.Equal(t, models.OutboxDeadLetter, storage.get("ev-1").Status)
}

func TestProcessor_UnknownKindDeadLetters(t *testing.T) {
	storage := newMemStorage(event("ev-1", models.EventKind("SOMETHING_ELSE")))
	p := NewProcessor(testConfig(), storage)

	drive(t, p)

	got := storage.get("ev-1")
	assert.Equal(t, models.OutboxDeadLetter, got.Status)
	assert.Contains(t, storage.deadLettered["ev-1"], "no handler")
}

func TestProcessor_InsertionOrderWithinWorker(t *testing.T) {
	storage := newMemStorage(
		event("ev-1", models.EventProtocolUploaded),
		event("ev-2", models.EventProtocolUploaded),
		event("ev-3", models.EventProtocolUploaded),
	)
	p := NewProcessor(testConfig(), storage)

	var handled []string
	p.Register(models.EventProtocolUploaded, func(_ context.Context, ev *models.OutboxEvent) error {
		handled = append(handled, ev.ID)
		return nil
	})

	drive(t, p)

	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, handled)
}

func TestProcessor_EveryEventReachesATerminalStatus(t *testing.T) {
	// A mixed batch: some succeed, some always fail. Every committed
	// event must end in exactly one of done or dead_letter.
	ok1 := event("ok-1", models.EventProtocolUploaded)
	ok2 := event("ok-2", models.EventProtocolUploaded)
	bad1 := event("bad-1", models.EventProtocolReExtract)
	bad2 := event("bad-2", models.EventProtocolReExtract)
	storage := newMemStorage(ok1, bad1, ok2, bad2)

	p := NewProcessor(testConfig(), storage)
	p.Register(models.EventProtocolUploaded, func(context.Context, *models.OutboxEvent) error {
		return nil
	})
	p.Register(models.EventProtocolReExtract, func(context.Context, *models.OutboxEvent) error {
		return errors.New("permanently broken")
	})

	for i := 0; i < 4; i++ {
		drive(t, p)
		time.Sleep(3 * time.Millisecond)
	}

	var done, dead []string
	for _, id := range []string{"ok-1", "ok-2", "bad-1", "bad-2"} {
		switch storage.get(id).Status {
		case models.OutboxDone:
			done = append(done, id)
		case models.OutboxDeadLetter:
			dead = append(dead, id)
		}
	}
	sort.Strings(done)
	sort.Strings(dead)
	assert.Equal(t, []string{"ok-1", "ok-2"}, done)
	assert.Equal(t, []string{"bad-1", "bad-2"}, dead)
}

func TestProcessor_OrphanedInFlightIsReclaimed(t *testing.T) {
	// A worker crashed after its claim committed: the event is stranded
	// in_flight and the claim query would never see it again. The orphan
	// scan must hand it back to the queue, and a later dispatch must
	// still drive it to a terminal status.
	ev := event("ev-1", models.EventProtocolUploaded)
	ev.Status = models.OutboxInFlight
	ev.UpdatedAt = time.Now().Add(-time.Minute)
	storage := newMemStorage(ev)

	p := NewProcessor(testConfig(), storage)
	p.Register(models.EventProtocolUploaded, func(context.Context, *models.OutboxEvent) error {
		return nil
	})

	// Nothing claimable before the scan.
	drive(t, p)
	assert.Equal(t, models.OutboxInFlight, storage.get("ev-1").Status)

	p.recoverOrphans(context.Background())
	got := storage.get("ev-1")
	assert.Equal(t, models.OutboxFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount) // reclaim preserves the retry budget

	drive(t, p)
	assert.Equal(t, models.OutboxDone, storage.get("ev-1").Status)
}

func TestProcessor_OrphanScanIgnoresFreshClaims(t *testing.T) {
	// An event another live worker claimed moments ago must not be
	// reclaimed; only claims older than the visibility timeout are.
	ev := event("ev-1", models.EventProtocolUploaded)
	ev.Status = models.OutboxInFlight
	ev.UpdatedAt = time.Now()
	storage := newMemStorage(ev)

	p := NewProcessor(testConfig(), storage)
	p.recoverOrphans(context.Background())

	assert.Equal(t, models.OutboxInFlight, storage.get("ev-1").Status)
}

func TestProcessor_StopRequeuesUndispatchedClaims(t *testing.T) {
	// Stop arrives while a claimed batch is still draining: events not
	// yet dispatched go straight back to the queue rather than waiting
	// out the orphan threshold.
	storage := newMemStorage(
		event("ev-1", models.EventProtocolUploaded),
		event("ev-2", models.EventProtocolUploaded),
	)
	p := NewProcessor(testConfig(), storage)

	var handled []string
	p.Register(models.EventProtocolUploaded, func(_ context.Context, ev *models.OutboxEvent) error {
		handled = append(handled, ev.ID)
		close(p.stopCh) // simulate Stop() landing mid-batch
		return nil
	})

	w := &workerState{id: "test-worker"}
	require.NoError(t, p.pollAndDispatch(context.Background(), w))

	assert.Equal(t, []string{"ev-1"}, handled)
	assert.Equal(t, models.OutboxDone, storage.get("ev-1").Status)
	assert.Equal(t, models.OutboxFailed, storage.get("ev-2").Status)
}

func TestProcessor_StartStop(t *testing.T) {
	storage := newMemStorage(event("ev-1", models.EventProtocolUploaded))
	p := NewProcessor(testConfig(), storage)

	processed := make(chan string, 1)
	p.Register(models.EventProtocolUploaded, func(_ context.Context, ev *models.OutboxEvent) error {
		processed <- ev.ID
		return nil
	})

	p.Start(context.Background())
	select {
	case id := <-processed:
		assert.Equal(t, "ev-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed")
	}
	p.Stop()

	health := p.Health(context.Background())
	assert.False(t, health.Running)
	assert.Equal(t, 0, health.QueueDepth)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category models.ErrorCategory
		reason   string
	}{
		{
			"classified error keeps its category",
			models.NewClassifiedError(models.CategoryPDFQuality, errors.New("garbled text layer")),
			models.CategoryPDFQuality,
			"PDF text quality too low",
		},
		{
			"llm unavailable",
			models.NewClassifiedError(models.CategoryLLMUnavailable, errors.New("503")),
			models.CategoryLLMUnavailable,
			"AI service temporarily unavailable",
		},
		{
			"deadline",
			context.DeadlineExceeded,
			models.CategoryTimeout,
			"Request to an external service timed out",
		},
		{
			"message match: storage",
			errors.New("reading object from bucket: connection reset"),
			models.CategoryStorage,
			"Object storage operation failed",
		},
		{
			"message match: umls",
			errors.New("umls concept lookup refused"),
			models.CategoryToolMissing,
			"UMLS grounding service unavailable",
		},
		{
			"fallback names the error type",
			errors.New("something nobody predicted"),
			models.CategoryPipelineFailed,
			"failed: *errors.errorString",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			category, reason := Categorize(tc.err)
			assert.Equal(t, tc.category, category)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
