package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// ErrNoEventsAvailable signals an empty claim; workers sleep and poll
// again.
var ErrNoEventsAvailable = errors.New("outbox: no events available")

// Handler processes one event. Handlers must be idempotent with respect to
// the event id: delivery is at-least-once.
type Handler func(ctx context.Context, ev *models.OutboxEvent) error

// Storage is the persistence surface the processor drives. The production
// implementation locks claimed rows so concurrent processors never
// dispatch the same event.
type Storage interface {
	// Claim atomically claims up to limit due pending/failed events,
	// marking them in flight.
	Claim(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	// MarkDone records terminal success.
	MarkDone(ctx context.Context, id string) error
	// Reschedule re-queues a failed event for a later attempt.
	Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time) error
	// DeadLetter terminally fails the event and, when it targets a
	// protocol, moves that protocol to its dead-letter state.
	DeadLetter(ctx context.Context, ev *models.OutboxEvent, category models.ErrorCategory, reason string) error
	// ReclaimOrphans re-queues in_flight events untouched since olderThan
	// — claims orphaned by a dead worker — and returns how many were
	// recovered.
	ReclaimOrphans(ctx context.Context, olderThan time.Time) (int, error)
	// PendingCount reports how many events are waiting, for health.
	PendingCount(ctx context.Context) (int, error)
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID              string
	Busy            bool
	EventsProcessed int
	LastActivity    time.Time
}

// Health is the processor's health snapshot.
type Health struct {
	Running          bool
	QueueDepth       int
	InFlight         int
	Workers          []WorkerHealth
	LastOrphanScan   time.Time
	OrphansRecovered int
}

// Processor polls the outbox and dispatches events to handlers by kind.
// Each worker drains its claimed batch sequentially, preserving per-
// aggregate insertion order within that worker.
type Processor struct {
	cfg      config.OutboxConfig
	storage  Storage
	handlers map[models.EventKind]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	inFlight int
	workers  []*workerState

	// Orphan recovery state (thread-safe).
	orphans orphanState
}

// orphanState tracks orphan recovery metrics.
type orphanState struct {
	mu               sync.Mutex
	lastScan         time.Time
	orphansRecovered int
}

type workerState struct {
	id string

	mu              sync.RWMutex
	busy            bool
	eventsProcessed int
	lastActivity    time.Time
}

// NewProcessor creates a processor. Handlers are registered before Start.
func NewProcessor(cfg config.OutboxConfig, storage Storage) *Processor {
	return &Processor{
		cfg:      cfg,
		storage:  storage,
		handlers: make(map[models.EventKind]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register installs the handler for an event kind. Not safe to call after
// Start.
func (p *Processor) Register(kind models.EventKind, h Handler) {
	p.handlers[kind] = h
}

// Start launches the worker goroutines. Safe to call once.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		slog.Warn("Outbox processor already started, ignoring duplicate Start call")
		return
	}
	p.running = true

	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		w := &workerState{id: fmt.Sprintf("outbox-worker-%d", i), lastActivity: time.Now()}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(ctx, w)
	}
	p.wg.Add(1)
	go p.runOrphanRecovery(ctx)
	p.mu.Unlock()

	slog.Info("Outbox processor started", "workers", count)
}

// Stop signals all workers to stop and waits for them to finish their
// current events.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	slog.Info("Outbox processor stopped")
}

// Health returns the processor's current health snapshot.
func (p *Processor) Health(ctx context.Context) Health {
	depth, err := p.storage.PendingCount(ctx)
	if err != nil {
		slog.Error("Failed to query outbox depth for health check", "error", err)
		depth = -1
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	recovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		w.mu.RLock()
		workers[i] = WorkerHealth{
			ID:              w.id,
			Busy:            w.busy,
			EventsProcessed: w.eventsProcessed,
			LastActivity:    w.lastActivity,
		}
		w.mu.RUnlock()
	}
	return Health{
		Running:          p.running,
		QueueDepth:       depth,
		InFlight:         p.inFlight,
		Workers:          workers,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}

// runOrphanRecovery periodically re-queues in_flight events whose claims
// went stale. A claim commits before dispatch, so a worker or process
// that dies mid-batch leaves its claimed rows in_flight with nothing to
// finish them; the claim query never revisits them. This scan is what
// keeps delivery at-least-once across crashes. Every processor instance
// runs it independently — the reclaim update is idempotent. The first
// scan runs immediately so a restart recovers its own orphans without
// waiting an interval.
func (p *Processor) runOrphanRecovery(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.OrphanScanInterval
	if interval <= 0 {
		interval = time.Minute
	}

	p.recoverOrphans(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverOrphans(ctx)
		}
	}
}

// recoverOrphans runs one reclaim pass.
func (p *Processor) recoverOrphans(ctx context.Context) {
	threshold := p.cfg.OrphanThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	recovered, err := p.storage.ReclaimOrphans(ctx, time.Now().Add(-threshold))
	if err != nil {
		slog.Error("Orphan recovery failed", "error", err)
		return
	}
	if recovered > 0 {
		slog.Warn("Recovered orphaned in-flight events", "count", recovered)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()
}

// run is the main worker loop.
func (p *Processor) run(ctx context.Context, w *workerState) {
	defer p.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Outbox worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Outbox worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, outbox worker shutting down")
			return
		default:
			if err := p.pollAndDispatch(ctx, w); err != nil {
				if errors.Is(err, ErrNoEventsAvailable) || errors.Is(err, errAtCapacity) {
					p.sleep(p.pollInterval())
					continue
				}
				log.Error("Error dispatching events", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

var errAtCapacity = errors.New("outbox: in-flight cap reached")

// pollAndDispatch claims a bounded batch and processes it sequentially.
func (p *Processor) pollAndDispatch(ctx context.Context, w *workerState) error {
	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}

	// Backpressure: when the pool-wide in-flight cap is reached, sleep
	// instead of claiming more.
	p.mu.Lock()
	inFlightCap := p.cfg.InFlightCap
	if inFlightCap > 0 && p.inFlight >= inFlightCap {
		p.mu.Unlock()
		return errAtCapacity
	}
	if inFlightCap > 0 && batch > inFlightCap-p.inFlight {
		batch = inFlightCap - p.inFlight
	}
	p.mu.Unlock()

	events, err := p.storage.Claim(ctx, batch)
	if err != nil {
		return fmt.Errorf("claiming events: %w", err)
	}
	if len(events) == 0 {
		return ErrNoEventsAvailable
	}

	p.addInFlight(len(events))
	defer p.addInFlight(-len(events))

	w.setBusy(true)
	defer w.setBusy(false)

	for i, ev := range events {
		select {
		case <-p.stopCh:
			// The claim already committed, so the remaining events sit
			// in_flight with no owner; hand them straight back to the
			// queue instead of waiting for the orphan scan.
			p.requeueUnprocessed(ctx, events[i:])
			return nil
		case <-ctx.Done():
			p.requeueUnprocessed(ctx, events[i:])
			return nil
		default:
		}
		p.dispatch(ctx, w, ev)
	}
	return nil
}

// requeueUnprocessed returns claimed-but-undispatched events to the queue
// on shutdown, preserving their retry counts. Uses a background context —
// the caller's context may already be cancelled. Failures are left for
// the orphan scan.
func (p *Processor) requeueUnprocessed(_ context.Context, events []*models.OutboxEvent) {
	ctx := context.Background()
	for _, ev := range events {
		if err := p.storage.Reschedule(ctx, ev.ID, ev.RetryCount, time.Now()); err != nil {
			slog.Error("Failed to requeue claimed event on shutdown",
				"event_id", ev.ID, "error", err)
		}
	}
}

// dispatch runs one event through its handler and records the outcome.
func (p *Processor) dispatch(ctx context.Context, w *workerState, ev *models.OutboxEvent) {
	log := slog.With("worker_id", w.id, "event_id", ev.ID, "kind", string(ev.Kind), "aggregate_id", ev.AggregateID)

	handler, ok := p.handlers[ev.Kind]
	if !ok {
		// No handler registered for this kind is a configuration error,
		// not a transient one; park the event where operators can see it.
		log.Error("No handler for event kind")
		if err := p.storage.DeadLetter(ctx, ev, models.CategoryPipelineFailed,
			fmt.Sprintf("no handler for event kind %q", ev.Kind)); err != nil {
			log.Error("Failed to dead-letter unhandled event", "error", err)
		}
		return
	}

	err := handler(ctx, ev)
	w.recordProcessed()

	maxRetries := p.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.MaxRetries
	}

	switch {
	case err == nil:
		if markErr := p.storage.MarkDone(ctx, ev.ID); markErr != nil {
			log.Error("Failed to mark event done", "error", markErr)
		}

	case ev.RetryCount+1 >= maxRetries:
		category, reason := Categorize(err)
		ev.RetryCount++
		log.Warn("Event exhausted retry budget, dead-lettering",
			"retry_count", ev.RetryCount, "category", string(category), "error", err)
		if dlErr := p.storage.DeadLetter(ctx, ev, category, reason); dlErr != nil {
			log.Error("Failed to dead-letter event", "error", dlErr)
		}

	default:
		ev.RetryCount++
		next := time.Now().Add(p.backoff(ev.RetryCount))
		log.Warn("Event failed, rescheduling",
			"retry_count", ev.RetryCount, "next_attempt_at", next, "error", err)
		if rsErr := p.storage.Reschedule(ctx, ev.ID, ev.RetryCount, next); rsErr != nil {
			log.Error("Failed to reschedule event", "error", rsErr)
		}
	}
}

// backoff computes the full-jitter exponential delay for a retry.
func (p *Processor) backoff(retryCount int) time.Duration {
	base := p.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := p.cfg.BackoffMax
	if max <= 0 {
		max = time.Minute
	}
	capped := base << (retryCount - 1)
	if capped <= 0 || capped > max {
		capped = max
	}
	return time.Duration(rand.Int64N(int64(capped)))
}

// pollInterval returns the poll duration with jitter.
func (p *Processor) pollInterval() time.Duration {
	base := p.cfg.PollInterval
	if base <= 0 {
		base = time.Second
	}
	jitter := p.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// sleep waits for the given duration or until stop is signalled.
func (p *Processor) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *Processor) addInFlight(delta int) {
	p.mu.Lock()
	p.inFlight += delta
	p.mu.Unlock()
}

func (w *workerState) setBusy(busy bool) {
	w.mu.Lock()
	w.busy = busy
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *workerState) recordProcessed() {
	w.mu.Lock()
	w.eventsProcessed++
	w.lastActivity = time.Now()
	w.mu.Unlock()
}
