// Package resilience provides the per-external-service circuit breakers
// and bounded-retry-with-jitter the pipeline uses to tolerate partial
// failure across its heterogeneous external dependencies.
package resilience

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// State is the three-value breaker state, independent of gobreaker's own
// State type so callers never import gobreaker directly.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrBreakerOpen is returned when a call is rejected immediately because
// its breaker is open; the underlying client is never invoked.
var ErrBreakerOpen = errors.New("resilience: circuit breaker open")

// StateChange is the event a breaker emits on every transition.
type StateChange struct {
	Service string
	From    State
	To      State
	Counter uint32
}

// Listener receives breaker state-change events. A panicking listener must
// never propagate into the call path; Registry wraps every listener
// invocation in a recover.
type Listener func(StateChange)

// Breaker wraps one gobreaker.CircuitBreaker[any] for a single external
// service: closed until fail_max consecutive failures, open until
// reset_timeout elapses, then half-open for a single probe call.
type Breaker struct {
	service string
	cb      *gobreaker.CircuitBreaker[any]
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs fn through the breaker, translating gobreaker.ErrOpenState
// into a classified ErrBreakerOpen. T is typically a terminology candidate
// list, a byte slice, or similar; the breaker itself is untyped internally
// (CircuitBreaker[any]) and this generic wrapper recovers the concrete
// type at the call site.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, models.NewClassifiedError(models.CategoryBreakerOpen, ErrBreakerOpen)
		}
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}

// Registry is the process-wide singleton holding one Breaker per external
// service name, constructed once at process start. The fixed service set
// is {gemini, umls, gcs, vertex_ai} plus one per terminology system; Get
// lazily creates any service name not pre-populated, so terminology
// system breakers don't need to be enumerated here.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	cfg       config.ResilienceConfig
	listeners []Listener
}

// NewRegistry constructs an empty registry; breakers are created lazily by
// Get using cfg's fail_max/reset_timeout for every service.
func NewRegistry(cfg config.ResilienceConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Subscribe registers a listener invoked on every breaker's state change,
// across all services. Used by an observability sink.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	b := &Breaker{service: service}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // admit exactly one probe call while half-open
		Interval:    0, // never reset counts while closed; only ReadyToTrip governs tripping
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailMax
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.notify(StateChange{
				Service: name,
				From:    fromGobreaker(from),
				To:      fromGobreaker(to),
			})
		},
	})
	r.breakers[service] = b
	return b
}

// notify fans a state change out to every listener, recovering from any
// panic so a misbehaving subscriber can never break the call path.
func (r *Registry) notify(change StateChange) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	slog.Info("circuit breaker state change", "service", change.Service, "from", change.From, "to", change.To)

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("circuit breaker listener panicked", "service", change.Service, "recovered", rec)
				}
			}()
			l(change)
		}()
	}
}

// knownServices lists the fixed external-service breakers; terminology-
// system breakers are created lazily by name (rxnorm, icd10, loinc, hpo,
// umls/snomed) as the router invokes Get.
var knownServices = []string{"gemini", "umls", "gcs", "vertex_ai"}

// Warm pre-creates every fixed-service breaker so Registry.Subscribe'd
// listeners observe a consistent service list from process start, rather
// than services appearing only once first invoked.
func (r *Registry) Warm() {
	for _, s := range knownServices {
		r.Get(s)
	}
}
