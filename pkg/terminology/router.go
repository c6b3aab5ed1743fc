package terminology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/resilience"
)

// searchLimit is how many candidates each system is asked for per entity.
const searchLimit = 5

// GroundingMethod tags recorded on entities.
const (
	MethodDirectHTTP    = "direct_http"
	MethodDelegatedUMLS = "delegated_umls"
	MethodNotRoutable   = "not_routable"
)

// Router dispatches entities across terminology systems per the routing
// table, each call passing through that system's circuit breaker and a
// bounded retry. Partial failure is absorbed: a system throwing never
// blocks codes from another, and only total failure surfaces as a
// grounding error on the entity.
type Router struct {
	clients  map[models.TerminologySystem]Client
	policies map[models.TerminologySystem]resilience.Policy
	breakers *resilience.Registry
	cache    *Cache
	fanOut   int
}

// NewRouter builds a router with the five production clients wired from
// cfg. The cache may be nil (lookups skip it silently).
func NewRouter(cfg config.TerminologyConfig, fanOut int, breakers *resilience.Registry, cache *Cache) *Router {
	clients := map[models.TerminologySystem]Client{
		models.SystemRxNorm: NewRxNormClient(cfg.RxNorm),
		models.SystemICD10:  NewICD10Client(cfg.ICD10),
		models.SystemLoinc:  NewLOINCClient(cfg.LOINC),
		models.SystemHPO:    NewHPOClient(cfg.HPO),
		models.SystemSnomed: NewUMLSClient(cfg.UMLS),
	}
	policies := map[models.TerminologySystem]resilience.Policy{
		models.SystemRxNorm: retryPolicy(cfg.RxNorm),
		models.SystemICD10:  retryPolicy(cfg.ICD10),
		models.SystemLoinc:  retryPolicy(cfg.LOINC),
		models.SystemHPO:    retryPolicy(cfg.HPO),
		models.SystemSnomed: retryPolicy(cfg.UMLS),
	}
	return &Router{
		clients:  clients,
		policies: policies,
		breakers: breakers,
		cache:    cache,
		fanOut:   fanOut,
	}
}

// NewRouterWithClients builds a router over caller-supplied clients. Tests
// and embedding applications use this to substitute fakes.
func NewRouterWithClients(clients map[models.TerminologySystem]Client, fanOut int, breakers *resilience.Registry, cache *Cache) *Router {
	policies := make(map[models.TerminologySystem]resilience.Policy, len(clients))
	for system := range clients {
		policies[system] = resilience.Policy{MaxAttempts: 1}
	}
	return &Router{
		clients:  clients,
		policies: policies,
		breakers: breakers,
		cache:    cache,
		fanOut:   fanOut,
	}
}

func retryPolicy(cfg config.TerminologyClientConfig) resilience.Policy {
	return resilience.Policy{
		MaxAttempts: cfg.RetryMax,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
	}
}

// Ground resolves codes for a single entity in place: populated code
// fields, primary system, confidence, method tag, and an error string only
// when every invoked system failed. The returned error is non-nil only for
// programming misuse or context cancellation, never for terminology
// failures.
func (r *Router) Ground(ctx context.Context, e *models.Entity) error {
	if e == nil {
		return errors.New("terminology: nil entity")
	}

	routes := RoutesFor(e.Type)
	if len(routes) == 0 {
		e.GroundingMethod = MethodNotRoutable
		e.GroundingError = fmt.Sprintf("Entity type '%s' not routable", e.Type)
		return nil
	}

	log := slog.With("entity_type", string(e.Type))

	var (
		anyOutcome    bool // at least one system answered (match or explicit no-match)
		worstCategory models.ErrorCategory
		worstErr      error
	)

	for _, system := range routes {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, err := r.searchSystem(ctx, system, e.SpanText)
		if err != nil {
			category := classifySearchError(err)
			if worstErr == nil || models.MostSevere(worstCategory, category) == category {
				worstCategory, worstErr = category, err
			}
			log.Debug("terminology system failed", "system", string(system), "error", err)
			continue
		}
		anyOutcome = true
		if len(candidates) == 0 {
			log.Debug("no match for system", "system", string(system))
			continue
		}

		best := bestCandidate(candidates)
		e.SetCodeForSystem(system, best.Code)
		if system == models.SystemSnomed && best.CUI != "" {
			e.UMLSCUI = best.CUI
		}

		// The highest-priority system that returned a candidate wins; the
		// routing table never assigns equal priority to two systems, so
		// there is no tie to break here.
		if e.GroundingSystem == "" {
			e.GroundingSystem = system
			e.GroundingConfidence = best.Confidence
			e.PreferredTerm = best.Display
			if system == models.SystemSnomed {
				e.GroundingMethod = MethodDelegatedUMLS
			} else {
				e.GroundingMethod = MethodDirectHTTP
			}
		}
	}

	if !anyOutcome && worstErr != nil {
		e.GroundingError = fmt.Sprintf("%s: %v", worstCategory.Reason(), worstErr)
	}
	return nil
}

// GroundAll grounds a batch of entities with bounded fan-out. Distinct
// entities run concurrently; failures stay on their entity. The returned
// error is non-nil only on cancellation.
func (r *Router) GroundAll(ctx context.Context, entities []*models.Entity) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := r.fanOut
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	for _, e := range entities {
		g.Go(func() error {
			return r.Ground(ctx, e)
		})
	}
	return g.Wait()
}

// searchSystem runs one system lookup: cache, then the system's circuit
// breaker wrapping a bounded retry of the underlying client call. Cache
// writes are best-effort.
func (r *Router) searchSystem(ctx context.Context, system models.TerminologySystem, term string) ([]Candidate, error) {
	if cached, ok := r.cache.Get(string(system), term); ok {
		return cached, nil
	}

	client, ok := r.clients[system]
	if !ok {
		return nil, models.NewClassifiedError(models.CategoryToolMissing,
			fmt.Errorf("no client configured for system %q", system))
	}

	breaker := r.breakers.Get(string(system))
	policy := r.policies[system]

	candidates, err := resilience.Execute(breaker, func() ([]Candidate, error) {
		return resilience.Retry(ctx, policy, IsTransient, func(ctx context.Context) ([]Candidate, error) {
			return client.Search(ctx, term, searchLimit)
		})
	})
	if err != nil {
		return nil, err
	}

	r.cache.Set(string(system), term, candidates)
	return candidates, nil
}

// bestCandidate picks the highest-confidence candidate, preferring earlier
// entries on ties since clients return results best first.
func bestCandidate(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

// classifySearchError maps a terminology failure onto the error taxonomy
// for severity ranking: auth beats service-unavailable beats rate-limit
// beats timeout beats anything else.
func classifySearchError(err error) models.ErrorCategory {
	var classified *models.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return models.CategoryAuth
		case se.StatusCode == http.StatusTooManyRequests:
			return models.CategoryRateLimited
		case se.StatusCode >= 500:
			return models.CategoryToolMissing
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CategoryTimeout
	}
	if IsTransient(err) {
		return models.CategoryTimeout
	}
	return models.CategoryPipelineFailed
}
