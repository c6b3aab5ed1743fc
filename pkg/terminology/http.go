package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// httpDoer abstracts *http.Client for tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// getJSON issues a GET against url and decodes the JSON response into out.
// Non-200 statuses become a *StatusError so callers can classify them.
func getJSON(ctx context.Context, doer httpDoer, system, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s search: %w", system, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{System: system, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", system, err)
	}
	return nil
}

// waitLimiter blocks on a per-client rate limiter if one is configured.
func waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
