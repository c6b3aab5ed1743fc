package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures bounded retry with exponential backoff and full
// jitter. Retry is used only for idempotent calls — terminology search,
// object-store reads, checkpoint reads — never for LLM extraction, which
// retries at the outbox layer instead.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// IsRetryable classifies whether an error returned by fn should trigger
// another attempt. Callers supply this per client; the usual shape is
// "HTTP 429, 5xx, or connect/read error".
type IsRetryable func(error) bool

// Retry invokes fn up to policy.MaxAttempts times, sleeping a full-jitter
// exponential backoff between attempts as long as isRetryable(err) is
// true. It returns the first success or the last error. ctx cancellation
// aborts both the in-flight attempt's next sleep and any further retries.
func Retry[T any](ctx context.Context, policy Policy, isRetryable IsRetryable, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff(policy.BaseDelay, policy.MaxDelay, attempt)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoff computes a full-jitter exponential delay: a uniformly random
// duration in [0, min(base*2^attempt, max)).
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	capped := base << attempt // base * 2^attempt
	if capped <= 0 || (max > 0 && capped > max) {
		capped = max
	}
	if capped <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(capped)))
}
