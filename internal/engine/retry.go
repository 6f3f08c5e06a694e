package engine

import (
	"context"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// retryOp runs fn up to policy.Attempts times (once for a nil policy or
// attempts <= 1). onAttempt, when non-nil, observes the 1-based attempt
// number before each try. Between failed attempts it sleeps the backoff
// delay, honoring context cancellation; after the last failure it returns
// the last error.
func retryOp(ctx context.Context, policy *model.RetryPolicy, onAttempt func(int), fn func() (any, error)) (any, error) {
	attempts := 1
	if policy != nil && policy.Attempts > 1 {
		attempts = policy.Attempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if delay := backoffDelay(policy, attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// backoffDelay computes the sleep before attempt+1. Fixed backoff always
// returns the base delay; exponential returns delay × 2^(attempt-1).
func backoffDelay(policy *model.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelayMS <= 0 {
		return 0
	}
	base := time.Duration(policy.DelayMS) * time.Millisecond
	if policy.Backoff == model.BackoffExponential {
		return base << (attempt - 1)
	}
	return base
}
