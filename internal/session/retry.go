// ABOUTME: Backoff policy for transient provider failures
// ABOUTME: Exponential delay with provider retry-after hints as a floor

package session

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/provider"
)

// maxBackoff caps the exponential delay
const maxBackoff = 30 * time.Second

// backoffDelay computes the wait before retry number attempt+1: the base
// doubles per attempt, capped, and never undercuts the provider's hint.
func backoffDelay(attempt int, base time.Duration, hint time.Duration) time.Duration {
	d := base
	for range attempt {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	if hint > d {
		d = hint
	}
	return d
}

// retryAfterHint extracts the provider's retry-after hint, if any
func retryAfterHint(err error) time.Duration {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// sleepCtx waits for d, reporting false when ctx ends first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
