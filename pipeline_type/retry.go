package pipeline_type

import (
	"context"
	"time"
)

// RetryPolicy decides whether and when a failed stage attempt is retried.
// The dispatcher applies it uniformly to every stage; stages also use it
// directly for finer-grained work such as per-batch embedding retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Backoff returns the delay before re-running a task whose zero-based
// attempt index just failed: base * 2^attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// ShouldRetry reports whether the attempt that just failed (zero-based)
// leaves room for another one. Only transient errors are retried.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if ClassOf(err) != ErrorTransient {
		return false
	}
	return attempt+1 < p.MaxAttempts
}

// RetryWithBackoff runs op until it succeeds, the policy is exhausted or a
// non-transient error surfaces. Returns the last error on failure.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if ClassOf(lastErr) != ErrorTransient {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
