// Package retry implements the single linear-backoff policy spec.md §7
// applies in three places: order-relay lease loss (5 attempts), nonce
// provider/broadcaster infrastructure errors (5 attempts, 5s step), and the
// execution engine's balance-loss retries (3 attempts).
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is a linear backoff: attempt i (0-indexed) waits i*Step before
// retrying, up to MaxAttempts total attempts.
type Policy struct {
	MaxAttempts int
	Step        time.Duration
}

// Linear5x5s is the infrastructure-error policy: up to 5 attempts in total
// with 5s linear backoff.
func Linear5x5s() Policy {
	return Policy{MaxAttempts: 5, Step: 5 * time.Second}
}

// Linear3x is the execution engine's block policy: up to 3 attempts, retried
// only on a BalanceLossError; any other error ends the block at once.
func Linear3x(step time.Duration) Policy {
	return Policy{MaxAttempts: 3, Step: step}
}

// ErrExhausted is returned when every attempt of Do failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn up to p.MaxAttempts times, sleeping attempt*p.Step between
// attempts, and stops early if ctx is cancelled or shouldRetry returns
// false for the most recent error. shouldRetry may be nil, meaning every
// error is retryable.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.Step):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}
	if lastErr != nil {
		return errors.Join(ErrExhausted, lastErr)
	}
	return ErrExhausted
}
