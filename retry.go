package main

import (
	"context"
	"time"
)

// RetryPolicy describes how many additional attempts a single call gets.
// A zero Backoff retries immediately.
type RetryPolicy struct {
	Retries   int
	Backoff   time.Duration
	Retryable func(error) bool
}

// Retry runs fn until it succeeds, the policy is exhausted or ctx is done. The last
// error is returned exactly as fn produced it.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(attempt int) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 && policy.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(policy.Backoff):
			}
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || (policy.Retryable != nil && !policy.Retryable(err)) {
			break
		}
	}

	return zero, lastErr
}
