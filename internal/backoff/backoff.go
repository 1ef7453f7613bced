// Package backoff implements bounded exponential-backoff retries for calls
// to external collaborators. The budget is fixed up front: once attempts
// are exhausted the last error is returned and the caller degrades
// per-service, never retrying forever.
package backoff

import (
	"context"
	"time"
)

// Policy bounds a retry loop: at most MaxAttempts calls, sleeping
// Base*2^n between attempts, capped at Max.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Default is suitable for long-latency external services.
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 100 * time.Millisecond, Max: 2 * time.Second}
}

// None disables retries; the call runs exactly once.
func None() Policy {
	return Policy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is done. Context cancellation wins over the retry budget.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.Base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if p.Max > 0 && delay > p.Max {
				delay = p.Max
			}
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
