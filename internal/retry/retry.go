// Package retry runs an operation with a per-attempt timeout and
// exponential backoff with jitter between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Timeout bounds each attempt. Zero leaves attempts bounded only by ctx.
	Timeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	return p
}

// Backoff returns the delay before retry number n (1-based): Base·2^(n-1)
// capped at Max, with up to half of it replaced by random jitter.
func (p Policy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < n && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts run out. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	made := 0
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff(attempt - 1)):
			}
		}

		made++
		err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || (retryable != nil && !retryable(err)) {
			break
		}
	}
	if made == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", made, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
