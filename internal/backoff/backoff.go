package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy is a bounded exponential backoff: base*2^attempt capped at MaxDelay,
// plus up to JitterFrac of the delay in jitter. After MaxAttempts the failure
// is terminal and surfaced to the caller.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // 0..1, fraction of the delay added as jitter
}

// Default is the policy used when none is configured.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterFrac:  0.2,
}

// Delay returns the wait before the given retry attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		d += time.Duration(rand.Float64() * p.JitterFrac * float64(d))
	}
	return d
}

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Run invokes fn until it succeeds, returns a Permanent error, the attempts
// are exhausted, or ctx is cancelled. Only pending waits are cancellable; a
// completed fn call is never rolled back.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
