// Package retrypolicy supplies the single exponential-backoff-with-
// full-jitter policy shared by the source reader's throttle handling
// and the sink writer's upload retries, so the two don't drift into
// separately tuned backoff schedules.
package retrypolicy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an immutable retry schedule. Zero value is not usable —
// construct with New.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	cap        time.Duration
}

// New builds a Policy whose backoff is capped at baseDelay *
// 2^maxRetries.
func New(maxRetries int, baseDelay time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	cap := baseDelay
	for i := 0; i < maxRetries; i++ {
		cap *= 2
	}
	return Policy{maxRetries: maxRetries, baseDelay: baseDelay, cap: cap}
}

// MaxRetries returns the configured attempt cap (attempt 0 is the
// first try, so a run makes at most MaxRetries+1 attempts).
func (p Policy) MaxRetries() int { return p.maxRetries }

// backoffFor builds a cenkalti/backoff ExponentialBackOff seeded from
// the policy, with full jitter (RandomizationFactor = 1).
func (p Policy) backoffFor(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.baseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 1
	eb.MaxInterval = p.cap
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed wall time
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.maxRetries)), ctx)
}

// Retryable is returned by the operation to distinguish a transient
// failure (retry) from a permanent one (stop immediately).
type Retryable interface {
	error
	Retryable() bool
}

// Run executes op under the policy's backoff schedule. op should
// return a Retryable error (or nil) so Run knows whether to keep
// retrying; a plain error is treated as retryable for backward
// compatibility with simple callers. Attempt 0 is the first call, so
// a policy with MaxRetries=3 makes up to 4 attempts total.
func Run(ctx context.Context, p Policy, op func(attempt int) error) error {
	attempt := 0
	wrapped := func() error {
		err := op(attempt)
		attempt++
		if err == nil {
			return nil
		}
		if r, ok := err.(Retryable); ok && !r.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, p.backoffFor(ctx))
}
