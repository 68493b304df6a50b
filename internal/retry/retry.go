// Package retry is the single retry primitive shared by every worker.
// Per-call-site retry loops are forbidden; callers pick a Policy and go
// through Do.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pointlake/pointlake/internal/errs"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, 0..1.
	Jitter float64
}

// Upstream is the default policy for vendor API calls.
var Upstream = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Multiplier:  2.0,
	Jitter:      0.2,
}

// Store is the default policy for hot/cold store operations.
var Store = Policy{
	MaxAttempts: 3,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2.0,
	Jitter:      0.2,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0 // attempts bound the loop, not wall time
	bo.Reset()
	return bo
}

// Do runs op until it succeeds, a non-retryable kind comes back, the
// attempt budget is spent, or ctx ends. A rate-limit error carrying a
// server pause hint stretches the next delay to at least that hint.
func Do(ctx context.Context, policy Policy, op func() error) error {
	return DoNotify(ctx, policy, op, nil)
}

// DoNotify is Do with a callback invoked before each sleep, for logging.
func DoNotify(ctx context.Context, policy Policy, op func() error, notify func(err error, attempt int, delay time.Duration)) error {
	p := policy.withDefaults()
	bo := p.backoff()

	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		if !errs.Retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if hint, ok := errs.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		if notify != nil {
			notify(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
