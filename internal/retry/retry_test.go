package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointlake/pointlake/internal/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.UpstreamTransient, "op", "503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		return errs.New(errs.UpstreamRejected, "op", "400")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "rejected responses must not be retried")
	assert.Equal(t, errs.UpstreamRejected, errs.KindOf(err))
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return errs.New(errs.UpstreamTransient, "op", "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_UntypedErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func() error {
		calls++
		return errors.New("plain failure")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1, Jitter: 0}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func() error {
		calls++
		return errs.New(errs.UpstreamTransient, "op", "503")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 2)
}

func TestDoNotify_HonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	calls := 0
	hint := 30 * time.Millisecond
	err := DoNotify(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls == 1 {
			return errs.RateLimitedFor("op", hint, errors.New("429"))
		}
		return nil
	}, func(_ error, _ int, delay time.Duration) {
		delays = append(delays, delay)
	})
	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], hint, "server pause hint overrides the shorter computed delay")
}
