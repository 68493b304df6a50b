package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointlake/pointlake/internal/config"
)

func TestEngineFiresSyncImmediately(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Interval = time.Hour // first run is immediate, no second within the test

	fired := make(chan struct{}, 1)
	e, err := New(cfg, Jobs{
		Sync: func(ctx context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)
	e.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("sync job never fired")
	}
}

func TestEngineRejectsBadCron(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Cron = "not a cron"

	_, err := New(cfg, Jobs{Archive: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestStopCancelsRunningJob(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Interval = time.Hour

	running := make(chan struct{})
	e, err := New(cfg, Jobs{
		Sync: func(ctx context.Context) error {
			close(running)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	e.Start()

	<-running // job is parked on its context

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx), "cancel must release the running job")
}
