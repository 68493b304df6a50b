// Package scheduler puts the event-triggered workers on their triggers:
// the sync interval, the archival cron, and the backfill job tick. It
// owns no worker semantics; it only decides when runs fire and stops
// them cleanly on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/config"
)

// Jobs are the worker entry points the engine fires. Each must tolerate
// repeated invocation; overlap within this process is suppressed by the
// engine, overlap across processes by the workers' leases.
type Jobs struct {
	Sync     func(ctx context.Context) error
	Archive  func(ctx context.Context) error
	Backfill func(ctx context.Context) error
}

// Engine drives the job clock.
type Engine struct {
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// New builds the engine with every non-nil job wired to its trigger.
// Sync and the backfill tick fire immediately on start and then on their
// interval; archival follows its cron expression in UTC.
func New(cfg *config.Config, jobs Jobs) (*Engine, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{scheduler: s, cancel: cancel}

	add := func(name string, def gocron.JobDefinition, run func(context.Context) error, opts ...gocron.JobOption) error {
		opts = append(opts,
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if _, err := s.NewJob(def, gocron.NewTask(func() { e.runJob(ctx, name, run) }), opts...); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		return nil
	}

	if jobs.Sync != nil {
		err = add("sync", gocron.DurationJob(cfg.Sync.Interval), jobs.Sync,
			gocron.WithStartAt(gocron.WithStartImmediately()))
		if err != nil {
			cancel()
			return nil, err
		}
	}
	if jobs.Archive != nil {
		if err := add("archive", gocron.CronJob(cfg.Archive.Cron, false), jobs.Archive); err != nil {
			cancel()
			return nil, err
		}
	}
	if jobs.Backfill != nil {
		err = add("backfill", gocron.DurationJob(cfg.Backfill.TickInterval), jobs.Backfill,
			gocron.WithStartAt(gocron.WithStartImmediately()))
		if err != nil {
			cancel()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) runJob(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := run(ctx); err != nil {
		log.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(started)).Msg("Scheduled job failed")
		return
	}
	log.Debug().Str("job", name).Dur("elapsed", time.Since(started)).Msg("Scheduled job finished")
}

// Start begins firing jobs and logs each job's first planned run.
func (e *Engine) Start() {
	e.scheduler.Start()
	for _, job := range e.scheduler.Jobs() {
		next, err := job.NextRun()
		if err != nil {
			continue
		}
		log.Info().Str("job", job.Name()).Time("next_run", next).Msg("Job scheduled")
	}
}

// Stop cancels running jobs and waits for them to drain, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()
	done := make(chan error, 1)
	go func() { done <- e.scheduler.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not drain in time: %w", ctx.Err())
	}
}
