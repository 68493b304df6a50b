// Package ingest is the incremental sync worker: it pulls recent samples
// from the vendor API into the hot store and advances the per-site
// cursor. One instance per site at a time, enforced by an advisory lease.
package ingest

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/retry"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
	"github.com/pointlake/pointlake/internal/upstream"
)

// Upstream is the slice of the vendor client the sync worker consumes.
type Upstream interface {
	ConfiguredPoints(ctx context.Context, site string) ([]upstream.PointDescriptor, error)
	Samples(ctx context.Context, site string, start, end time.Time, fn func([]upstream.SampleRecord) error) (int, error)
}

// Deps are the handles one worker instance operates on.
type Deps struct {
	Hot      storage.HotStore
	Points   storage.PointStore
	State    storage.StateStore
	Upstream Upstream
	Metrics  *metrics.Registry
	Clock    func() time.Time
}

// Worker pulls one window of samples per invocation.
type Worker struct {
	deps      Deps
	sites     []string
	hotWindow time.Duration
	lag       time.Duration
	batchSize int
	lockTTL   time.Duration
}

// Result summarizes one site invocation.
type Result struct {
	Site        string
	RunID       string
	Rows        int64
	Pages       int
	Dropped     int
	Unknown     int
	WindowStart time.Time
	WindowEnd   time.Time
	// Skipped means no work happened: the lease was held elsewhere or
	// the window was empty.
	Skipped bool
}

// New builds the worker from configuration.
func New(cfg *config.Config, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	batch := cfg.Sync.BatchSize
	if batch <= 0 || batch > 1000 {
		batch = 1000
	}
	lockTTL := cfg.Sync.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Worker{
		deps:      deps,
		sites:     cfg.Sites,
		hotWindow: time.Duration(cfg.HotWindowDays) * 24 * time.Hour,
		lag:       cfg.Sync.ProcessingLag,
		batchSize: batch,
		lockTTL:   lockTTL,
	}
}

// Run syncs every configured site. Sites are independent: one failure is
// logged and the rest still run; the first error comes back for the
// scheduler's books.
func (w *Worker) Run(ctx context.Context) error {
	var firstErr error
	for _, site := range w.sites {
		if _, err := w.RunSite(ctx, site); err != nil {
			log.Error().Err(err).Str("site", site).Msg("Sync run failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// RunSite syncs a single site under the per-site lease and records the
// run summary whatever the outcome.
func (w *Worker) RunSite(ctx context.Context, site string) (*Result, error) {
	started := w.deps.Clock()
	res := &Result{Site: site, RunID: uuid.New().String()[:8]}

	lease := state.NewLease(w.deps.State, state.LockKey("sync", site), res.RunID, w.lockTTL, w.deps.Clock)
	acquired, reclaimed, err := lease.Acquire(ctx)
	if err != nil {
		return res, errs.Wrap(errs.Internal, "ingest.lock", err)
	}
	if !acquired {
		res.Skipped = true
		log.Info().Str("site", site).Msg("Sync lease held elsewhere, skipping run")
		w.deps.Metrics.SyncRuns.WithLabelValues(site, "locked").Inc()
		return res, nil
	}
	if reclaimed {
		log.Warn().Str("site", site).Str("run_id", res.RunID).Msg("Reclaimed stale sync lease")
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn().Err(err).Str("site", site).Msg("Failed to release sync lease")
		}
	}()

	runErr := w.syncSite(ctx, site, res)
	w.finishRun(ctx, site, started, res, runErr)
	return res, runErr
}

func (w *Worker) syncSite(ctx context.Context, site string, res *Result) error {
	now := w.deps.Clock()

	cursorMS, haveCursor, err := state.LoadCursor(ctx, w.deps.State, site)
	if err != nil {
		return errs.Wrap(errs.Internal, "ingest.cursor", err)
	}
	start := now.Add(-w.hotWindow) // cold start
	if haveCursor {
		start = time.UnixMilli(cursorMS)
	}
	// end is recomputed from the wall clock on every run. Pinning it to
	// the cursor would re-fetch the same instant forever.
	end := now.Add(-w.lag)
	res.WindowStart, res.WindowEnd = start, end

	log.Info().
		Str("site", site).
		Str("run_id", res.RunID).
		Time("window_start", start).
		Time("window_end", end).
		Bool("cold_start", !haveCursor).
		Msg("Sync window computed")

	if !end.After(start) {
		res.Skipped = true
		log.Info().Str("site", site).Msg("Sync window empty, nothing to do")
		return nil
	}

	descriptors, err := w.deps.Upstream.ConfiguredPoints(ctx, site)
	if err != nil {
		return err
	}
	upserts := make([]storage.PointUpsert, 0, len(descriptors))
	for _, d := range descriptors {
		upserts = append(upserts, storage.PointUpsert{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			DataType:    d.DataType,
		})
	}
	ids, err := w.deps.Points.EnsurePoints(ctx, site, upserts)
	if err != nil {
		return err
	}

	batch := make([]storage.Sample, 0, w.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		rows := batch
		// Upsert on the primary key makes replaying a batch safe, so a
		// transient failure just retries.
		err := retry.Do(ctx, retry.Store, func() error {
			return w.deps.Hot.UpsertBatch(ctx, rows)
		})
		if err != nil {
			return err
		}
		res.Rows += int64(len(rows))
		batch = batch[:0]
		return nil
	}

	pages, err := w.deps.Upstream.Samples(ctx, site, start, end, func(records []upstream.SampleRecord) error {
		w.deps.Metrics.SyncPages.WithLabelValues(site).Inc()
		for _, rec := range records {
			id, configured := ids[rec.Name]
			if !configured {
				res.Unknown++
				continue
			}
			if rec.Value == nil || math.IsNaN(*rec.Value) {
				res.Dropped++
				continue
			}
			ts, err := rec.TimestampMS()
			if err != nil {
				res.Dropped++
				log.Debug().Err(err).Str("site", site).Str("point", rec.Name).Msg("Dropping sample with bad timestamp")
				continue
			}
			batch = append(batch, storage.Sample{PointID: id, TS: ts, Value: *rec.Value})
			if len(batch) >= w.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	res.Pages = pages
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	// Every batch for the window committed; only now may the cursor move.
	if err := state.SaveCursor(ctx, w.deps.State, site, end.UnixMilli()); err != nil {
		return errs.Wrap(errs.Internal, "ingest.cursor", err)
	}

	w.deps.Metrics.SyncRows.WithLabelValues(site).Add(float64(res.Rows))
	w.deps.Metrics.SyncLag.WithLabelValues(site).Set(w.deps.Clock().Sub(end).Seconds())
	return nil
}

// finishRun records the run summary and metrics. Summary writes are best
// effort: a state-store hiccup must not turn a good run into a failure.
func (w *Worker) finishRun(ctx context.Context, site string, started time.Time, res *Result, runErr error) {
	duration := w.deps.Clock().Sub(started)
	summary := &state.RunSummary{
		Worker:        "sync",
		Site:          site,
		RunID:         res.RunID,
		StartedAt:     started.UnixMilli(),
		DurationMS:    duration.Milliseconds(),
		Rows:          res.Rows,
		Pages:         res.Pages,
		WindowStartMS: res.WindowStart.UnixMilli(),
		WindowEndMS:   res.WindowEnd.UnixMilli(),
		Result:        "success",
	}
	if res.WindowStart.IsZero() {
		summary.WindowStartMS, summary.WindowEndMS = 0, 0
	}

	switch {
	case runErr != nil:
		summary.Result = "error"
		summary.ErrorKind = string(errs.KindOf(runErr))
		summary.Error = runErr.Error()
		w.deps.Metrics.SyncRuns.WithLabelValues(site, "error").Inc()
		log.Error().Err(runErr).
			Str("site", site).
			Str("run_id", res.RunID).
			Str("kind", summary.ErrorKind).
			Msg("Sync run aborted, cursor not advanced")
	case res.Skipped:
		summary.Result = "skipped"
		w.deps.Metrics.SyncRuns.WithLabelValues(site, "skipped").Inc()
	default:
		w.deps.Metrics.SyncRuns.WithLabelValues(site, "success").Inc()
		log.Info().
			Str("site", site).
			Str("run_id", res.RunID).
			Int64("rows", res.Rows).
			Int("pages", res.Pages).
			Int("dropped", res.Dropped).
			Int("unknown", res.Unknown).
			Dur("duration", duration).
			Time("cursor", res.WindowEnd).
			Msg("Sync run complete")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := state.SaveRunSummary(sctx, w.deps.State, summary); err != nil {
		log.Warn().Err(err).Str("site", site).Msg("Failed to save run summary")
	}
}
