// Package backfill is the deep-history loader: manually requested jobs
// that pull a closed historical date range from the vendor API straight
// into cold day files, skipping anything that already exists. Jobs are
// durable records in the state store; a scheduler tick drives them a
// bounded number of days at a time so they survive crashes and respect
// invocation limits.
package backfill

import (
	"bytes"
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/codec"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/retry"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
	"github.com/pointlake/pointlake/internal/upstream"
)

// Upstream is the slice of the vendor client the backfill worker
// consumes. The wired client carries its own requests-per-minute budget,
// separate from the sync client's.
type Upstream interface {
	ConfiguredPoints(ctx context.Context, site string) ([]upstream.PointDescriptor, error)
	Samples(ctx context.Context, site string, start, end time.Time, fn func([]upstream.SampleRecord) error) (int, error)
}

// Deps are the handles one worker instance operates on.
type Deps struct {
	Cold     storage.ColdStore
	State    storage.StateStore
	Upstream Upstream
	Metrics  *metrics.Registry
	Clock    func() time.Time
}

// Worker owns the backfill job lifecycle: creating jobs, cancelling
// them, and advancing the active job per site on every scheduler tick.
type Worker struct {
	deps         Deps
	sites        []string
	prefix       string
	maxDays      int
	maxRangeDays int
}

// New builds the worker from configuration.
func New(cfg *config.Config, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Worker{
		deps:         deps,
		sites:        cfg.Sites,
		prefix:       cfg.ColdKeyPrefix(),
		maxDays:      cfg.Backfill.MaxDaysPerInvocation,
		maxRangeDays: cfg.Backfill.MaxRangeDays,
	}
}

// Tick advances the active job of every site by at most the configured
// day budget. Fired by the scheduler; cheap when nothing is queued.
func (w *Worker) Tick(ctx context.Context) error {
	var firstErr error
	for _, site := range w.sites {
		if err := w.tickSite(ctx, site); err != nil {
			log.Error().Err(err).Str("site", site).Msg("Backfill tick failed")
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

func (w *Worker) tickSite(ctx context.Context, site string) error {
	jobID, err := state.ActiveJobID(ctx, w.deps.State, site)
	if err != nil {
		return errs.Wrap(errs.Internal, "backfill.tick", err)
	}
	if jobID == "" {
		return nil
	}
	job, err := state.LoadJob(ctx, w.deps.State, jobID)
	if err != nil {
		// A guard pointing at a missing record blocks the site forever;
		// clear it and let the operator re-submit.
		log.Warn().Err(err).Str("site", site).Str("job_id", jobID).Msg("Active backfill guard points at unloadable job, releasing")
		return state.ReleaseActiveJob(ctx, w.deps.State, site, jobID)
	}
	if job.Terminal() {
		return state.ReleaseActiveJob(ctx, w.deps.State, site, jobID)
	}
	return w.runJob(ctx, job)
}

// runJob processes up to maxDays uncompleted days of one job, ascending.
// The job record is re-read before every day so a cancel lands between
// days, never mid-file.
func (w *Worker) runJob(ctx context.Context, job *state.BackfillJob) error {
	started := w.deps.Clock()
	runID := uuid.New().String()[:8]

	if job.Status == state.JobQueued {
		job.Status = state.JobInProgress
		job.StartedAt = started.UnixMilli()
		if err := w.saveJob(ctx, job); err != nil {
			return err
		}
		log.Info().Str("site", job.Site).Str("job_id", job.ID).
			Str("start_day", job.StartDay).Str("end_day", job.EndDay).
			Msg("Backfill job started")
	}

	names, err := w.configuredNames(ctx, job.Site)
	if err != nil {
		if errs.IsKind(err, errs.Auth) {
			return w.failJob(ctx, job, err)
		}
		return err
	}

	days, err := enumerateDays(job.StartDay, job.EndDay)
	if err != nil {
		return w.failJob(ctx, job, errs.Wrap(errs.Validation, "backfill.run", err))
	}

	completed := job.CompletedSet()
	var runRows int64
	processed := 0
	for _, day := range days {
		if completed[day] {
			continue
		}
		if processed >= w.maxDays {
			log.Info().Str("site", job.Site).Str("job_id", job.ID).
				Int("days_this_tick", processed).
				Int("days_done", len(job.CompletedDays)).
				Int("days_total", len(days)).
				Msg("Backfill invocation budget reached, job continues next tick")
			w.writeRunSummary(ctx, job, runID, started, runRows, processed, nil)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Cancellation check: the record in the store is authoritative.
		cur, err := state.LoadJob(ctx, w.deps.State, job.ID)
		if err != nil {
			return errs.Wrap(errs.Internal, "backfill.run", err)
		}
		if cur.Status == state.JobCancelled {
			log.Info().Str("site", job.Site).Str("job_id", job.ID).Msg("Backfill job cancelled, stopping before next day")
			w.writeRunSummary(ctx, job, runID, started, runRows, processed, nil)
			return state.ReleaseActiveJob(ctx, w.deps.State, job.Site, job.ID)
		}
		*job = *cur

		rows, skipped, err := w.backfillDay(ctx, job.Site, day, names)
		if err != nil {
			job.LastError = err.Error()
			w.deps.Metrics.BackfillDays.WithLabelValues(job.Site, "error").Inc()
			if errs.IsKind(err, errs.Auth) || !job.ContinueOnError {
				w.writeRunSummary(ctx, job, runID, started, runRows, processed, err)
				return w.failJob(ctx, job, err)
			}
			log.Warn().Err(err).Str("site", job.Site).Str("job_id", job.ID).Str("day", day).
				Msg("Backfill day failed, continuing per job policy")
			if err := w.saveJob(ctx, job); err != nil {
				return err
			}
			processed++
			continue
		}

		job.CompletedDays = append(job.CompletedDays, day)
		sort.Strings(job.CompletedDays)
		job.SamplesWritten += rows
		runRows += rows
		if err := w.saveJob(ctx, job); err != nil {
			return err
		}
		switch {
		case skipped:
			w.deps.Metrics.BackfillDays.WithLabelValues(job.Site, "skipped").Inc()
		case rows == 0:
			w.deps.Metrics.BackfillDays.WithLabelValues(job.Site, "empty").Inc()
		default:
			w.deps.Metrics.BackfillDays.WithLabelValues(job.Site, "written").Inc()
			w.deps.Metrics.BackfillSamples.WithLabelValues(job.Site).Add(float64(rows))
		}
		processed++
	}

	if len(job.CompletedDays) < len(days) {
		// A full sweep ran and some days still failed; ending the job
		// beats retrying them every tick forever.
		cause := errs.Newf(errs.Internal, "backfill.run", "%d of %d days failed, last error: %s",
			len(days)-len(job.CompletedDays), len(days), job.LastError)
		w.writeRunSummary(ctx, job, runID, started, runRows, processed, cause)
		return w.failJob(ctx, job, cause)
	}

	job.Status = state.JobCompleted
	job.FinishedAt = w.deps.Clock().UnixMilli()
	job.LastError = ""
	if err := w.saveJob(ctx, job); err != nil {
		return err
	}
	w.writeRunSummary(ctx, job, runID, started, runRows, processed, nil)
	log.Info().Str("site", job.Site).Str("job_id", job.ID).
		Int("days", len(job.CompletedDays)).
		Int64("samples", job.SamplesWritten).
		Msg("Backfill job completed")
	return state.ReleaseActiveJob(ctx, w.deps.State, job.Site, job.ID)
}

// backfillDay writes one cold day file. An existing non-empty file is
// never overwritten: archival output always wins, and re-running a job
// over it just marks the day done.
func (w *Worker) backfillDay(ctx context.Context, site, day string, names map[string]bool) (int64, bool, error) {
	d, err := time.ParseInLocation(state.DayFormat, day, time.UTC)
	if err != nil {
		return 0, false, errs.Wrap(errs.Validation, "backfill.day", err)
	}
	key := storage.ColdKey(w.prefix, site, d)

	info, err := w.deps.Cold.Head(ctx, key)
	switch {
	case err == nil && info.Size > 0:
		log.Debug().Str("site", site).Str("day", day).Str("key", key).Msg("Day file already exists, skipping")
		return 0, true, nil
	case err != nil && !isNotFound(err):
		return 0, false, err
	}

	dayStart := d
	dayEnd := d.Add(24 * time.Hour)
	var rows []codec.Row
	dropped := 0
	_, err = w.deps.Upstream.Samples(ctx, site, dayStart, dayEnd, func(records []upstream.SampleRecord) error {
		for _, rec := range records {
			if len(names) > 0 && !names[rec.Name] {
				continue
			}
			if rec.Value == nil || math.IsNaN(*rec.Value) {
				dropped++
				continue
			}
			ts, err := rec.TimestampMS()
			if err != nil {
				dropped++
				continue
			}
			// Keep the file day-pure even if the vendor leaks boundary
			// strays.
			if ts < dayStart.UnixMilli() || ts >= dayEnd.UnixMilli() {
				dropped++
				continue
			}
			rows = append(rows, codec.Row{Timestamp: ts, PointName: rec.Name, Value: *rec.Value})
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if len(rows) == 0 {
		log.Debug().Str("site", site).Str("day", day).Msg("No samples for day, nothing written")
		return 0, false, nil
	}

	encoded, err := codec.Encode(rows)
	if err != nil {
		return 0, false, errs.Wrap(errs.Internal, "backfill.encode", err)
	}
	err = retry.Do(ctx, retry.Store, func() error {
		return w.deps.Cold.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)))
	})
	if err != nil {
		return 0, false, err
	}
	uploaded, err := w.deps.Cold.Head(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if uploaded.Size != int64(len(encoded)) {
		return 0, false, errs.Newf(errs.Integrity, "backfill.verify", "size mismatch for %s: wrote %d, stored %d", key, len(encoded), uploaded.Size)
	}

	log.Info().Str("site", site).Str("day", day).
		Int("rows", len(rows)).Int("dropped", dropped).
		Str("key", key).
		Msg("Backfill day written")
	return int64(len(rows)), false, nil
}

// configuredNames resolves the ingest filter once per invocation.
func (w *Worker) configuredNames(ctx context.Context, site string) (map[string]bool, error) {
	descriptors, err := w.deps.Upstream.ConfiguredPoints(ctx, site)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		names[d.Name] = true
	}
	return names, nil
}

// failJob moves the job to failed and releases the site guard.
func (w *Worker) failJob(ctx context.Context, job *state.BackfillJob, cause error) error {
	job.Status = state.JobFailed
	job.LastError = cause.Error()
	job.FinishedAt = w.deps.Clock().UnixMilli()
	if err := w.saveJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist failed job state")
	}
	if err := state.ReleaseActiveJob(ctx, w.deps.State, job.Site, job.ID); err != nil {
		log.Warn().Err(err).Str("site", job.Site).Msg("Failed to release backfill guard")
	}
	log.Error().Err(cause).Str("site", job.Site).Str("job_id", job.ID).
		Str("kind", string(errs.KindOf(cause))).
		Msg("Backfill job failed")
	return cause
}

func (w *Worker) saveJob(ctx context.Context, job *state.BackfillJob) error {
	if err := state.SaveJob(ctx, w.deps.State, job); err != nil {
		return errs.Wrap(errs.Internal, "backfill.save_job", err)
	}
	return nil
}

func (w *Worker) writeRunSummary(ctx context.Context, job *state.BackfillJob, runID string, started time.Time, rows int64, days int, runErr error) {
	summary := &state.RunSummary{
		Worker:     "backfill",
		Site:       job.Site,
		RunID:      runID,
		StartedAt:  started.UnixMilli(),
		DurationMS: w.deps.Clock().Sub(started).Milliseconds(),
		Rows:       rows,
		Pages:      days,
		Result:     "success",
	}
	if runErr != nil {
		summary.Result = "error"
		summary.ErrorKind = string(errs.KindOf(runErr))
		summary.Error = runErr.Error()
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := state.SaveRunSummary(sctx, w.deps.State, summary); err != nil {
		log.Warn().Err(err).Str("site", job.Site).Msg("Failed to save run summary")
	}
}

// enumerateDays expands an inclusive day range into YYYY-MM-DD strings,
// ascending.
func enumerateDays(startDay, endDay string) ([]string, error) {
	start, err := time.ParseInLocation(state.DayFormat, startDay, time.UTC)
	if err != nil {
		return nil, err
	}
	end, err := time.ParseInLocation(state.DayFormat, endDay, time.UTC)
	if err != nil {
		return nil, err
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(state.DayFormat))
	}
	return days, nil
}
