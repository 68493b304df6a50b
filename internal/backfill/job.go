package backfill

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
)

// StartRequest carries the parameters of a manual backfill trigger.
type StartRequest struct {
	Site      string `json:"site"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// Resume picks up the newest unfinished job for the same range
	// instead of starting from scratch.
	Resume bool `json:"resume,omitempty"`
	// ContinueOnError keeps the job going past individual bad days.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Start validates the request, creates (or resumes) the job record, and
// claims the per-site guard. The job runs on subsequent scheduler ticks;
// Start itself moves no data.
func (w *Worker) Start(ctx context.Context, req StartRequest) (*state.BackfillJob, error) {
	const op = "backfill.start"

	if req.Site == "" {
		return nil, errs.New(errs.Validation, op, "site is required")
	}
	if len(w.sites) > 0 && !w.siteConfigured(req.Site) {
		return nil, errs.Newf(errs.Validation, op, "site %q is not configured", req.Site)
	}
	start, err := time.ParseInLocation(state.DayFormat, req.StartDate, time.UTC)
	if err != nil {
		return nil, errs.Newf(errs.Validation, op, "invalid start_date %q, want YYYY-MM-DD", req.StartDate)
	}
	end, err := time.ParseInLocation(state.DayFormat, req.EndDate, time.UTC)
	if err != nil {
		return nil, errs.Newf(errs.Validation, op, "invalid end_date %q, want YYYY-MM-DD", req.EndDate)
	}
	if start.After(end) {
		return nil, errs.Newf(errs.Validation, op, "start_date %s is after end_date %s", req.StartDate, req.EndDate)
	}
	// Only complete UTC days are backfillable; a partial day would
	// freeze an incomplete immutable file.
	if end.Add(24 * time.Hour).After(w.deps.Clock()) {
		return nil, errs.Newf(errs.Validation, op, "end_date %s is not a completed UTC day yet", req.EndDate)
	}
	if days := int(end.Sub(start)/(24*time.Hour)) + 1; days > w.maxRangeDays {
		return nil, errs.Newf(errs.Validation, op, "range of %d days exceeds the %d day maximum", days, w.maxRangeDays)
	}

	// One job per site. A guard pointing at a finished or vanished job is
	// stale and gets cleared here rather than blocking the site.
	if guardID, err := state.ActiveJobID(ctx, w.deps.State, req.Site); err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	} else if guardID != "" {
		guarded, err := state.LoadJob(ctx, w.deps.State, guardID)
		switch {
		case err == nil && !guarded.Terminal():
			return nil, errs.Newf(errs.Conflict, op, "job %s is already running for site %s", guardID, req.Site)
		case err != nil && !isNotFound(err):
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		if err := state.ReleaseActiveJob(ctx, w.deps.State, req.Site, guardID); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		log.Warn().Str("site", req.Site).Str("job_id", guardID).Msg("Cleared stale backfill guard")
	}

	job, err := w.prepareJob(ctx, req, start, end)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		// Resume matched a finished job with nothing left to do.
		return job, nil
	}

	claimed, err := state.ClaimActiveJob(ctx, w.deps.State, req.Site, job.ID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	if !claimed {
		return nil, errs.Newf(errs.Conflict, op, "another job claimed site %s first", req.Site)
	}
	if err := w.saveJob(ctx, job); err != nil {
		if relErr := state.ReleaseActiveJob(ctx, w.deps.State, req.Site, job.ID); relErr != nil {
			log.Warn().Err(relErr).Str("site", req.Site).Msg("Failed to release backfill guard")
		}
		return nil, err
	}
	log.Info().Str("site", req.Site).Str("job_id", job.ID).
		Str("start_day", job.StartDay).Str("end_day", job.EndDay).
		Bool("resumed", req.Resume && len(job.CompletedDays) > 0).
		Msg("Backfill job queued")
	return job, nil
}

// prepareJob builds the record to run: a resumed earlier job when asked
// for and available, a fresh one otherwise.
func (w *Worker) prepareJob(ctx context.Context, req StartRequest, start, end time.Time) (*state.BackfillJob, error) {
	if req.Resume {
		prior, err := w.newestMatchingJob(ctx, req.Site, req.StartDate, req.EndDate)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if prior.Status == state.JobCompleted {
				return prior, nil
			}
			prior.Status = state.JobQueued
			prior.LastError = ""
			prior.FinishedAt = 0
			prior.ContinueOnError = req.ContinueOnError
			return prior, nil
		}
		// Nothing to resume; fall through to a fresh job.
	}
	now := w.deps.Clock()
	return &state.BackfillJob{
		ID:              uuid.New().String()[:8],
		Site:            req.Site,
		StartDay:        start.Format(state.DayFormat),
		EndDay:          end.Format(state.DayFormat),
		Status:          state.JobQueued,
		ContinueOnError: req.ContinueOnError,
		CreatedAt:       now.UnixMilli(),
	}, nil
}

// newestMatchingJob finds the most recent job covering the same range.
func (w *Worker) newestMatchingJob(ctx context.Context, site, startDay, endDay string) (*state.BackfillJob, error) {
	ids, err := state.ListJobIDs(ctx, w.deps.State)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "backfill.resume", err)
	}
	var newest *state.BackfillJob
	for _, id := range ids {
		job, err := state.LoadJob(ctx, w.deps.State, id)
		if err != nil {
			continue
		}
		if job.Site != site || job.StartDay != startDay || job.EndDay != endDay {
			continue
		}
		if newest == nil || job.CreatedAt > newest.CreatedAt {
			newest = job
		}
	}
	return newest, nil
}

// Cancel stops a job between days. A queued job dies immediately; a
// running one notices before its next day. Cancelling an already
// cancelled job is a no-op.
func (w *Worker) Cancel(ctx context.Context, jobID string) (*state.BackfillJob, error) {
	const op = "backfill.cancel"
	job, err := state.LoadJob(ctx, w.deps.State, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, errs.Newf(errs.NotFound, op, "no job %s", jobID)
		}
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	if job.Status == state.JobCancelled {
		return job, nil
	}
	if job.Terminal() {
		return nil, errs.Newf(errs.Conflict, op, "job %s already finished as %s", jobID, job.Status)
	}
	wasQueued := job.Status == state.JobQueued
	job.Status = state.JobCancelled
	job.FinishedAt = w.deps.Clock().UnixMilli()
	if err := w.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if wasQueued {
		// No tick will ever run it, so the guard is released here.
		if err := state.ReleaseActiveJob(ctx, w.deps.State, job.Site, job.ID); err != nil {
			log.Warn().Err(err).Str("site", job.Site).Msg("Failed to release backfill guard")
		}
	}
	log.Info().Str("site", job.Site).Str("job_id", job.ID).Msg("Backfill job cancelled")
	return job, nil
}

// Status returns the full job record.
func (w *Worker) Status(ctx context.Context, jobID string) (*state.BackfillJob, error) {
	const op = "backfill.status"
	job, err := state.LoadJob(ctx, w.deps.State, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, errs.Newf(errs.NotFound, op, "no job %s", jobID)
		}
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	return job, nil
}

func (w *Worker) siteConfigured(site string) bool {
	for _, s := range w.sites {
		if s == site {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
