// Package archive is the daily hand-off worker: it moves complete days
// that have aged out of the hot window into immutable parquet files in
// cold storage, then deletes the hot rows. Upload, verify, delete — in
// that order, so a crash at any step leaves the data in at least one
// tier.
package archive

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/codec"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/retry"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
)

// lockTTL bounds one archival run. Generous because a site can owe many
// days after downtime; the embedded expiry lets the next run reclaim a
// crashed holder.
const lockTTL = 30 * time.Minute

// encodeBatch is how many rows accumulate before a parquet write.
const encodeBatch = 5000

// Deps are the handles one worker instance operates on.
type Deps struct {
	Hot     storage.HotStore
	Cold    storage.ColdStore
	State   storage.StateStore
	Metrics *metrics.Registry
	Clock   func() time.Time
}

// Worker archives every complete day older than the hot window.
type Worker struct {
	deps          Deps
	sites         []string
	hotWindowDays int
	prefix        string
	maxFileBytes  int64
}

// DayResult is the outcome for one (site, day) partition.
type DayResult struct {
	Day   string
	Rows  int64
	Bytes int64
	Key   string
	// Recovered means the file already existed from an earlier
	// interrupted run and this run finished the hand-off.
	Recovered bool
	// Empty means the day held no rows; it was marked done with no file.
	Empty bool
}

// Result summarizes one site invocation.
type Result struct {
	Site    string
	RunID   string
	Days    []DayResult
	Rows    int64
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
	return &Worker{
		deps:          deps,
		sites:         cfg.Sites,
		hotWindowDays: cfg.HotWindowDays,
		prefix:        cfg.ColdKeyPrefix(),
		maxFileBytes:  cfg.Cold.MaxFileBytes,
	}
}

// Run archives every configured site. Sites are independent: one failure
// is logged and the rest still run.
func (w *Worker) Run(ctx context.Context) error {
	var firstErr error
	for _, site := range w.sites {
		if _, err := w.RunSite(ctx, site); err != nil {
			log.Error().Err(err).Str("site", site).Msg("Archival run failed")
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

// RunSite archives a single site under the per-site lease and records the
// run summary whatever the outcome.
func (w *Worker) RunSite(ctx context.Context, site string) (*Result, error) {
	started := w.deps.Clock()
	res := &Result{Site: site, RunID: uuid.New().String()[:8]}

	lease := state.NewLease(w.deps.State, state.LockKey("archive", site), res.RunID, lockTTL, w.deps.Clock)
	acquired, reclaimed, err := lease.Acquire(ctx)
	if err != nil {
		return res, errs.Wrap(errs.Internal, "archive.lock", err)
	}
	if !acquired {
		res.Skipped = true
		log.Info().Str("site", site).Msg("Archive lease held elsewhere, skipping run")
		w.deps.Metrics.ArchiveDays.WithLabelValues(site, "locked").Inc()
		return res, nil
	}
	if reclaimed {
		log.Warn().Str("site", site).Str("run_id", res.RunID).Msg("Reclaimed stale archive lease")
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn().Err(err).Str("site", site).Msg("Failed to release archive lease")
		}
	}()

	runErr := w.archiveSite(ctx, site, res)
	w.finishRun(ctx, site, started, res, runErr)
	return res, runErr
}

// archiveSite walks the site's days oldest-first. The walk stops at the
// first day the hot window still covers; days are otherwise independent,
// so one failed day is recorded and the newer ones still move.
func (w *Worker) archiveSite(ctx context.Context, site string, res *Result) error {
	now := w.deps.Clock()
	boundary := now.AddDate(0, 0, -w.hotWindowDays)

	oldest, ok, err := w.deps.Hot.OldestTS(ctx, site)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().Str("site", site).Msg("Hot store empty, nothing to archive")
		return nil
	}

	var firstErr error
	for day := storage.DayOf(oldest); !day.Add(24 * time.Hour).After(boundary); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dr, err := w.archiveDay(ctx, site, day, res.RunID)
		if err != nil {
			log.Error().Err(err).Str("site", site).Str("day", day.Format(state.DayFormat)).Msg("Day archival failed")
			w.deps.Metrics.ArchiveDays.WithLabelValues(site, "error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Days = append(res.Days, dr)
		res.Rows += dr.Rows
		switch {
		case dr.Empty:
			w.deps.Metrics.ArchiveDays.WithLabelValues(site, "empty").Inc()
		case dr.Recovered:
			w.deps.Metrics.ArchiveDays.WithLabelValues(site, "recovered").Inc()
		default:
			w.deps.Metrics.ArchiveDays.WithLabelValues(site, "archived").Inc()
		}
		if dr.Rows > 0 {
			w.deps.Metrics.ArchiveRows.WithLabelValues(site).Add(float64(dr.Rows))
		}
		if dr.Bytes > 0 {
			w.deps.Metrics.ArchiveBytes.WithLabelValues(site).Add(float64(dr.Bytes))
		}
	}
	return firstErr
}

// archiveDay moves one complete day. Re-runs are idempotent: an existing
// non-empty day file is trusted and never overwritten, only the remaining
// hot rows and the archive mark are brought up to date.
func (w *Worker) archiveDay(ctx context.Context, site string, day time.Time, runID string) (DayResult, error) {
	dayKey := day.Format(state.DayFormat)
	startMS := day.UnixMilli()
	endMS := day.Add(24 * time.Hour).UnixMilli()
	key := storage.ColdKey(w.prefix, site, day)
	dr := DayResult{Day: dayKey, Key: key}

	info, err := w.deps.Cold.Head(ctx, key)
	switch {
	case err == nil && info.Size > 0:
		// A previous run uploaded this file and then died before the
		// delete or the mark. Finish its job.
		return w.recoverDay(ctx, site, day, info, runID)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return dr, err
	}

	rows, err := w.deps.Hot.CountRange(ctx, site, startMS, endMS)
	if err != nil {
		return dr, err
	}
	if rows == 0 {
		// Mark the empty day so coverage checks know silence is real.
		if err := w.markDay(ctx, site, dayKey, 0, 0, "", runID); err != nil {
			return dr, err
		}
		dr.Empty = true
		log.Debug().Str("site", site).Str("day", dayKey).Msg("Day empty, marked without file")
		return dr, nil
	}

	var buf bytes.Buffer
	pw := codec.NewWriter(&buf)
	batch := make([]codec.Row, 0, encodeBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := pw.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	err = w.deps.Hot.StreamRange(ctx, site, startMS, endMS, func(s storage.NamedSample) error {
		batch = append(batch, codec.Row{Timestamp: s.TS, PointName: s.Name, Value: s.Value})
		if len(batch) >= encodeBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return dr, err
	}
	if err := flush(); err != nil {
		return dr, err
	}
	if err := pw.Close(); err != nil {
		return dr, errs.Wrap(errs.Internal, "archive.encode", err)
	}
	dr.Rows = pw.Rows()
	dr.Bytes = int64(buf.Len())

	err = retry.Do(ctx, retry.Store, func() error {
		return w.deps.Cold.Put(ctx, key, bytes.NewReader(buf.Bytes()), dr.Bytes)
	})
	if err != nil {
		return dr, err
	}

	// Verify before a single hot row is touched.
	uploaded, err := w.deps.Cold.Head(ctx, key)
	if err != nil {
		return dr, err
	}
	if uploaded.Size != dr.Bytes {
		w.recordIntegrity(ctx, site, dayKey, dr.Bytes, uploaded.Size, "uploaded size diverged from encoded size", runID)
		return dr, errs.Newf(errs.Integrity, "archive.verify", "size mismatch for %s: wrote %d, stored %d", key, dr.Bytes, uploaded.Size)
	}

	deleted, err := w.deps.Hot.DeleteRange(ctx, site, startMS, endMS)
	if err != nil {
		return dr, err
	}
	if deleted != dr.Rows {
		// Rows changed between the stream and the delete. The file is
		// verified, nothing is retried; a human decides what the
		// divergence means.
		w.recordIntegrity(ctx, site, dayKey, dr.Rows, deleted, "hot delete count diverged from rows archived", runID)
		return dr, errs.Newf(errs.Integrity, "archive.delete", "row mismatch for %s/%s: archived %d, deleted %d", site, dayKey, dr.Rows, deleted)
	}

	if err := w.markDay(ctx, site, dayKey, dr.Rows, dr.Bytes, key, runID); err != nil {
		return dr, err
	}
	log.Info().
		Str("site", site).
		Str("day", dayKey).
		Int64("rows", dr.Rows).
		Str("size", humanize.Bytes(uint64(dr.Bytes))).
		Str("key", key).
		Msg("Day archived")
	return dr, nil
}

// recoverDay completes an interrupted hand-off: the day file exists, so
// the remaining work is deleting hot rows and writing the mark. The file
// is read back to confirm it is a whole parquet file before anything hot
// is deleted.
func (w *Worker) recoverDay(ctx context.Context, site string, day time.Time, info storage.ObjectInfo, runID string) (DayResult, error) {
	dayKey := day.Format(state.DayFormat)
	dr := DayResult{Day: dayKey, Key: info.Key, Bytes: info.Size, Recovered: true}

	data, err := w.deps.Cold.Get(ctx, info.Key, w.maxFileBytes)
	if err != nil {
		return dr, err
	}
	fileRows, err := codec.RowCount(data)
	if err != nil {
		// Unreadable file plus live hot rows means the upload was bad.
		// Leave the hot rows where they are and flag it.
		w.recordIntegrity(ctx, site, dayKey, 0, info.Size, "existing day file is not readable parquet", runID)
		return dr, errs.Wrap(errs.Integrity, "archive.recover", err)
	}
	dr.Rows = fileRows

	deleted, err := w.deps.Hot.DeleteRange(ctx, site, day.UnixMilli(), day.Add(24*time.Hour).UnixMilli())
	if err != nil {
		return dr, err
	}

	if _, marked, err := state.LoadArchiveMark(ctx, w.deps.State, site, dayKey); err != nil {
		return dr, err
	} else if !marked {
		if err := w.markDay(ctx, site, dayKey, fileRows, info.Size, info.Key, runID); err != nil {
			return dr, err
		}
	}
	log.Warn().
		Str("site", site).
		Str("day", dayKey).
		Int64("file_rows", fileRows).
		Int64("hot_rows_deleted", deleted).
		Msg("Recovered interrupted archival, existing file kept")
	return dr, nil
}

func (w *Worker) markDay(ctx context.Context, site, day string, rows, size int64, key, runID string) error {
	return state.SaveArchiveMark(ctx, w.deps.State, &state.ArchiveMark{
		Site:       site,
		Day:        day,
		Rows:       rows,
		Bytes:      size,
		Key:        key,
		RunID:      runID,
		ArchivedAt: w.deps.Clock().UnixMilli(),
	})
}

// recordIntegrity is best effort; the triggering error is what aborts the
// day.
func (w *Worker) recordIntegrity(ctx context.Context, site, day string, expected, actual int64, detail, runID string) {
	rec := &state.IntegrityRecord{
		Site:       site,
		Day:        day,
		Expected:   expected,
		Actual:     actual,
		Detail:     detail,
		RunID:      runID,
		RecordedAt: w.deps.Clock().UnixMilli(),
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := state.SaveIntegrityRecord(ictx, w.deps.State, rec); err != nil {
		log.Error().Err(err).Str("site", site).Str("day", day).Msg("Failed to save integrity record")
	}
}

// finishRun records the run summary and metrics. Summary writes are best
// effort: a state-store hiccup must not turn a good run into a failure.
func (w *Worker) finishRun(ctx context.Context, site string, started time.Time, res *Result, runErr error) {
	duration := w.deps.Clock().Sub(started)
	summary := &state.RunSummary{
		Worker:     "archive",
		Site:       site,
		RunID:      res.RunID,
		StartedAt:  started.UnixMilli(),
		DurationMS: duration.Milliseconds(),
		Rows:       res.Rows,
		Pages:      len(res.Days),
		Result:     "success",
	}

	switch {
	case runErr != nil:
		summary.Result = "error"
		summary.ErrorKind = string(errs.KindOf(runErr))
		summary.Error = runErr.Error()
		log.Error().Err(runErr).
			Str("site", site).
			Str("run_id", res.RunID).
			Str("kind", summary.ErrorKind).
			Msg("Archival run finished with errors")
	case res.Skipped:
		summary.Result = "skipped"
	default:
		log.Info().
			Str("site", site).
			Str("run_id", res.RunID).
			Int("days", len(res.Days)).
			Int64("rows", res.Rows).
			Dur("duration", duration).
			Msg("Archival run complete")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := state.SaveRunSummary(sctx, w.deps.State, summary); err != nil {
		log.Warn().Err(err).Str("site", site).Msg("Failed to save run summary")
	}
}
