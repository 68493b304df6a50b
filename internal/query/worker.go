// Package query is the read path: it splits a requested time range
// across the hot and cold tiers, fetches both sides in parallel, merges
// with hot-wins dedup, optionally aggregates, and caches the result
// keyed by a SHA-256 of the normalized request.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/codec"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/retry"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
)

// Deps are the handles one worker instance operates on.
type Deps struct {
	Hot     storage.HotStore
	Cold    storage.ColdStore
	State   storage.StateStore
	Metrics *metrics.Registry
	Clock   func() time.Time
}

// Worker serves time-range reads across both tiers.
type Worker struct {
	deps             Deps
	hotWindowDays    int
	prefix           string
	maxRangeMS       int64
	maxPoints        int
	timeout          time.Duration
	fetchConcurrency int
	maxFileBytes     int64
	cacheEnabled     bool
}

// Request is one query as the HTTP surface hands it over, timestamps in
// epoch milliseconds UTC.
type Request struct {
	Site        string
	PointNames  []string
	StartMS     int64
	EndMS       int64
	Aggregation string
}

// HotRange describes the slice of the request routed to the hot tier.
type HotRange struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	SampleCount int64 `json:"sample_count"`
}

// ColdRange describes the slice of the request routed to the cold tier.
type ColdRange struct {
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
	FileCount int   `json:"file_count"`
}

// Metadata is the response trailer: where the data came from and how the
// query went.
type Metadata struct {
	Sources     []string   `json:"sources"`
	HotRange    *HotRange  `json:"hot_range,omitempty"`
	ColdRange   *ColdRange `json:"cold_range,omitempty"`
	QueryTimeMS int64      `json:"query_time_ms"`
	CacheHit    bool       `json:"cache_hit"`
}

// Response is the full query result.
type Response struct {
	Series   []Series `json:"series"`
	Metadata Metadata `json:"metadata"`
}

// New builds the worker from configuration.
func New(cfg *config.Config, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	concurrency := cfg.Cold.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	timeout := cfg.Query.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		deps:             deps,
		hotWindowDays:    cfg.HotWindowDays,
		prefix:           cfg.ColdKeyPrefix(),
		maxRangeMS:       int64(cfg.Query.MaxRangeDays) * 24 * time.Hour.Milliseconds(),
		maxPoints:        cfg.Query.MaxPoints,
		timeout:          timeout,
		fetchConcurrency: concurrency,
		maxFileBytes:     cfg.Cold.MaxFileBytes,
		cacheEnabled:     cfg.Query.CacheEnabled,
	}
}

// Query runs one read. Partial results are never returned: any tier
// failure or the worker deadline fails the whole request.
func (w *Worker) Query(ctx context.Context, req Request) (*Response, error) {
	timer := w.deps.Metrics.StartQueryTimer()
	now := w.deps.Clock()

	norm, agg, err := w.normalize(req, now)
	if err != nil {
		timer.Stop("none", "invalid")
		return nil, err
	}

	cacheKey := CacheKey(norm.Site, norm.PointNames, norm.StartMS, norm.EndMS, agg)
	if cached := w.loadCached(ctx, cacheKey); cached != nil {
		cached.Metadata.CacheHit = true
		cached.Metadata.QueryTimeMS = timer.ElapsedMS()
		timer.Stop(strings.Join(cached.Metadata.Sources, ","), "cached")
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	boundaryMS := now.AddDate(0, 0, -w.hotWindowDays).UnixMilli()
	hotNeeded := norm.EndMS >= boundaryMS
	coldNeeded := norm.StartMS < boundaryMS

	var (
		wg          sync.WaitGroup
		hotSamples  []storage.NamedSample
		coldSamples []storage.NamedSample
		fileCount   int
		missing     []time.Time
		hotErr      error
		coldErr     error
	)
	if hotNeeded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The scan deliberately covers the full request, not just
			// [boundary, end]: rows in the overlap window may exist in
			// both tiers and the hot copy must win the merge.
			hotSamples, hotErr = w.queryHot(ctx, norm)
		}()
	}
	if coldNeeded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coldSamples, fileCount, missing, coldErr = w.queryCold(ctx, norm, boundaryMS)
		}()
	}
	wg.Wait()

	sources := w.sourcesLabel(hotNeeded, coldNeeded)
	if err := firstOf(hotErr, coldErr); err != nil {
		timer.Stop(sources, "error")
		return nil, err
	}

	// Cold-only route with missing day files: the days may simply not be
	// archived yet, so their rows are still in the hot store.
	hotFallback := false
	if !hotNeeded && len(missing) > 0 {
		hotSamples, hotErr = w.queryHot(ctx, norm)
		if hotErr != nil {
			timer.Stop(sources, "error")
			return nil, hotErr
		}
		hotFallback = len(hotSamples) > 0
	}

	w.logCoverageGaps(ctx, norm, missing, hotSamples)

	series := mergeSeries(norm.PointNames, hotSamples, coldSamples)
	if agg != nil {
		for i := range series {
			series[i].Data = agg.Apply(series[i].Data)
		}
	}

	resp := &Response{Series: series}
	meta := &resp.Metadata
	switch {
	case hotNeeded && coldNeeded:
		meta.Sources = []string{"cold", "hot"}
	case hotNeeded:
		meta.Sources = []string{"hot"}
	case hotFallback:
		meta.Sources = []string{"cold", "hot"}
	default:
		meta.Sources = []string{"cold"}
	}
	if hotNeeded {
		meta.HotRange = &HotRange{Start: max64(norm.StartMS, boundaryMS), End: norm.EndMS, SampleCount: int64(len(hotSamples))}
	} else if hotFallback {
		meta.HotRange = &HotRange{Start: norm.StartMS, End: norm.EndMS, SampleCount: int64(len(hotSamples))}
	}
	if coldNeeded {
		meta.ColdRange = &ColdRange{Start: norm.StartMS, End: min64(norm.EndMS, boundaryMS), FileCount: fileCount}
	}

	w.storeCached(ctx, cacheKey, resp, now, norm.EndMS)

	meta.QueryTimeMS = timer.ElapsedMS()
	timer.Stop(strings.Join(meta.Sources, ","), "success")
	log.Debug().
		Str("site", norm.Site).
		Int("points", len(norm.PointNames)).
		Strs("sources", meta.Sources).
		Int("files", fileCount).
		Int64("elapsed_ms", meta.QueryTimeMS).
		Msg("Query served")
	return resp, nil
}

// normalize validates the request and puts it in canonical form: trimmed
// site, sorted deduplicated names, parsed aggregation.
func (w *Worker) normalize(req Request, now time.Time) (Request, *Aggregation, error) {
	const op = "query.validate"

	req.Site = strings.TrimSpace(req.Site)
	if req.Site == "" {
		return req, nil, errs.New(errs.Validation, op, "site is required")
	}

	seen := make(map[string]bool, len(req.PointNames))
	names := make([]string, 0, len(req.PointNames))
	for _, n := range req.PointNames {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	if len(names) == 0 {
		return req, nil, errs.New(errs.Validation, op, "at least one point name is required")
	}
	if len(names) > w.maxPoints {
		return req, nil, errs.Newf(errs.Validation, op, "%d point names exceed the %d maximum", len(names), w.maxPoints)
	}
	sort.Strings(names)
	req.PointNames = names

	if req.StartMS < 0 {
		return req, nil, errs.Newf(errs.Validation, op, "start_time %d is before the epoch", req.StartMS)
	}
	if req.StartMS >= req.EndMS {
		return req, nil, errs.Newf(errs.Validation, op, "start_time %d must be before end_time %d", req.StartMS, req.EndMS)
	}
	if nowMS := now.UnixMilli(); req.EndMS > nowMS {
		return req, nil, errs.Newf(errs.Validation, op, "end_time %d is in the future", req.EndMS)
	}
	if req.EndMS-req.StartMS > w.maxRangeMS {
		return req, nil, errs.Newf(errs.Validation, op, "range of %s exceeds the %d day maximum",
			time.Duration(req.EndMS-req.StartMS)*time.Millisecond, w.maxRangeMS/(24*time.Hour.Milliseconds()))
	}

	agg, err := ParseAggregation(req.Aggregation)
	if err != nil {
		return req, nil, err
	}
	return req, agg, nil
}

func (w *Worker) queryHot(ctx context.Context, req Request) ([]storage.NamedSample, error) {
	var rows []storage.NamedSample
	err := retry.Do(ctx, retry.Store, func() error {
		var err error
		rows, err = w.deps.Hot.QueryRange(ctx, storage.RangeQuery{
			Site:    req.Site,
			Names:   req.PointNames,
			StartMS: req.StartMS,
			EndMS:   req.EndMS,
		})
		return err
	})
	if err != nil {
		w.deps.Metrics.StoreErrors.WithLabelValues("hot", "query_range").Inc()
		return nil, err
	}
	return rows, nil
}

// queryCold fans the day files covering [start, min(end, boundary))
// out to a bounded pool, decodes and filters each, and reports which
// days had no file.
func (w *Worker) queryCold(ctx context.Context, req Request, boundaryMS int64) ([]storage.NamedSample, int, []time.Time, error) {
	days := coldDays(req.StartMS, min64(req.EndMS+1, boundaryMS))
	if len(days) == 0 {
		return nil, 0, nil, nil
	}
	want := make(map[string]bool, len(req.PointNames))
	for _, n := range req.PointNames {
		want[n] = true
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		out      []storage.NamedSample
		found    int
		missing  []time.Time
	)
	sem := make(chan struct{}, w.fetchConcurrency)
	for _, day := range days {
		wg.Add(1)
		go func(day time.Time) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cctx.Done():
				return
			}
			rows, ok, err := w.fetchDayFile(cctx, req.Site, day, want, req.StartMS, req.EndMS)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
					cancel()
				}
			case !ok:
				missing = append(missing, day)
			default:
				found++
				out = append(out, rows...)
			}
		}(day)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, 0, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, errs.Wrap(errs.Timeout, "query.cold", err)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
	return out, found, missing, nil
}

// fetchDayFile downloads and decodes one day file. ok is false when the
// file does not exist; decode failures are integrity errors, not
// retryable absences.
func (w *Worker) fetchDayFile(ctx context.Context, site string, day time.Time, want map[string]bool, startMS, endMS int64) ([]storage.NamedSample, bool, error) {
	key := storage.ColdKey(w.prefix, site, day)

	var data []byte
	err := retry.Do(ctx, retry.Store, func() error {
		var err error
		data, err = w.deps.Cold.Get(ctx, key, w.maxFileBytes)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		w.deps.Metrics.ColdFetches.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		w.deps.Metrics.ColdFetches.WithLabelValues("error").Inc()
		w.deps.Metrics.StoreErrors.WithLabelValues("cold", "get").Inc()
		return nil, false, err
	}

	rows, err := codec.Decode(data)
	if err != nil {
		w.deps.Metrics.ColdFetches.WithLabelValues("error").Inc()
		return nil, false, errs.Wrap(errs.Integrity, "query.decode", fmt.Errorf("unreadable day file %s: %w", key, err))
	}
	w.deps.Metrics.ColdFetches.WithLabelValues("hit").Inc()

	out := make([]storage.NamedSample, 0, len(rows))
	for _, r := range rows {
		if !want[r.PointName] {
			continue
		}
		if r.Timestamp < startMS || r.Timestamp > endMS {
			continue
		}
		out = append(out, storage.NamedSample{Name: r.PointName, TS: r.Timestamp, Value: r.Value})
	}
	return out, true, nil
}

// logCoverageGaps flags days that should have data somewhere and have
// none: no day file, no archive mark saying the day was empty, and no
// hot rows covering it. Gaps never fail the query; they page a human.
func (w *Worker) logCoverageGaps(ctx context.Context, req Request, missing []time.Time, hotSamples []storage.NamedSample) {
	if len(missing) == 0 {
		return
	}
	hotDays := make(map[int64]bool, len(hotSamples))
	for _, s := range hotSamples {
		hotDays[storage.DayStartMS(s.TS)] = true
	}
	for _, day := range missing {
		if hotDays[day.UnixMilli()] {
			continue
		}
		if _, marked, err := state.LoadArchiveMark(ctx, w.deps.State, req.Site, day.Format(state.DayFormat)); err == nil && marked {
			// The archival worker saw this day and recorded it (empty
			// days get a mark without a file), so silence is real.
			continue
		}
		w.deps.Metrics.CoverageGaps.WithLabelValues(req.Site).Inc()
		log.Warn().
			Str("site", req.Site).
			Str("day", day.Format(state.DayFormat)).
			Msg("Coverage gap: no day file, no archive mark, no hot rows")
	}
}

func (w *Worker) sourcesLabel(hotNeeded, coldNeeded bool) string {
	switch {
	case hotNeeded && coldNeeded:
		return "cold,hot"
	case hotNeeded:
		return "hot"
	default:
		return "cold"
	}
}

// coldDays enumerates the UTC days whose start lands in
// [dayOf(startMS), endExclusiveMS).
func coldDays(startMS, endExclusiveMS int64) []time.Time {
	var days []time.Time
	for d := storage.DayOf(startMS); d.UnixMilli() < endExclusiveMS; d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func firstOf(errList ...error) error {
	for _, err := range errList {
		if err != nil {
			return err
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
