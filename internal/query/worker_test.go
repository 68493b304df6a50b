package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointlake/pointlake/internal/codec"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
	"github.com/pointlake/pointlake/internal/storage/memory"
)

const site = "hq"

type fixture struct {
	hot     *memory.Hot
	cold    *memory.Cold
	st      *memory.State
	metrics *metrics.Registry
	now     time.Time // window is 20 days, so the boundary is May 31 12:00
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hot:     memory.NewHot(),
		cold:    memory.NewCold(),
		st:      memory.NewState(),
		metrics: metrics.New(),
		now:     time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC),
	}
	f.cfg = config.Default()
	f.cfg.Sites = []string{site}
	return f
}

func (f *fixture) worker() *Worker {
	return New(f.cfg, Deps{
		Hot:     f.hot,
		Cold:    f.cold,
		State:   f.st,
		Metrics: f.metrics,
		Clock:   func() time.Time { return f.now },
	})
}

func (f *fixture) boundary() time.Time {
	return f.now.AddDate(0, 0, -f.cfg.HotWindowDays)
}

func (f *fixture) seedHot(t *testing.T, name string, at time.Time, value float64) {
	t.Helper()
	ids, err := f.hot.EnsurePoints(context.Background(), site, []storage.PointUpsert{{Name: name}})
	require.NoError(t, err)
	err = f.hot.UpsertBatch(context.Background(), []storage.Sample{
		{PointID: ids[name], TS: at.UnixMilli(), Value: value},
	})
	require.NoError(t, err)
}

func (f *fixture) seedColdDay(t *testing.T, day time.Time, rows []codec.Row) {
	t.Helper()
	data, err := codec.Encode(rows)
	require.NoError(t, err)
	f.cold.SetObject(storage.ColdKey("timeseries", site, day), data)
}

// markArchived records an empty-day archive mark so missing files read as
// legitimately empty instead of coverage gaps.
func (f *fixture) markArchived(t *testing.T, day time.Time) {
	t.Helper()
	err := state.SaveArchiveMark(context.Background(), f.st, &state.ArchiveMark{
		Site: site,
		Day:  day.Format(state.DayFormat),
	})
	require.NoError(t, err)
}

func seriesFor(t *testing.T, resp *Response, name string) Series {
	t.Helper()
	for _, s := range resp.Series {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("series %q not in response", name)
	return Series{}
}

func TestQuery_HotOnly(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC)
	f.seedHot(t, "vav-1-temp", at, 72.5)
	f.seedHot(t, "vav-1-temp", at.Add(time.Hour), 73.1)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hot"}, resp.Metadata.Sources)
	assert.Nil(t, resp.Metadata.ColdRange)
	require.NotNil(t, resp.Metadata.HotRange)
	assert.Equal(t, int64(2), resp.Metadata.HotRange.SampleCount)
	assert.False(t, resp.Metadata.CacheHit)

	s := seriesFor(t, resp, "vav-1-temp")
	assert.Equal(t, []Pair{{at.UnixMilli(), 72.5}, {at.Add(time.Hour).UnixMilli(), 73.1}}, s.Data)
}

func TestQuery_ColdOnly(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC)
	f.seedColdDay(t, day, []codec.Row{
		{Timestamp: day.Add(2 * time.Hour).UnixMilli(), PointName: "ahu-1-sat", Value: 55.0},
		{Timestamp: day.Add(12 * time.Hour).UnixMilli(), PointName: "ahu-1-sat", Value: 56.2},
	})

	start := day.Add(6 * time.Hour)
	end := day.Add(18 * time.Hour)
	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"ahu-1-sat"},
		StartMS:    start.UnixMilli(),
		EndMS:      end.UnixMilli(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cold"}, resp.Metadata.Sources)
	assert.Nil(t, resp.Metadata.HotRange)
	require.NotNil(t, resp.Metadata.ColdRange)
	assert.Equal(t, 1, resp.Metadata.ColdRange.FileCount)

	s := seriesFor(t, resp, "ahu-1-sat")
	require.Len(t, s.Data, 1, "rows outside the requested range are filtered")
	assert.Equal(t, 56.2, s.Data[0].Value)
}

func TestQuery_SplitMergesBothTiers(t *testing.T) {
	f := newFixture(t)
	coldDay := time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC)
	f.seedColdDay(t, coldDay, []codec.Row{
		{Timestamp: coldDay.Add(6 * time.Hour).UnixMilli(), PointName: "vav-1-temp", Value: 68.0},
	})
	f.markArchived(t, coldDay.AddDate(0, 0, 1)) // May 30: archived empty
	// May 31 straddles the boundary, so its rows still live in hot.
	f.seedHot(t, "vav-1-temp", time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC), 69.5)
	f.seedHot(t, "vav-1-temp", time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC), 71.0)

	start := coldDay
	end := time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC)
	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    start.UnixMilli(),
		EndMS:      end.UnixMilli(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cold", "hot"}, resp.Metadata.Sources)
	require.NotNil(t, resp.Metadata.HotRange)
	require.NotNil(t, resp.Metadata.ColdRange)
	assert.Equal(t, f.boundary().UnixMilli(), resp.Metadata.HotRange.Start)
	assert.Equal(t, start.UnixMilli(), resp.Metadata.ColdRange.Start)
	assert.Equal(t, f.boundary().UnixMilli(), resp.Metadata.ColdRange.End)
	assert.Equal(t, 1, resp.Metadata.ColdRange.FileCount)

	s := seriesFor(t, resp, "vav-1-temp")
	require.Len(t, s.Data, 3, "cold and hot rows merged")
	assert.Equal(t, 68.0, s.Data[0].Value)
	assert.Equal(t, 69.5, s.Data[1].Value)
	assert.Equal(t, 71.0, s.Data[2].Value)

	assert.Zero(t, f.metrics.CounterTotal("pointlake_coverage_gaps_total"))
}

func TestQuery_HotWinsOnBoundaryOverlap(t *testing.T) {
	f := newFixture(t)
	// The same reading exists in both tiers: archival uploaded the day
	// file but has not deleted the hot rows yet.
	at := time.Date(2024, 5, 30, 6, 0, 0, 0, time.UTC)
	day := time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)
	f.seedColdDay(t, day, []codec.Row{
		{Timestamp: at.UnixMilli(), PointName: "vav-1-temp", Value: 4.9},
	})
	f.seedHot(t, "vav-1-temp", at, 5.0)
	f.markArchived(t, time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC))
	f.markArchived(t, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)

	s := seriesFor(t, resp, "vav-1-temp")
	require.Len(t, s.Data, 1, "duplicate timestamps collapse to one sample")
	assert.Equal(t, Pair{at.UnixMilli(), 5.0}, s.Data[0], "hot value wins")
}

func TestQuery_UnarchivedColdRangeFallsBackToHot(t *testing.T) {
	f := newFixture(t)
	// Archival is behind: the day is past the boundary but its rows are
	// still in the hot store and no day file exists.
	at := time.Date(2024, 5, 25, 9, 0, 0, 0, time.UTC)
	f.seedHot(t, "ahu-1-sat", at, 54.2)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"ahu-1-sat"},
		StartMS:    time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 5, 25, 22, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cold", "hot"}, resp.Metadata.Sources)
	s := seriesFor(t, resp, "ahu-1-sat")
	require.Len(t, s.Data, 1)
	assert.Equal(t, 54.2, s.Data[0].Value)
	assert.Zero(t, f.metrics.CounterTotal("pointlake_coverage_gaps_total"),
		"rows served from hot are not a gap")
}

func TestQuery_CoverageGapCountedNotFatal(t *testing.T) {
	f := newFixture(t)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"ahu-1-sat"},
		StartMS:    time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 5, 25, 23, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err, "a gap degrades coverage, it does not fail the query")

	s := seriesFor(t, resp, "ahu-1-sat")
	assert.Empty(t, s.Data)
	assert.Equal(t, 1.0, f.metrics.CounterTotal("pointlake_coverage_gaps_total"))
}

func TestQuery_ArchiveMarkSilencesEmptyDay(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC)
	f.markArchived(t, day)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"ahu-1-sat"},
		StartMS:    day.UnixMilli(),
		EndMS:      day.Add(23 * time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	assert.Empty(t, seriesFor(t, resp, "ahu-1-sat").Data)
	assert.Zero(t, f.metrics.CounterTotal("pointlake_coverage_gaps_total"))
}

func TestQuery_CacheHitServesIdenticalSeries(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC)
	f.seedHot(t, "vav-1-temp", at, 72.5)

	req := Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	w := f.worker()

	first, err := w.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	// Data written after the first query must not leak into the cached
	// response.
	f.seedHot(t, "vav-1-temp", at.Add(time.Hour), 99.0)

	second, err := w.Query(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Series, second.Series)
	assert.Equal(t, first.Metadata.Sources, second.Metadata.Sources)

	assert.Equal(t, 2.0, f.metrics.CounterTotal("pointlake_query_cache_total"), "one miss, one hit")
}

func TestQuery_CacheDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Query.CacheEnabled = false
	f.seedHot(t, "vav-1-temp", time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC), 72.5)

	req := Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	w := f.worker()

	_, err := w.Query(context.Background(), req)
	require.NoError(t, err)
	resp, err := w.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Metadata.CacheHit)

	keys, err := f.st.List(context.Background(), state.CacheKey(""))
	require.NoError(t, err)
	assert.Empty(t, keys, "nothing was cached")
}

func TestQuery_CacheFailureDegradesToUncached(t *testing.T) {
	f := newFixture(t)
	f.st.GetErr = errors.New("redis down")
	f.st.PutErr = errors.New("redis down")
	at := time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC)
	f.seedHot(t, "vav-1-temp", at, 72.5)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"vav-1-temp"},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err, "cache trouble never fails the read")
	require.Len(t, seriesFor(t, resp, "vav-1-temp").Data, 1)
}

func TestQuery_Validation(t *testing.T) {
	f := newFixture(t)
	f.cfg.Query.MaxPoints = 2
	w := f.worker()

	recent := time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli()
	later := time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli()

	cases := []struct {
		name string
		req  Request
	}{
		{"missing site", Request{PointNames: []string{"p"}, StartMS: recent, EndMS: later}},
		{"no point names", Request{Site: site, PointNames: []string{"  "}, StartMS: recent, EndMS: later}},
		{"too many points", Request{Site: site, PointNames: []string{"a", "b", "c"}, StartMS: recent, EndMS: later}},
		{"start after end", Request{Site: site, PointNames: []string{"p"}, StartMS: later, EndMS: recent}},
		{"start equals end", Request{Site: site, PointNames: []string{"p"}, StartMS: recent, EndMS: recent}},
		{"negative start", Request{Site: site, PointNames: []string{"p"}, StartMS: -5, EndMS: later}},
		{"end in future", Request{Site: site, PointNames: []string{"p"}, StartMS: recent, EndMS: f.now.Add(time.Hour).UnixMilli()}},
		{"range too wide", Request{Site: site, PointNames: []string{"p"}, StartMS: f.now.AddDate(-2, 0, 0).UnixMilli(), EndMS: f.now.UnixMilli()}},
		{"bad aggregation", Request{Site: site, PointNames: []string{"p"}, StartMS: recent, EndMS: later, Aggregation: "15m"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.Query(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.Validation), "got kind %s", errs.KindOf(err))
		})
	}
}

func TestQuery_DuplicateNamesCollapse(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC)
	f.seedHot(t, "vav-1-temp", at, 72.5)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"vav-1-temp", " vav-1-temp "},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Series, 1)
}

func TestQuery_HotStoreFailureFailsWhole(t *testing.T) {
	f := newFixture(t)
	f.hot.QueryErr = errors.New("connection refused")

	_, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"p"},
		StartMS:    time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.Error(t, err, "partial results are never served")
}

func TestQuery_ColdFetchFailureFailsWhole(t *testing.T) {
	f := newFixture(t)
	f.cold.GetErr = errors.New("bucket unreachable")

	_, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"p"},
		StartMS:    time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 5, 25, 23, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.Error(t, err)
}

func TestQuery_CorruptDayFileIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC)
	f.cold.SetObject(storage.ColdKey("timeseries", site, day), []byte("not parquet"))

	_, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"p"},
		StartMS:    day.UnixMilli(),
		EndMS:      day.Add(23 * time.Hour).UnixMilli(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Integrity), "got kind %s", errs.KindOf(err))
}

func TestQuery_DeadlineFailsWithTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.Query.Timeout = time.Nanosecond

	_, err := f.worker().Query(context.Background(), Request{
		Site:       site,
		PointNames: []string{"p"},
		StartMS:    time.Date(2024, 5, 25, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:      time.Date(2024, 5, 26, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Timeout), "got kind %s", errs.KindOf(err))
}

func TestQuery_AggregationPostMerge(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 6, 18, 10, 0, 0, 0, time.UTC)
	f.seedHot(t, "vav-1-temp", base, 2)
	f.seedHot(t, "vav-1-temp", base.Add(15*time.Minute), 4)
	f.seedHot(t, "vav-1-temp", base.Add(time.Hour), 6)

	resp, err := f.worker().Query(context.Background(), Request{
		Site:        site,
		PointNames:  []string{"vav-1-temp"},
		StartMS:     time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMS:       time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Aggregation: "1h:mean",
	})
	require.NoError(t, err)

	s := seriesFor(t, resp, "vav-1-temp")
	assert.Equal(t, []Pair{
		{base.UnixMilli(), 3},
		{base.Add(time.Hour).UnixMilli(), 6},
	}, s.Data)
}
