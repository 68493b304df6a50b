package backfill

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
	"github.com/pointlake/pointlake/internal/storage/memory"
	"github.com/pointlake/pointlake/internal/upstream"
)

type fakeUpstream struct {
	points    []upstream.PointDescriptor
	pointsErr error

	samplesByDay map[string][]upstream.SampleRecord
	errByDay     map[string]error
	samplesCalls int
}

func (f *fakeUpstream) ConfiguredPoints(ctx context.Context, site string) ([]upstream.PointDescriptor, error) {
	if f.pointsErr != nil {
		return nil, f.pointsErr
	}
	return f.points, nil
}

func (f *fakeUpstream) Samples(ctx context.Context, site string, start, end time.Time, fn func([]upstream.SampleRecord) error) (int, error) {
	f.samplesCalls++
	day := start.UTC().Format(state.DayFormat)
	if err := f.errByDay[day]; err != nil {
		return 0, err
	}
	if err := fn(f.samplesByDay[day]); err != nil {
		return 1, err
	}
	return 1, nil
}

// sampleDay fabricates n readings for point p1 on the given day.
func sampleDay(day string, n int) []upstream.SampleRecord {
	d, _ := time.ParseInLocation(state.DayFormat, day, time.UTC)
	out := make([]upstream.SampleRecord, 0, n)
	for i := 0; i < n; i++ {
		v := float64(i)
		out = append(out, upstream.SampleRecord{
			Name:  "p1",
			Time:  d.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
			Value: &v,
		})
	}
	return out
}

type fixture struct {
	cold *memory.Cold
	st   *memory.State
	up   *fakeUpstream
	now  time.Time
	cfg  *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cold: memory.NewCold(),
		st:   memory.NewState(),
		up: &fakeUpstream{
			points:       []upstream.PointDescriptor{{Name: "p1"}},
			samplesByDay: map[string][]upstream.SampleRecord{},
			errByDay:     map[string]error{},
		},
		now: time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC),
	}
	f.cfg = config.Default()
	f.cfg.Sites = []string{"hq"}
	return f
}

func (f *fixture) worker() *Worker {
	return New(f.cfg, Deps{
		Cold:     f.cold,
		State:    f.st,
		Upstream: f.up,
		Clock:    func() time.Time { return f.now },
	})
}

func dayKey(day string) string {
	d, _ := time.ParseInLocation(state.DayFormat, day, time.UTC)
	return storage.ColdKey("timeseries", "hq", d)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	w := f.worker()
	ctx := context.Background()

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"missing site", StartRequest{StartDate: "2024-01-01", EndDate: "2024-01-02"}},
		{"unknown site", StartRequest{Site: "nowhere", StartDate: "2024-01-01", EndDate: "2024-01-02"}},
		{"bad start date", StartRequest{Site: "hq", StartDate: "01/01/2024", EndDate: "2024-01-02"}},
		{"bad end date", StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "soon"}},
		{"start after end", StartRequest{Site: "hq", StartDate: "2024-01-05", EndDate: "2024-01-01"}},
		{"incomplete day", StartRequest{Site: "hq", StartDate: "2024-06-19", EndDate: "2024-06-20"}},
		{"range too long", StartRequest{Site: "hq", StartDate: "2020-01-01", EndDate: "2024-01-01"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.Start(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.Validation), "want validation error, got %v", err)
		})
	}
}

func TestStart_QueuesJobAndGuardsSite(t *testing.T) {
	f := newFixture(t)
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-03"})
	require.NoError(t, err)
	assert.Equal(t, state.JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	guard, err := state.ActiveJobID(ctx, f.st, "hq")
	require.NoError(t, err)
	assert.Equal(t, job.ID, guard)

	_, err = w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-02-01", EndDate: "2024-02-02"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Conflict))
}

func TestTick_RunsJobToCompletion(t *testing.T) {
	f := newFixture(t)
	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		f.up.samplesByDay[day] = sampleDay(day, 10)
	}
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-03"})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	got, err := w.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.JobCompleted, got.Status)
	assert.Equal(t, int64(30), got.SamplesWritten)
	assert.Len(t, got.CompletedDays, 3)

	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		assert.NotNil(t, f.cold.Object(dayKey(day)), "file for %s", day)
	}

	guard, _ := state.ActiveJobID(ctx, f.st, "hq")
	assert.Empty(t, guard, "guard released on completion")
}

func TestTick_HonorsDayBudget(t *testing.T) {
	f := newFixture(t)
	f.cfg.Backfill.MaxDaysPerInvocation = 2
	for d := 1; d <= 5; d++ {
		day := fmt.Sprintf("2024-01-%02d", d)
		f.up.samplesByDay[day] = sampleDay(day, 5)
	}
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-05"})
	require.NoError(t, err)

	require.NoError(t, w.Tick(ctx))
	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobInProgress, got.Status)
	assert.Len(t, got.CompletedDays, 2)

	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))
	got, _ = w.Status(ctx, job.ID)
	assert.Equal(t, state.JobCompleted, got.Status)
	assert.Len(t, got.CompletedDays, 5)
}

func TestCancelAndResume(t *testing.T) {
	f := newFixture(t)
	f.cfg.Backfill.MaxDaysPerInvocation = 2
	for d := 1; d <= 5; d++ {
		day := fmt.Sprintf("2024-01-%02d", d)
		f.up.samplesByDay[day] = sampleDay(day, 5)
	}
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-05"})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx)) // days 01, 02

	_, err = w.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx)) // notices the cancel, releases guard

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobCancelled, got.Status)
	assert.Len(t, got.CompletedDays, 2)
	assert.Nil(t, f.cold.Object(dayKey("2024-01-03")), "no file past the cancel point")
	guard, _ := state.ActiveJobID(ctx, f.st, "hq")
	assert.Empty(t, guard)

	// Resume continues where the cancelled job stopped.
	resumed, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-05", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, job.ID, resumed.ID, "resume reuses the job record")

	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))
	got, _ = w.Status(ctx, job.ID)
	assert.Equal(t, state.JobCompleted, got.Status)

	for d := 1; d <= 5; d++ {
		day := fmt.Sprintf("2024-01-%02d", d)
		assert.NotNil(t, f.cold.Object(dayKey(day)), "file for %s", day)
		assert.Equal(t, 1, f.cold.PutCount(dayKey(day)), "each day written exactly once")
	}
}

func TestTick_SkipsExistingFile(t *testing.T) {
	f := newFixture(t)
	f.up.samplesByDay["2024-01-01"] = sampleDay("2024-01-01", 5)
	f.up.samplesByDay["2024-01-02"] = sampleDay("2024-01-02", 5)
	f.cold.SetObject(dayKey("2024-01-02"), []byte("archival wrote this first"))
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-02"})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobCompleted, got.Status)
	assert.Equal(t, int64(5), got.SamplesWritten, "skipped day contributes no samples")
	assert.Equal(t, []byte("archival wrote this first"), f.cold.Object(dayKey("2024-01-02")), "existing file untouched")
	assert.Zero(t, f.cold.PutCount(dayKey("2024-01-02")))
}

func TestTick_EmptyDayCompletesWithoutFile(t *testing.T) {
	f := newFixture(t)
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-01"})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobCompleted, got.Status)
	assert.Len(t, got.CompletedDays, 1)
	assert.Nil(t, f.cold.Object(dayKey("2024-01-01")))
}

func TestTick_AuthFailureFailsJobFast(t *testing.T) {
	f := newFixture(t)
	f.up.pointsErr = errs.New(errs.Auth, "upstream.configured_points", "HTTP 401 from vendor")
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-03"})
	require.NoError(t, err)
	err = w.Tick(ctx)
	require.Error(t, err)

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "401")
	guard, _ := state.ActiveJobID(ctx, f.st, "hq")
	assert.Empty(t, guard, "failed job releases the site")
}

func TestTick_ContinueOnErrorSweepsAllDays(t *testing.T) {
	f := newFixture(t)
	f.up.samplesByDay["2024-01-01"] = sampleDay("2024-01-01", 5)
	f.up.errByDay["2024-01-02"] = errs.New(errs.UpstreamTransient, "upstream.timeseries", "HTTP 503")
	f.up.samplesByDay["2024-01-03"] = sampleDay("2024-01-03", 5)
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{
		Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-03", ContinueOnError: true,
	})
	require.NoError(t, err)
	err = w.Tick(ctx)
	require.Error(t, err, "sweep with a failed day ends the job as failed")

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobFailed, got.Status)
	assert.Equal(t, []string{"2024-01-01", "2024-01-03"}, got.CompletedDays, "good days completed around the bad one")
	assert.NotNil(t, f.cold.Object(dayKey("2024-01-03")))
	assert.Contains(t, got.LastError, "failed")
}

func TestTick_StopOnFirstErrorByDefault(t *testing.T) {
	f := newFixture(t)
	f.up.samplesByDay["2024-01-01"] = sampleDay("2024-01-01", 5)
	f.up.errByDay["2024-01-02"] = errs.New(errs.UpstreamTransient, "upstream.timeseries", "HTTP 503")
	f.up.samplesByDay["2024-01-03"] = sampleDay("2024-01-03", 5)
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-03"})
	require.NoError(t, err)
	err = w.Tick(ctx)
	require.Error(t, err)

	got, _ := w.Status(ctx, job.ID)
	assert.Equal(t, state.JobFailed, got.Status)
	assert.Equal(t, []string{"2024-01-01"}, got.CompletedDays)
	assert.Nil(t, f.cold.Object(dayKey("2024-01-03")), "later days untouched after abort")
}

func TestCancel_Semantics(t *testing.T) {
	f := newFixture(t)
	w := f.worker()
	ctx := context.Background()

	_, err := w.Cancel(ctx, "missing")
	assert.True(t, errs.IsKind(err, errs.NotFound))

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-01"})
	require.NoError(t, err)

	cancelled, err := w.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, cancelled.Status)
	guard, _ := state.ActiveJobID(ctx, f.st, "hq")
	assert.Empty(t, guard, "cancelling a queued job frees the site immediately")

	// Idempotent.
	again, err := w.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, again.Status)
}

func TestStart_ResumeOfCompletedJobIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.up.samplesByDay["2024-01-01"] = sampleDay("2024-01-01", 5)
	w := f.worker()
	ctx := context.Background()

	job, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-01"})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	resumed, err := w.Start(ctx, StartRequest{Site: "hq", StartDate: "2024-01-01", EndDate: "2024-01-01", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, job.ID, resumed.ID)
	assert.Equal(t, state.JobCompleted, resumed.Status)

	guard, _ := state.ActiveJobID(ctx, f.st, "hq")
	assert.Empty(t, guard, "completed resume claims nothing")
}
