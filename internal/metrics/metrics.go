// Package metrics holds the Prometheus instruments for every worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
)

// Registry holds all pointlake metrics. Construct one per process and
// hand it to workers; a fresh prometheus.Registry backs it so tests can
// build as many as they want.
type Registry struct {
	reg *prometheus.Registry

	// Sync worker
	SyncRuns  *prometheus.CounterVec // site, result
	SyncRows  *prometheus.CounterVec // site
	SyncPages *prometheus.CounterVec // site
	SyncLag   *prometheus.GaugeVec   // site: seconds between cursor and now

	// Archival worker
	ArchiveDays  *prometheus.CounterVec // site, result
	ArchiveRows  *prometheus.CounterVec // site
	ArchiveBytes *prometheus.CounterVec // site

	// Backfill worker
	BackfillDays    *prometheus.CounterVec // site, result
	BackfillSamples *prometheus.CounterVec // site

	// Query worker
	QueryDuration *prometheus.HistogramVec // sources, status
	QueryCache    *prometheus.CounterVec   // outcome
	ColdFetches   *prometheus.CounterVec   // result
	CoverageGaps  *prometheus.CounterVec   // site

	// Upstream client
	UpstreamRequests *prometheus.CounterVec // endpoint, status
	UpstreamRetries  *prometheus.CounterVec // endpoint

	// Stores
	StoreErrors *prometheus.CounterVec // store, op

	// HTTP surface
	HTTPDuration *prometheus.HistogramVec // path, method, status
}

// New creates and registers the full instrument set.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_sync_runs_total",
				Help: "Sync worker runs by site and result",
			},
			[]string{"site", "result"},
		),
		SyncRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_sync_rows_total",
				Help: "Rows upserted into the hot store by the sync worker",
			},
			[]string{"site"},
		),
		SyncPages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_sync_pages_total",
				Help: "Upstream sample pages fetched by the sync worker",
			},
			[]string{"site"},
		),
		SyncLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pointlake_sync_lag_seconds",
				Help: "Seconds between the sync cursor and now",
			},
			[]string{"site"},
		),

		ArchiveDays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_archive_days_total",
				Help: "Site-day partitions processed by the archival worker",
			},
			[]string{"site", "result"},
		),
		ArchiveRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_archive_rows_total",
				Help: "Rows moved from hot to cold storage",
			},
			[]string{"site"},
		),
		ArchiveBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_archive_bytes_total",
				Help: "Encoded bytes uploaded to cold storage",
			},
			[]string{"site"},
		),

		BackfillDays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_backfill_days_total",
				Help: "Backfill day partitions by site and result",
			},
			[]string{"site", "result"},
		),
		BackfillSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_backfill_samples_total",
				Help: "Samples written to cold storage by the backfill worker",
			},
			[]string{"site"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pointlake_query_duration_seconds",
				Help:    "Query worker latency by source routing and status",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"sources", "status"},
		),
		QueryCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_query_cache_total",
				Help: "Query cache outcomes",
			},
			[]string{"outcome"},
		),
		ColdFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_cold_fetches_total",
				Help: "Cold day-file fetch outcomes",
			},
			[]string{"result"},
		),
		CoverageGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_coverage_gaps_total",
				Help: "Queried day files missing where data was expected",
			},
			[]string{"site"},
		),

		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_upstream_requests_total",
				Help: "Vendor API requests by endpoint and status class",
			},
			[]string{"endpoint", "status"},
		),
		UpstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_upstream_retries_total",
				Help: "Vendor API retries by endpoint",
			},
			[]string{"endpoint"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pointlake_store_errors_total",
				Help: "Storage failures by store and operation",
			},
			[]string{"store", "op"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pointlake_http_duration_seconds",
				Help:    "API request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"path", "method", "status"},
		),
	}

	r.reg.MustRegister(
		r.SyncRuns, r.SyncRows, r.SyncPages, r.SyncLag,
		r.ArchiveDays, r.ArchiveRows, r.ArchiveBytes,
		r.BackfillDays, r.BackfillSamples,
		r.QueryDuration, r.QueryCache, r.ColdFetches, r.CoverageGaps,
		r.UpstreamRequests, r.UpstreamRetries,
		r.StoreErrors,
		r.HTTPDuration,
	)

	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// QueryTimer times one query and records it on Stop. The label values
// arrive at Stop because routing is not known when timing starts.
type QueryTimer struct {
	registry *Registry
	start    time.Time
}

// StartQueryTimer begins timing a query.
func (r *Registry) StartQueryTimer() *QueryTimer {
	return &QueryTimer{registry: r, start: time.Now()}
}

// Stop records the elapsed time against the source routing and status.
func (t *QueryTimer) Stop(sources, status string) {
	t.registry.QueryDuration.WithLabelValues(sources, status).Observe(time.Since(t.start).Seconds())
}

// ElapsedMS reports milliseconds since the timer started.
func (t *QueryTimer) ElapsedMS() int64 {
	return time.Since(t.start).Milliseconds()
}

// CounterTotal sums a counter family's current value across its label
// sets. Used by the health payload and tests.
func (r *Registry) CounterTotal(name string) float64 {
	families, err := r.reg.Gather()
	if err != nil {
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		return counterSum(fam)
	}
	return 0
}

func counterSum(fam *io_prometheus_client.MetricFamily) float64 {
	total := 0.0
	for _, m := range fam.GetMetric() {
		if c := m.GetCounter(); c != nil {
			total += c.GetValue()
		}
	}
	return total
}
