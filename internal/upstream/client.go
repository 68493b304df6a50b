// Package upstream is the client for the IoT vendor's export API. It
// speaks the two read endpoints the lake ingests from: the configured
// point list and cursor-paginated raw samples.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/retry"
)

// PointDescriptor is one configured point as the vendor reports it.
type PointDescriptor struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	DataType    string `json:"data_type,omitempty"`
}

// SampleRecord is one raw reading from the paginated timeseries endpoint.
// Value is a pointer because the vendor emits explicit nulls.
type SampleRecord struct {
	Name  string   `json:"name"`
	Time  string   `json:"time"`
	Value *float64 `json:"value"`
}

// TimestampMS parses the vendor's ISO-8601 time into epoch milliseconds.
func (s SampleRecord) TimestampMS() (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s.Time)
	if err != nil {
		// Some vendor firmware drops the zone designator; those stamps
		// are UTC by contract.
		t, err = time.ParseInLocation("2006-01-02T15:04:05", s.Time, time.UTC)
		if err != nil {
			return 0, fmt.Errorf("unparseable sample time %q: %w", s.Time, err)
		}
	}
	return t.UnixMilli(), nil
}

type pointsPage struct {
	Points []PointDescriptor `json:"points"`
}

type samplesPage struct {
	PointSamples []SampleRecord `json:"point_samples"`
	NextCursor   string         `json:"next_cursor"`
	HasMore      bool           `json:"has_more"`
}

// Client calls the vendor API with retry, rate limiting, and a breaker
// already wired in. Methods are safe for concurrent use.
type Client struct {
	base     *url.URL
	httpc    *http.Client
	pageSize int
	perPage  int
	policy   retry.Policy
	metrics  *metrics.Registry
}

// configuredPointsPerPage matches the vendor's documented maximum.
const configuredPointsPerPage = 500

// New builds a client from the upstream section of the config.
func New(cfg config.UpstreamConfig, m *metrics.Registry) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errs.New(errs.Validation, "upstream.new", "base URL is required")
	}
	if cfg.Token == "" {
		return nil, errs.New(errs.Validation, "upstream.new", "API token is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "upstream.new", err)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 10000
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base: base,
		httpc: &http.Client{
			Transport: newTransport(cfg.Token, cfg.RequestsPerSecond, cfg.Burst, m),
			Timeout:   timeout,
		},
		pageSize: pageSize,
		perPage:  configuredPointsPerPage,
		policy:   retry.Upstream,
		metrics:  m,
	}, nil
}

// ConfiguredPoints pages through the vendor's point list for a site.
func (c *Client) ConfiguredPoints(ctx context.Context, site string) ([]PointDescriptor, error) {
	var out []PointDescriptor
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(c.perPage))

		var body pointsPage
		if err := c.getJSON(ctx, "configured_points", fmt.Sprintf("/sites/%s/configured_points", url.PathEscape(site)), q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Points...)
		if len(body.Points) < c.perPage {
			return out, nil
		}
	}
}

// Samples walks the cursor-paginated raw sample feed for [start, end),
// calling fn once per page in feed order. It returns the page count.
func (c *Client) Samples(ctx context.Context, site string, start, end time.Time, fn func(records []SampleRecord) error) (int, error) {
	cursor := ""
	pages := 0
	for {
		q := url.Values{}
		q.Set("start_time", start.UTC().Format(time.RFC3339))
		q.Set("end_time", end.UTC().Format(time.RFC3339))
		q.Set("page_size", strconv.Itoa(c.pageSize))
		q.Set("raw_data", "true")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var body samplesPage
		if err := c.getJSON(ctx, "timeseries", fmt.Sprintf("/sites/%s/timeseries/paginated", url.PathEscape(site)), q, &body); err != nil {
			return pages, err
		}
		pages++
		if err := fn(body.PointSamples); err != nil {
			return pages, err
		}
		if !body.HasMore || body.NextCursor == "" {
			return pages, nil
		}
		cursor = body.NextCursor
	}
}

// Ping verifies the vendor is reachable and the token accepted, using the
// cheapest endpoint available.
func (c *Client) Ping(ctx context.Context, site string) error {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("per_page", "1")
	var body pointsPage
	return c.getJSON(ctx, "configured_points", fmt.Sprintf("/sites/%s/configured_points", url.PathEscape(site)), q, &body)
}

// getJSON performs one logical GET with the shared retry policy. Each
// attempt re-issues the request from scratch.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, dst any) error {
	op := "upstream." + endpoint
	return retry.DoNotify(ctx, c.policy, func() error {
		return c.getOnce(ctx, op, endpoint, path, query, dst)
	}, func(err error, attempt int, delay time.Duration) {
		if c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(endpoint).Inc()
		}
		log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Dur("backoff", delay).Msg("Retrying vendor request")
	})
}

func (c *Client) getOnce(ctx context.Context, op, endpoint, path string, query url.Values, dst any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.countRequest(endpoint, "network_error")
		return errs.Wrap(errs.UpstreamTransient, op, err)
	}
	defer resp.Body.Close()

	c.countRequest(endpoint, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return errs.RateLimitedFor(op, parseRetryAfter(resp), fmt.Errorf("HTTP 429"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return errs.Newf(errs.Auth, op, "HTTP %d from vendor", resp.StatusCode)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return errs.Newf(errs.UpstreamTransient, op, "HTTP %d from vendor", resp.StatusCode)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Newf(errs.UpstreamRejected, op, "HTTP %d from vendor: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.UpstreamTransient, op, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.UpstreamRejected, op, fmt.Errorf("malformed vendor payload: %w", err))
	}
	return nil
}

func (c *Client) countRequest(endpoint, status string) {
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	}
}

// parseRetryAfter honors both delta-seconds and HTTP-date forms. Missing
// or garbled headers fall back to a conservative pause.
func parseRetryAfter(resp *http.Response) time.Duration {
	const fallback = 5 * time.Second
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}
