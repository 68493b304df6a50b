package upstream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pointlake/pointlake/internal/metrics"
)

const userAgent = "pointlake/1.0"

// transport composes the vendor-call middleware: bearer auth, a process
// rate limiter, and a circuit breaker. Status mapping happens above in
// the client; the breaker only counts network faults and 5xx.
type transport struct {
	base    http.RoundTripper
	token   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

func newTransport(token string, rps float64, burst int, m *metrics.Registry) *transport {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &transport{
		base:    http.DefaultTransport,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "upstream",
			Interval: 60 * time.Second,
			Timeout:  60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= 3 {
					return true
				}
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 20 && failureRate > 0.05
			},
		}),
		metrics: m,
	}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	// The vendor gateway matches the authorization header byte-for-byte
	// in lowercase; assigning the map key directly bypasses Go's header
	// canonicalization.
	req.Header["authorization"] = []string{"Bearer " + t.token}

	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	resp, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Hand the response back alongside the error so the caller
			// can drain and close it; the breaker just counts the fault.
			return resp, fmt.Errorf("HTTP %d from vendor", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if r, ok := resp.(*http.Response); ok && r != nil {
			return r, nil
		}
		return nil, err
	}
	return resp.(*http.Response), nil
}
