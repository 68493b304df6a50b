package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage"
)

// CacheKey hashes the normalized query tuple with SHA-256. Names are
// sorted and the aggregation canonicalized first, so equivalent requests
// share an entry; a 32-bit mix would collide at production cache sizes
// and serve one caller another caller's series.
func CacheKey(site string, names []string, startMS, endMS int64, agg *Aggregation) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "v1|%s|%s|%d|%d|%s", site, strings.Join(sorted, ","), startMS, endMS, agg.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// cacheTTL picks the entry lifetime from how recent the requested end is.
// Fresh ranges keep changing as sync lands, so they expire fast; deep
// history is immutable and can sit for a day.
func cacheTTL(now time.Time, endMS int64) time.Duration {
	age := now.Sub(time.UnixMilli(endMS))
	switch {
	case age < 24*time.Hour:
		return 5 * time.Minute
	case age < 7*24*time.Hour:
		return 30 * time.Minute
	case age < 30*24*time.Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// loadCached returns the cached response for a key, or nil. Cache
// trouble is never fatal: a state-store outage degrades to uncached
// reads.
func (w *Worker) loadCached(ctx context.Context, key string) *Response {
	if !w.cacheEnabled {
		return nil
	}
	raw, err := w.deps.State.Get(ctx, state.CacheKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		w.deps.Metrics.QueryCache.WithLabelValues("miss").Inc()
		return nil
	}
	if err != nil {
		w.deps.Metrics.QueryCache.WithLabelValues("unavailable").Inc()
		log.Warn().Err(err).Msg("Query cache unavailable, proceeding without it")
		return nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		w.deps.Metrics.QueryCache.WithLabelValues("corrupt").Inc()
		log.Warn().Err(err).Msg("Corrupt query cache entry ignored")
		return nil
	}
	w.deps.Metrics.QueryCache.WithLabelValues("hit").Inc()
	return &resp
}

// storeCached writes the response for later identical requests. The
// volatile fields are zeroed so every hit serves identical bytes.
func (w *Worker) storeCached(ctx context.Context, key string, resp *Response, now time.Time, endMS int64) {
	if !w.cacheEnabled {
		return
	}
	entry := *resp
	entry.Metadata.QueryTimeMS = 0
	entry.Metadata.CacheHit = false
	raw, err := json.Marshal(&entry)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode query cache entry")
		return
	}
	if err := w.deps.State.Put(ctx, state.CacheKey(key), raw, cacheTTL(now, endMS)); err != nil {
		w.deps.Metrics.QueryCache.WithLabelValues("unavailable").Inc()
		log.Warn().Err(err).Msg("Failed to store query cache entry")
	}
}
