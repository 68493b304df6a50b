package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/storage"
)

// Pair is one (timestamp, value) sample, serialized as the two-element
// array [ts_ms, value] the query surface promises.
type Pair struct {
	TS    int64
	Value float64
}

// MarshalJSON renders the pair as [ts_ms, value].
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.TS, p.Value})
}

// UnmarshalJSON parses the [ts_ms, value] form.
func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw [2]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := raw[0].Int64()
	if err != nil {
		return fmt.Errorf("bad pair timestamp %q: %w", raw[0], err)
	}
	v, err := raw[1].Float64()
	if err != nil {
		return fmt.Errorf("bad pair value %q: %w", raw[1], err)
	}
	p.TS, p.Value = ts, v
	return nil
}

// Series is the response unit: one point's merged samples, ascending.
type Series struct {
	Name string `json:"name"`
	Data []Pair `json:"data"`
}

// mergeSeries combines both tiers into one series per requested name.
// Timestamps present in both tiers keep the hot value: during the
// archival overlap window the hot row is authoritative. Output series
// are sorted by name and every requested name appears, empty or not.
func mergeSeries(names []string, hot, cold []storage.NamedSample) []Series {
	merged := make(map[string]map[int64]float64, len(names))
	for _, name := range names {
		merged[name] = make(map[int64]float64)
	}
	for _, s := range cold {
		if m, ok := merged[s.Name]; ok {
			m[s.TS] = s.Value
		}
	}
	for _, s := range hot {
		if m, ok := merged[s.Name]; ok {
			m[s.TS] = s.Value
		}
	}

	out := make([]Series, 0, len(names))
	for _, name := range names {
		m := merged[name]
		data := make([]Pair, 0, len(m))
		for ts, v := range m {
			data = append(data, Pair{TS: ts, Value: v})
		}
		sort.Slice(data, func(i, j int) bool { return data[i].TS < data[j].TS })
		out = append(out, Series{Name: name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// aggFuncs are the supported reducers.
var aggFuncs = map[string]bool{"mean": true, "min": true, "max": true, "last": true}

// Aggregation is an optional post-merge windowing pass, requested as
// "WINDOW:FN" (e.g. "15m:mean", "1h:max").
type Aggregation struct {
	Window time.Duration
	Fn     string
}

// ParseAggregation parses the WINDOW:FN form. Empty input means no
// aggregation and returns nil.
func ParseAggregation(s string) (*Aggregation, error) {
	const op = "query.aggregation"
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil, nil
	}
	window, fn, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errs.Newf(errs.Validation, op, "aggregation %q must be WINDOW:FN, e.g. 15m:mean", s)
	}
	w, err := time.ParseDuration(window)
	if err != nil {
		return nil, errs.Newf(errs.Validation, op, "bad aggregation window %q: %v", window, err)
	}
	if w < time.Second {
		return nil, errs.Newf(errs.Validation, op, "aggregation window %s is below the 1s minimum", w)
	}
	if !aggFuncs[fn] {
		return nil, errs.Newf(errs.Validation, op, "unknown aggregation function %q, want mean|min|max|last", fn)
	}
	return &Aggregation{Window: w, Fn: fn}, nil
}

// Canonical renders the parsed form, so "15m:mean" and "900s:mean" hash
// to the same cache key.
func (a *Aggregation) Canonical() string {
	if a == nil {
		return ""
	}
	return a.Window.String() + ":" + a.Fn
}

// Apply buckets ascending pairs by floor(t/w)*w and reduces each bucket.
// The bucket start is the output timestamp.
func (a *Aggregation) Apply(data []Pair) []Pair {
	if a == nil || len(data) == 0 {
		return data
	}
	w := a.Window.Milliseconds()

	out := make([]Pair, 0, len(data))
	var (
		bucket int64
		sum    float64
		count  int64
		acc    float64
		open   bool
	)
	flush := func() {
		if !open {
			return
		}
		v := acc
		if a.Fn == "mean" {
			v = sum / float64(count)
		}
		out = append(out, Pair{TS: bucket, Value: v})
	}
	for _, p := range data {
		b := bucketStart(p.TS, w)
		if !open || b != bucket {
			flush()
			bucket, open = b, true
			sum, count, acc = 0, 0, p.Value
			if a.Fn == "mean" {
				sum, count = p.Value, 1
			}
			continue
		}
		switch a.Fn {
		case "mean":
			sum += p.Value
			count++
		case "min":
			if p.Value < acc {
				acc = p.Value
			}
		case "max":
			if p.Value > acc {
				acc = p.Value
			}
		case "last":
			acc = p.Value
		}
	}
	flush()
	return out
}

// bucketStart floors ts to the window, correct for pre-epoch stamps too.
func bucketStart(ts, w int64) int64 {
	b := ts - ts%w
	if ts < 0 && ts%w != 0 {
		b -= w
	}
	return b
}
