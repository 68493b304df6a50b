package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pointlake/pointlake/internal/storage"
)

// runSummaryTTL keeps run records around long enough for operators to
// inspect a bad week without growing the state store forever.
const runSummaryTTL = 14 * 24 * time.Hour

// ArchiveMark records a completed (site, day) hand-off to cold storage.
type ArchiveMark struct {
	Site       string `json:"site"`
	Day        string `json:"day"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`
	Key        string `json:"key"`
	RunID      string `json:"run_id"`
	ArchivedAt int64  `json:"archived_at_ms"`
}

// SaveArchiveMark persists the mark. No TTL: archive state is permanent.
func SaveArchiveMark(ctx context.Context, st storage.StateStore, m *ArchiveMark) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := st.Put(ctx, ArchiveKey(m.Site, m.Day), raw, 0); err != nil {
		return fmt.Errorf("failed to save archive mark %s/%s: %w", m.Site, m.Day, err)
	}
	return nil
}

// LoadArchiveMark fetches a mark; ok is false when the day was never
// marked archived.
func LoadArchiveMark(ctx context.Context, st storage.StateStore, site, day string) (*ArchiveMark, bool, error) {
	raw, err := st.Get(ctx, ArchiveKey(site, day))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m ArchiveMark
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("corrupt archive mark %s/%s: %w", site, day, err)
	}
	return &m, true, nil
}

// RunSummary is the per-run audit record every worker writes on exit.
type RunSummary struct {
	Worker        string `json:"worker"`
	Site          string `json:"site"`
	RunID         string `json:"run_id"`
	StartedAt     int64  `json:"started_at_ms"`
	DurationMS    int64  `json:"duration_ms"`
	Rows          int64  `json:"rows"`
	Pages         int    `json:"pages"`
	Result        string `json:"result"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Error         string `json:"error,omitempty"`
	WindowStartMS int64  `json:"window_start_ms,omitempty"`
	WindowEndMS   int64  `json:"window_end_ms,omitempty"`
}

// SaveRunSummary persists the summary with a bounded TTL. Failures here
// never fail the run that produced the summary.
func SaveRunSummary(ctx context.Context, st storage.StateStore, s *RunSummary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return st.Put(ctx, RunKey(s.Worker, s.Site, s.RunID), raw, runSummaryTTL)
}

// IntegrityRecord captures a hot/cold disagreement for operator review.
type IntegrityRecord struct {
	Site       string `json:"site"`
	Day        string `json:"day"`
	Expected   int64  `json:"expected_rows"`
	Actual     int64  `json:"actual_rows"`
	Detail     string `json:"detail"`
	RunID      string `json:"run_id"`
	RecordedAt int64  `json:"recorded_at_ms"`
}

// SaveIntegrityRecord persists the record. No TTL: these demand a human.
func SaveIntegrityRecord(ctx context.Context, st storage.StateStore, r *IntegrityRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return st.Put(ctx, IntegrityKey(r.Site, r.Day), raw, 0)
}
