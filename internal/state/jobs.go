package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pointlake/pointlake/internal/storage"
)

// JobStatus is the backfill job lifecycle.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// BackfillJob is the durable record driving one backfill. Days are
// YYYY-MM-DD, the range inclusive on both ends.
type BackfillJob struct {
	ID              string    `json:"id"`
	Site            string    `json:"site"`
	StartDay        string    `json:"start_day"`
	EndDay          string    `json:"end_day"`
	Status          JobStatus `json:"status"`
	CompletedDays   []string  `json:"completed_days"`
	SamplesWritten  int64     `json:"samples_written"`
	ContinueOnError bool      `json:"continue_on_error"`
	CreatedAt       int64     `json:"created_at_ms"`
	UpdatedAt       int64     `json:"updated_at_ms"`
	StartedAt       int64     `json:"started_at_ms,omitempty"`
	FinishedAt      int64     `json:"finished_at_ms,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Terminal reports whether the job will never run again.
func (j *BackfillJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

// CompletedSet indexes CompletedDays for O(1) resume checks.
func (j *BackfillJob) CompletedSet() map[string]bool {
	out := make(map[string]bool, len(j.CompletedDays))
	for _, d := range j.CompletedDays {
		out[d] = true
	}
	return out
}

// SaveJob persists the record. Jobs have no TTL; they are the audit trail.
func SaveJob(ctx context.Context, st storage.StateStore, job *BackfillJob) error {
	job.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := st.Put(ctx, JobKey(job.ID), raw, 0); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJob fetches a job record. storage.ErrNotFound passes through.
func LoadJob(ctx context.Context, st storage.StateStore, id string) (*BackfillJob, error) {
	raw, err := st.Get(ctx, JobKey(id))
	if err != nil {
		return nil, err
	}
	var job BackfillJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &job, nil
}

// ListJobIDs returns every stored job id.
func ListJobIDs(ctx context.Context, st storage.StateStore) ([]string, error) {
	keys, err := st.List(ctx, JobKey(""))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(JobKey("")):])
	}
	return ids, nil
}

// ClaimActiveJob marks a site as having a running backfill. Reports false
// when another job already holds the site.
func ClaimActiveJob(ctx context.Context, st storage.StateStore, site, jobID string) (bool, error) {
	return st.CompareAndSwap(ctx, ActiveJobKey(site), nil, []byte(jobID), 0)
}

// ActiveJobID returns the running job for a site, if any.
func ActiveJobID(ctx context.Context, st storage.StateStore, site string) (string, error) {
	raw, err := st.Get(ctx, ActiveJobKey(site))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReleaseActiveJob clears the site guard when this job holds it.
func ReleaseActiveJob(ctx context.Context, st storage.StateStore, site, jobID string) error {
	cur, err := ActiveJobID(ctx, st, site)
	if err != nil || cur != jobID {
		return err
	}
	return st.Delete(ctx, ActiveJobKey(site))
}
