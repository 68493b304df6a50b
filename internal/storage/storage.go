// Package storage defines the three store contracts the workers depend
// on: the hot row tier, the cold object tier, and the small state tier.
// Implementations live in subpackages; tests substitute the in-memory
// versions from storage/memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is the shared absence sentinel for keys, objects, and rows.
var ErrNotFound = errors.New("not found")

// Point is one named sensor with a stable surrogate id. Ids are assigned
// on first sight and never change; points are never deleted.
type Point struct {
	ID          int64     `db:"id"`
	SiteName    string    `db:"site_name"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	DataType    string    `db:"data_type"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// PointUpsert carries the upstream fields for EnsurePoints.
type PointUpsert struct {
	Name        string
	DisplayName string
	DataType    string
}

// Sample is one reading keyed by point id. TS is milliseconds since the
// Unix epoch, UTC.
type Sample struct {
	PointID int64   `db:"point_id"`
	TS      int64   `db:"ts"`
	Value   float64 `db:"value"`
}

// NamedSample is a reading joined to its point name: the unit of archival
// streaming and of query results.
type NamedSample struct {
	Name  string
	TS    int64
	Value float64
}

// RangeQuery selects hot rows for a site by point names over the closed
// interval [StartMS, EndMS].
type RangeQuery struct {
	Site    string
	Names   []string
	StartMS int64
	EndMS   int64
}

// PointStore is the registry of known points.
type PointStore interface {
	// EnsurePoints inserts unseen (site, name) rows and returns name → id
	// for every requested point, existing ids untouched.
	EnsurePoints(ctx context.Context, site string, points []PointUpsert) (map[string]int64, error)
	PointsBySite(ctx context.Context, site string) ([]Point, error)
}

// HotStore holds the recent tier in row form. Range deletes and streams
// use half-open [startMS, endMS) intervals; QueryRange is closed on both
// ends to match the query surface.
type HotStore interface {
	// UpsertBatch writes rows idempotently on the (point_id, ts) key.
	UpsertBatch(ctx context.Context, rows []Sample) error
	QueryRange(ctx context.Context, q RangeQuery) ([]NamedSample, error)
	// StreamRange yields a site's rows joined to point names, ordered by
	// (ts, name), without materializing the full set.
	StreamRange(ctx context.Context, site string, startMS, endMS int64, fn func(NamedSample) error) error
	CountRange(ctx context.Context, site string, startMS, endMS int64) (int64, error)
	// OldestTS reports the earliest timestamp a site still holds; ok is
	// false for an empty site. Archival starts its day walk here.
	OldestTS(ctx context.Context, site string) (ms int64, ok bool, err error)
	// DeleteRange removes a site's rows and reports how many went away.
	DeleteRange(ctx context.Context, site string, startMS, endMS int64) (int64, error)
}

// ObjectInfo describes one cold object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ColdStore is the immutable day-file tier.
type ColdStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
	// Head reports size without fetching the body. ErrNotFound when absent.
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// Get fetches a whole object, refusing anything larger than maxBytes.
	Get(ctx context.Context, key string, maxBytes int64) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// StateStore is the coordination tier: cursors, leases, job records,
// error records, and the query cache.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value with an optional TTL; ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap writes value only while the current value equals old;
	// old == nil requires the key to be absent. Reports false without
	// writing when the comparison fails.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by stores that can cheaply report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ColdKey builds the canonical day-file key:
// {prefix}/{site}/{YYYY}/{MM}/{DD}.parquet.
func ColdKey(prefix, site string, day time.Time) string {
	d := day.UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d.parquet", prefix, site, d.Year(), int(d.Month()), d.Day())
}

// DayStartMS returns the UTC midnight of the day containing ts.
func DayStartMS(ts int64) int64 {
	t := time.UnixMilli(ts).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

// DayOf returns the UTC day containing ts, truncated to midnight.
func DayOf(ts int64) time.Time {
	return time.UnixMilli(DayStartMS(ts)).UTC()
}
