// Package hotpg implements the hot tier on PostgreSQL: the points
// registry and the recent-samples table. Statements run through an
// instrumented pq driver that logs slow queries.
package hotpg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/storage"
)

// Store is the PostgreSQL hot store. It implements storage.PointStore
// and storage.HotStore.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// psql builds statements with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Open connects, configures the pool, and verifies the connection.
func Open(cfg config.HotConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errs.New(errs.Validation, "hotpg.open", "DSN is required")
	}
	registerDriver(cfg.SlowQuery)

	db, err := sqlx.Open(hookedDriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open hot store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping hot store: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an existing connection. Tests use this with sqlmock.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsurePoints inserts unseen (site, name) pairs and returns name → id
// for every requested name. Existing rows keep their id and attributes;
// only first sight assigns anything.
func (s *Store) EnsurePoints(ctx context.Context, site string, points []storage.PointUpsert) (map[string]int64, error) {
	const op = "hotpg.ensure_points"
	if len(points) == 0 {
		return map[string]int64{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ib := psql.Insert("points").Columns("site_name", "name", "display_name", "data_type")
	names := make([]string, 0, len(points))
	for _, p := range points {
		dataType := p.DataType
		if dataType == "" {
			dataType = "analog"
		}
		ib = ib.Values(site, p.Name, p.DisplayName, dataType)
		names = append(names, p.Name)
	}
	query, args, err := ib.Suffix("ON CONFLICT (site_name, name) DO NOTHING").ToSql()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, classify(op, err)
	}

	query, args, err = psql.Select("name", "id").From("points").
		Where(sq.Eq{"site_name": site}).
		Where(sq.Eq{"name": names}).ToSql()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(points))
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, classify(op, err)
		}
		out[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// PointsBySite lists a site's registered points ordered by name.
func (s *Store) PointsBySite(ctx context.Context, site string) ([]storage.Point, error) {
	const op = "hotpg.points_by_site"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, site_name, name, display_name, data_type, created_at, updated_at
		FROM points
		WHERE site_name = $1
		ORDER BY name`

	var out []storage.Point
	if err := s.db.SelectContext(ctx, &out, query, site); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// UpsertBatch writes one bounded batch of samples. A duplicate
// (point_id, ts) replaces the stored value, so replaying a window is safe.
func (s *Store) UpsertBatch(ctx context.Context, rows []storage.Sample) error {
	const op = "hotpg.upsert_batch"
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ib := psql.Insert("samples").Columns("point_id", "ts", "value")
	for _, r := range rows {
		ib = ib.Values(r.PointID, r.TS, r.Value)
	}
	query, args, err := ib.Suffix("ON CONFLICT (point_id, ts) DO UPDATE SET value = EXCLUDED.value").ToSql()
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(op, err)
	}
	return nil
}

// QueryRange returns a site's samples joined to names over the closed
// interval [StartMS, EndMS], filtered to the requested names, ordered by
// (ts, name).
func (s *Store) QueryRange(ctx context.Context, q storage.RangeQuery) ([]storage.NamedSample, error) {
	const op = "hotpg.query_range"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sb := psql.Select("p.name", "s.ts", "s.value").
		From("samples s").
		Join("points p ON p.id = s.point_id").
		Where(sq.Eq{"p.site_name": q.Site}).
		Where(sq.GtOrEq{"s.ts": q.StartMS}).
		Where(sq.LtOrEq{"s.ts": q.EndMS}).
		OrderBy("s.ts", "p.name")
	if len(q.Names) > 0 {
		sb = sb.Where(sq.Eq{"p.name": q.Names})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []storage.NamedSample
	for rows.Next() {
		var ns storage.NamedSample
		if err := rows.Scan(&ns.Name, &ns.TS, &ns.Value); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// StreamRange walks a site's rows over [startMS, endMS) in (ts, name)
// order, invoking fn per row. The result set streams through the driver;
// nothing is materialized here, which is what lets archival handle
// day-sized partitions.
func (s *Store) StreamRange(ctx context.Context, site string, startMS, endMS int64, fn func(storage.NamedSample) error) error {
	const op = "hotpg.stream_range"

	query := `
		SELECT p.name, s.ts, s.value
		FROM samples s
		JOIN points p ON p.id = s.point_id
		WHERE p.site_name = $1 AND s.ts >= $2 AND s.ts < $3
		ORDER BY s.ts, p.name`

	rows, err := s.db.QueryxContext(ctx, query, site, startMS, endMS)
	if err != nil {
		return classify(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ns storage.NamedSample
		if err := rows.Scan(&ns.Name, &ns.TS, &ns.Value); err != nil {
			return classify(op, err)
		}
		if err := fn(ns); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(op, err)
	}
	return nil
}

// CountRange counts a site's rows over [startMS, endMS).
func (s *Store) CountRange(ctx context.Context, site string, startMS, endMS int64) (int64, error) {
	const op = "hotpg.count_range"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM samples s
		JOIN points p ON p.id = s.point_id
		WHERE p.site_name = $1 AND s.ts >= $2 AND s.ts < $3`

	var n int64
	if err := s.db.QueryRowxContext(ctx, query, site, startMS, endMS).Scan(&n); err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

// OldestTS reports the earliest sample timestamp a site still holds.
func (s *Store) OldestTS(ctx context.Context, site string) (int64, bool, error) {
	const op = "hotpg.oldest_ts"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT MIN(s.ts)
		FROM samples s
		JOIN points p ON p.id = s.point_id
		WHERE p.site_name = $1`

	var oldest sql.NullInt64
	if err := s.db.QueryRowxContext(ctx, query, site).Scan(&oldest); err != nil {
		return 0, false, classify(op, err)
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return oldest.Int64, true, nil
}

// DeleteRange removes a site's rows over [startMS, endMS) and reports the
// count, which archival compares against the rows it encoded.
func (s *Store) DeleteRange(ctx context.Context, site string, startMS, endMS int64) (int64, error) {
	const op = "hotpg.delete_range"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		DELETE FROM samples s
		USING points p
		WHERE p.id = s.point_id AND p.site_name = $1 AND s.ts >= $2 AND s.ts < $3`

	res, err := s.db.ExecContext(ctx, query, site, startMS, endMS)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

// classify maps a database error onto the failure taxonomy. Connection,
// rollback, resource, and intervention classes are transient (retryable
// HotStore); everything else pq reports is a logic bug (Internal).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Timeout, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return errs.Wrap(errs.HotStore, op, err)
		}
		return errs.Wrap(errs.Internal, op, err)
	}
	return errs.Wrap(errs.HotStore, op, err)
}
