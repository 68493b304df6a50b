package hotpg

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/qustavo/sqlhooks/v2"
	"github.com/rs/zerolog/log"
)

// hookedDriverName is the instrumented driver every Store opens through.
const hookedDriverName = "postgres-hooked"

var registerOnce sync.Once

type ctxKey int

const startedAtKey ctxKey = 0

// queryHooks times every statement and warns on the slow ones.
type queryHooks struct {
	slow time.Duration
}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return context.WithValue(ctx, startedAtKey, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if start, ok := ctx.Value(startedAtKey).(time.Time); ok {
		elapsed := time.Since(start)
		if h.slow > 0 && elapsed >= h.slow {
			log.Warn().Dur("elapsed", elapsed).Str("query", truncateQuery(query)).Msg("Slow hot store query")
		}
	}
	return ctx, nil
}

func (h *queryHooks) OnError(ctx context.Context, err error, query string, args ...interface{}) error {
	if err != nil && err != sql.ErrNoRows && err != context.Canceled {
		log.Debug().Err(err).Str("query", truncateQuery(query)).Msg("Hot store query failed")
	}
	return err
}

func truncateQuery(q string) string {
	const max = 120
	if len(q) > max {
		return q[:max] + "..."
	}
	return q
}

// registerDriver installs the instrumented pq driver once per process.
// The slow threshold is fixed at registration; later Opens share it.
func registerDriver(slow time.Duration) {
	registerOnce.Do(func() {
		sql.Register(hookedDriverName, sqlhooks.Wrap(&pq.Driver{}, &queryHooks{slow: slow}))
		sqlx.BindDriver(hookedDriverName, sqlx.DOLLAR)
	})
}
