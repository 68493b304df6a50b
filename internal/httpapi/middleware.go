package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/errs"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestIDFrom returns the request id placed by the middleware, or
// "unknown" for requests that bypassed it.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// requestIDMiddleware tags every request with a short unique id, echoed
// in the X-Request-ID header and every error body.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWrapper captures the status code for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware emits one structured line per request and feeds the
// latency histogram. The route template keeps label cardinality bounded.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		elapsed := time.Since(start)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		s.deps.Metrics.HTTPDuration.
			WithLabelValues(path, r.Method, strconv.Itoa(wrapper.statusCode)).
			Observe(elapsed.Seconds())

		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("Request served")
	})
}

// recoveryLogger adapts panics recovered by gorilla/handlers onto the
// structured log.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	log.Error().Msg(fmt.Sprint(v...))
}

// requireBackfillToken guards the mutating backfill endpoints with the
// configured bearer secret.
func (s *Server) requireBackfillToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "httpapi.auth"
		if s.backfillToken == "" {
			writeError(w, r, errs.New(errs.Auth, op, "backfill endpoints are disabled: no bearer token configured"))
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.backfillToken)) != 1 {
			writeError(w, r, errs.New(errs.Auth, op, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}
