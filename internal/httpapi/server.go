// Package httpapi is the exposed HTTP surface: time-range queries,
// backfill job management, health, and metrics. It is a thin layer; all
// semantics live in the workers it fronts.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/backfill"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/query"
)

// HealthCheck probes one dependency for the /health services map.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the workers and probes the server fronts.
type Deps struct {
	Query    *query.Worker
	Backfill *backfill.Worker
	Metrics  *metrics.Registry
	Health   []HealthCheck
}

// Server is the API server.
type Server struct {
	deps          Deps
	router        *mux.Router
	server        *http.Server
	backfillToken string
}

// New builds the server and its routes.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		deps:          deps,
		router:        mux.NewRouter(),
		backfillToken: cfg.HTTP.BackfillToken,
	}
	s.routes()

	var root http.Handler = s.router
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		// Allow-list only. Config validation rejects "*" before we get here.
		root = handlers.CORS(
			handlers.AllowedOrigins(cfg.HTTP.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(root)
	}
	root = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(root)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      root,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/timeseries/query", s.handleQueryGet).Methods(http.MethodGet)
	s.router.HandleFunc("/timeseries/query", s.handleQueryPost).Methods(http.MethodPost)

	s.router.HandleFunc("/backfill/start", s.requireBackfillToken(s.handleBackfillStart)).Methods(http.MethodPost)
	s.router.HandleFunc("/backfill/status", s.handleBackfillStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/backfill/cancel", s.requireBackfillToken(s.handleBackfillCancel)).Methods(http.MethodPost)

	s.router.NotFoundHandler = s.notFoundHandler()
	s.router.MethodNotAllowedHandler = s.methodNotAllowedHandler()
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr reports the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errs.Newf(errs.NotFound, "httpapi.route", "no such endpoint: %s", r.URL.Path))
	})
}

func (s *Server) methodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error:     fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
			ErrorCode: "method_not_allowed",
			RequestID: requestIDFrom(r.Context()),
		})
	})
}
