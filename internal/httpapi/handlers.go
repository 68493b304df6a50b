package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointlake/pointlake/internal/backfill"
	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/query"
)

// healthCheckTimeout bounds each dependency probe so a hung store cannot
// hang the health endpoint.
const healthCheckTimeout = 3 * time.Second

type errorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).
		Str("request_id", requestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Msg("Request failed")

	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		ErrorCode: errs.Code(err),
		RequestID: requestIDFrom(r.Context()),
	})
}

// handleQueryGet serves GET /timeseries/query with the request encoded
// as query parameters, point names comma-separated.
func (s *Server) handleQueryGet(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.query"
	q := r.URL.Query()

	req := query.Request{
		Site:        q.Get("site"),
		Aggregation: q.Get("aggregation"),
	}
	for _, name := range strings.Split(q.Get("point_names"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			req.PointNames = append(req.PointNames, name)
		}
	}
	var err error
	if req.StartMS, err = parseMillis(q.Get("start_time")); err != nil {
		writeError(w, r, errs.Newf(errs.Validation, op, "bad start_time: %v", err))
		return
	}
	if req.EndMS, err = parseMillis(q.Get("end_time")); err != nil {
		writeError(w, r, errs.Newf(errs.Validation, op, "bad end_time: %v", err))
		return
	}
	s.runQuery(w, r, req)
}

// queryPayload is the POST body variant of the query request.
type queryPayload struct {
	Site        string   `json:"site"`
	PointNames  []string `json:"point_names"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time"`
	Aggregation string   `json:"aggregation,omitempty"`
}

func (s *Server) handleQueryPost(w http.ResponseWriter, r *http.Request) {
	var body queryPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runQuery(w, r, query.Request{
		Site:        body.Site,
		PointNames:  body.PointNames,
		StartMS:     body.StartTime,
		EndMS:       body.EndTime,
		Aggregation: body.Aggregation,
	})
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, req query.Request) {
	resp, err := s.deps.Query.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBackfillStart accepts the job request and returns immediately;
// the scheduler ticks actually move the data.
func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	var req backfill.StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.deps.Backfill.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.backfill"
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, r, errs.New(errs.Validation, op, "job_id is required"))
		return
	}
	job, err := s.deps.Backfill.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.backfill"
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.JobID == "" {
		writeError(w, r, errs.New(errs.Validation, op, "job_id is required"))
		return
	}
	job, err := s.deps.Backfill.Cancel(r.Context(), body.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// serviceHealth is one dependency's probe outcome.
type serviceHealth struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]serviceHealth `json:"services"`
}

// handleHealth probes every dependency in parallel. A failing dependency
// degrades the report; it never brings the process down, and the
// endpoint stays 200 so operators can read the detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		services = make(map[string]serviceHealth, len(s.deps.Health))
	)
	for _, hc := range s.deps.Health {
		wg.Add(1)
		go func(hc HealthCheck) {
			defer wg.Done()
			started := time.Now()
			err := hc.Check(ctx)
			sh := serviceHealth{Status: "healthy", LatencyMS: time.Since(started).Milliseconds()}
			if err != nil {
				sh.Status = "unhealthy"
				sh.Error = err.Error()
			}
			mu.Lock()
			services[hc.Name] = sh
			mu.Unlock()
		}(hc)
	}
	wg.Wait()

	status := "healthy"
	for _, sh := range services {
		if sh.Status != "healthy" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
	})
}

// decodeBody parses a JSON request body, rejecting unknown fields so
// typos surface as 400s instead of silently-defaulted parameters.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Newf(errs.Validation, "httpapi.body", "bad request body: %v", err)
	}
	return nil
}

func parseMillis(raw string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}
