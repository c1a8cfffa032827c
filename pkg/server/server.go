// Package server exposes the routing engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/executor"
)

// maxBodyBytes bounds a query body. Large payloads are still routed by
// their declared size_bytes.
const maxBodyBytes = 32 << 20

// Options configures the HTTP handler.
type Options struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
}

type api struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// New constructs the HTTP handler for the engine.
func New(e *engine.Engine, opts Options) http.Handler {
	a := &api{engine: e, logger: opts.Logger}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{RequestIDHeader},
		}))
	}
	r.Use(requestID, chiMiddleware.Recoverer, requestLogger(opts.Logger))

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(e.Recorder().Registry(), promhttp.HandlerOpts{}))
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/query", a.query)
		v1.Post("/route", a.route)
		v1.Get("/metrics", a.metrics)
		v1.Get("/backends", a.backends)
		v1.Get("/decisions", a.decisions)
		v1.Get("/stats", a.stats)
	})
	return r
}

type errorBody struct {
	Error     string             `json:"error"`
	RequestID string             `json:"request_id,omitempty"`
	Chain     []string           `json:"chain,omitempty"`
	Attempts  []executor.Attempt `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := errorBody{Error: err.Error(), RequestID: RequestID(r.Context())}
	var ex *executor.ExhaustedError
	if errors.As(err, &ex) {
		body.Chain = ex.Chain
		body.Attempts = ex.Attempts
	}
	writeJSON(w, status, body)
}

func (a *api) decodeRequest(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	var req engine.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return req, false
	}
	if req.Text == "" {
		a.writeError(w, r, http.StatusBadRequest, errors.New("text is required"))
		return req, false
	}
	return req, true
}

func (a *api) query(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := a.engine.DecideAndExecute(r.Context(), req)
	if err != nil {
		a.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) route(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeRequest(w, r)
	if !ok {
		return
	}
	d, err := a.engine.Route(req)
	if err != nil {
		a.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func statusFor(err error) int {
	var ex *executor.ExhaustedError
	switch {
	case errors.Is(err, backend.ErrInvalidBackend):
		return http.StatusBadRequest
	case errors.As(err, &ex) && ex.Canceled:
		return http.StatusRequestTimeout
	case errors.Is(err, executor.ErrAllBackendsExhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	eligible := 0
	for _, st := range a.engine.Health() {
		if st.Eligible {
			eligible++
		}
	}
	status := "ok"
	if eligible == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "eligible_backends": eligible})
}

func (a *api) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Metrics())
}

func (a *api) decisions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Decisions())
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"significance": a.engine.Significance(),
		"entries":      a.engine.Stats(),
	})
}

// BackendView is one row of GET /v1/backends.
type BackendView struct {
	ID                  string    `json:"id"`
	Adapter             string    `json:"adapter"`
	Model               string    `json:"model"`
	Specialization      []string  `json:"specialization"`
	Priority            int       `json:"priority"`
	MaxPayloadBytes     int64     `json:"max_payload_bytes,omitempty"`
	Unlimited           bool      `json:"unlimited,omitempty"`
	Status              string    `json:"status"`
	Eligible            bool      `json:"eligible"`
	Probationary        bool      `json:"probationary,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastHealthyAt       time.Time `json:"last_healthy_at"`
}

// BackendViews joins the registry with the current health snapshot.
func BackendViews(e *engine.Engine) []BackendView {
	health := e.Health()
	list := e.Backends()
	out := make([]BackendView, 0, len(list))
	for _, b := range list {
		st := health[b.ID]
		specs := make([]string, 0, len(b.Specialization))
		for _, c := range b.Specialization {
			specs = append(specs, string(c))
		}
		sort.Strings(specs)
		out = append(out, BackendView{
			ID:                  b.ID,
			Adapter:             b.Adapter,
			Model:               b.Model,
			Specialization:      specs,
			Priority:            b.Priority,
			MaxPayloadBytes:     b.MaxPayloadBytes,
			Unlimited:           b.Unlimited,
			Status:              string(st.Status),
			Eligible:            st.Eligible,
			Probationary:        st.Probationary,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastHealthyAt:       st.LastHealthyAt,
		})
	}
	return out
}

func (a *api) backends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BackendViews(a.engine))
}
