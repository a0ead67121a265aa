// Package httpapi exposes the turnline HTTP surface: latency telemetry
// ingest and query endpoints, call lifecycle management with a websocket
// audio bridge, health probes, and the Prometheus scrape endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnline-ai/turnline/internal/call"
	"github.com/turnline-ai/turnline/internal/health"
	"github.com/turnline-ai/turnline/internal/observe"
	"github.com/turnline-ai/turnline/internal/telemetry"
)

// Config tunes the HTTP server's defaults.
type Config struct {
	// DefaultWindowSec is the summary window used when a /summary request
	// does not specify window_sec.
	DefaultWindowSec uint32
}

// Server holds the handlers and their collaborators. Build the routing table
// with [Server.Router].
type Server struct {
	agg     *telemetry.Aggregator
	manager *call.Manager
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	// defaultWindow backs /summary's window_sec default and may be updated
	// at runtime by config hot reload.
	defaultWindow atomic.Uint32
}

// New creates a Server. The aggregator is required; manager, health handler,
// and metrics are optional — their routes degrade gracefully when absent.
func New(cfg Config, agg *telemetry.Aggregator, manager *call.Manager, h *health.Handler, metrics *observe.Metrics, log *slog.Logger) *Server {
	if cfg.DefaultWindowSec == 0 {
		cfg.DefaultWindowSec = 60
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		agg:     agg,
		manager: manager,
		health:  h,
		metrics: metrics,
		log:     log,
	}
	s.defaultWindow.Store(cfg.DefaultWindowSec)
	return s
}

// SetDefaultWindow updates the window used when a /summary request does not
// specify window_sec. Safe to call while serving.
func (s *Server) SetDefaultWindow(sec uint32) {
	if sec > 0 {
		s.defaultWindow.Store(sec)
	}
}

// Router builds the chi routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}

	if s.health != nil {
		s.health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/ingest", s.handleIngest)
	r.Get("/summary", s.handleSummary)
	r.Get("/events", s.handleEvents)

	if s.manager != nil {
		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Post("/", s.handleStartCall)
			r.Post("/{id}/end", s.handleEndCall)
			r.Get("/{id}/audio", s.handleCallAudio)
		})
	}

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
