// Package server exposes the diarization pipeline over HTTP.
//
// Routes:
//
//	POST /diarize-overlap     — run the pipeline (SSE stream or JSON response)
//	GET  /runs/{id}/events    — WebSocket mirror of a run's event stream
//	GET  /runs                — recent run history (when a store is configured)
//	POST /cache/invalidate    — drop every cache entry
//	GET  /cache/export        — zip archive of all caches
//	GET  /uploads/{file}      — accepted audio and generated stems
//	GET  /metrics             — Prometheus scrape endpoint
//	GET  /healthz, /readyz    — probes
//
// Run admission is bounded by a weighted semaphore sized from
// pipeline.max_concurrent_runs; an overloaded server answers 429 instead of
// queueing vendor-billed work.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/config"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/health"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/history"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/observe"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/orchestrator"
)

// Server wires the orchestrator, caches, and admin endpoints into one
// http.Handler.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	caches  orchestrator.Caches
	hist    *history.Store
	metrics *observe.Metrics
	log     *slog.Logger

	admit       *semaphore.Weighted
	feeds       *feedRegistry
	extraChecks []health.Checker
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHistory attaches the optional run-history store.
func WithHistory(h *history.Store) Option {
	return func(s *Server) { s.hist = h }
}

// WithMetrics attaches the OTel instrument set used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithReadyCheck adds a readiness checker to /readyz beyond the built-in
// cache and history probes.
func WithReadyCheck(c health.Checker) Option {
	return func(s *Server) { s.extraChecks = append(s.extraChecks, c) }
}

// New creates a Server around orch.
func New(cfg config.Config, orch *orchestrator.Orchestrator, caches orchestrator.Caches, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		caches: caches,
		log:    slog.Default(),
		admit:  semaphore.NewWeighted(int64(cfg.Pipeline.MaxConcurrentRuns)),
		feeds:  newFeedRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route table, wrapped in the observability
// middleware when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /diarize-overlap", s.handleDiarize)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs", s.handleRunHistory)
	mux.HandleFunc("POST /cache/invalidate", s.handleCacheInvalidate)
	mux.HandleFunc("GET /cache/export", s.handleCacheExport)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(s.cfg.Paths.UploadsDir))))
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{health.CacheDirChecker(s.cfg.Paths.CacheDir)}
	if s.hist != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: s.hist.Ping})
	}
	checkers = append(checkers, s.extraChecks...)
	health.New(checkers...).Register(mux)

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}
