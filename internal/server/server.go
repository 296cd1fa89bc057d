package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/scheduler"
	"github.com/me/pipesched/internal/store"
)

// Server is the pipesched REST API server.
type Server struct {
	router        chi.Router
	logger        *slog.Logger
	startTime     time.Time
	store         store.Store
	runs          *scheduler.RunScheduler
	creator       *scheduler.RunCreator
	scheduler     scheduler.Scheduler
	registry      *executor.Registry // optional; reported by /health
	gatherer      prometheus.Gatherer
	callbackToken string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScheduler sets the loop started by StartScheduler.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *Server) {
		s.scheduler = sched
	}
}

// WithExecutorRegistry sets the executor registry reported by /health.
func WithExecutorRegistry(reg *executor.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithCallbackToken requires executor callbacks to carry token as a bearer token.
func WithCallbackToken(token string) Option {
	return func(s *Server) {
		s.callbackToken = token
	}
}

// New creates a new Server with all routes registered.
func New(st store.Store, runs *scheduler.RunScheduler, creator *scheduler.RunCreator, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		store:     st,
		runs:      runs,
		creator:   creator,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/events", s.handleEvent)

		r.Route("/pipeline_schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Get("/{id}", s.handleGetSchedule)
			r.Post("/{id}/pipeline_runs", s.handleTriggerAPI)
		})

		r.Route("/pipeline_runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/cancel", s.handleCancelRun)
				r.Get("/block_runs", s.handleListBlockRuns)

				r.Group(func(r chi.Router) {
					r.Use(callbackAuthMiddleware(s.callbackToken))
					r.Post("/block_runs/{uuid}/complete", s.handleBlockComplete)
					r.Post("/block_runs/{uuid}/fail", s.handleBlockFail)
				})
			})
		})

		r.Route("/backfills", func(r chi.Router) {
			r.Get("/", s.handleListBackfills)
			r.Post("/", s.handleCreateBackfill)
			r.Get("/{id}", s.handleGetBackfill)
		})
	})
}
