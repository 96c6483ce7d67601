package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/jobs"
	"github.com/JakeFAU/acquisition-engine/internal/metrics"
)

// JobService is the job lifecycle surface the API drives.
type JobService interface {
	Submit(ctx context.Context, spec acquire.JobSpec) (jobs.SubmitResult, error)
	SubmitStandard(ctx context.Context, name string) (jobs.SubmitResult, error)
	Get(ctx context.Context, id string) (acquire.Job, error)
	List(ctx context.Context, status acquire.JobStatus) ([]acquire.Job, error)
	Cancel(ctx context.Context, id string, mode acquire.CancelMode) (jobs.CancelResult, error)
	Health(ctx context.Context) jobs.HealthReport
	Stats(ctx context.Context) jobs.Stats
	Templates() map[string]acquire.JobSpec
}

// SourceLister lists configured source profiles.
type SourceLister interface {
	List() []acquire.SourceProfile
}

// Options configures middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the job manager.
type Server struct {
	router  chi.Router
	jobs    JobService
	sources SourceLister
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc JobService, sources SourceLister, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		jobs:    svc,
		sources: sources,
		logger:  opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/health", s.health)
		r.Get("/sources", s.listSources)
		r.Get("/stats", s.stats)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Post("/standard", s.submitStandardJob)
			r.Get("/standard", s.listStandardJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Delete("/", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz fails when the engine cannot make progress.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	report := s.jobs.Health(r.Context())
	if report.Status == acquire.HealthDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(report.Status)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
