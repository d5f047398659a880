package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scheduler"
)

// Realtime serves on-demand scrapes and the latest view.
type Realtime interface {
	TriggerScrape(ctx context.Context, categories []string, force bool) realtime.TriggerResult
	GetLatestData(ctx context.Context, category string) (realtime.AggregatedView, error)
}

// Tracker reads job and item records.
type Tracker interface {
	GetJob(ctx context.Context, id int64) (ingest.Job, error)
	ListJobs(ctx context.Context, filter ingest.JobFilter) ([]ingest.Job, error)
	GetItem(ctx context.Context, id int64) (ingest.Item, error)
	ListItems(ctx context.Context, filter ingest.ItemFilter) ([]ingest.Item, error)
}

// Republisher sends a job's pending items to the ETL queues.
type Republisher interface {
	PublishJob(ctx context.Context, jobID int64) (int, error)
}

// Scheduler starts due job types and reports schedule state.
type Scheduler interface {
	Start(ctx context.Context, jobType ingest.JobType) (bool, error)
	Status(ctx context.Context) ([]scheduler.Status, error)
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Deps are the components behind the routes. Nil optional components turn
// their routes into 503 responses.
type Deps struct {
	Realtime  Realtime
	Tracker   Tracker
	Publisher Republisher
	Scheduler Scheduler
	Ready     map[string]Check
}

// Options configures middleware and background work started by requests.
type Options struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	// BaseContext carries runs started through the API past the request.
	BaseContext context.Context
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{deps: deps, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/realtime", func(r chi.Router) {
			r.Post("/trigger", s.triggerScrape)
			r.Get("/data", s.latestData)
			r.Get("/data/{category}", s.latestData)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/items", s.listJobItems)
				r.Post("/publish", s.publishJob)
			})
		})
		r.Get("/items/{item_id}", s.getItem)
		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.scheduleStatus)
			r.Post("/{job_type}/run", s.runScheduled)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	names := make([]string, 0, len(s.deps.Ready))
	for name := range s.deps.Ready {
		names = append(names, name)
	}
	sort.Strings(names)
	failures := map[string]string{}
	for _, name := range names {
		if err := s.deps.Ready[name](ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
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
