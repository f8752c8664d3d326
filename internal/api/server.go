// Package api exposes the scheduler over HTTP. Handlers are thin: decode,
// call the service, encode. All mutation goes through the Service interface
// so the transport stays testable without a database.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"neonsched/internal/models"
	"neonsched/internal/registry"
)

// Service is the scheduler surface the API needs.
type Service interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	PauseSchedule(ctx context.Context, id string) error
	ResumeSchedule(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error)
	ScheduleStats(ctx context.Context, scheduleID string) (*models.ScheduleStats, error)
	Stats(ctx context.Context) (*models.AggregateStats, error)

	// DefaultRetry is the policy applied when a request omits retry fields.
	DefaultRetry() models.RetryPolicy
}

// Options tunes the router.
type Options struct {
	// Token enables bearer auth on /v1 when non-empty.
	Token string
	// RatePerSec limits /v1 requests; 0 disables the limiter.
	RatePerSec float64
	RateBurst  int
}

type Server struct {
	svc       Service
	registry  *registry.Registry
	templates *registry.Templates
	log       zerolog.Logger
	opts      Options
}

func NewServer(svc Service, reg *registry.Registry, templates *registry.Templates, opts Options, log zerolog.Logger) *Server {
	return &Server{svc: svc, registry: reg, templates: templates, log: log, opts: opts}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.opts.Token != "" {
			r.Use(s.requireToken)
		}
		if s.opts.RatePerSec > 0 {
			burst := s.opts.RateBurst
			if burst <= 0 {
				burst = 1
			}
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.opts.RatePerSec), burst)))
		}

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Put("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/pause", s.handlePauseSchedule)
				r.Post("/resume", s.handleResumeSchedule)
				r.Post("/run", s.handleRunNow)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/stats", s.handleScheduleStats)
			})
		})

		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/stats", s.handleStats)
		r.Get("/agents", s.handleListAgents)
		r.Get("/templates", s.handleTemplates)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.opts.Token {
			respondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
