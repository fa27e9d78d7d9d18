package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
	"github.com/JakeFAU/scrape-service/internal/orchestrator"
	"github.com/JakeFAU/scrape-service/internal/ratelimit"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

const (
	defaultIdentityHeader = "X-User-ID"
	requestTimeout        = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Service is the job API the handlers drive.
type Service interface {
	Submit(ctx context.Context, userID string, req orchestrator.SubmitRequest) (scrape.Job, error)
	Get(ctx context.Context, jobID, userID string) (scrape.Job, error)
	Delete(ctx context.Context, jobID, userID string) error
	ListHistory(ctx context.Context, userID string, filter orchestrator.HistoryFilter) (orchestrator.HistoryPage, error)
	Stats(ctx context.Context, userID string) (orchestrator.Stats, error)
	ClearHistory(ctx context.Context, userID string, olderThan *time.Duration) (int, error)
}

// Options tunes the HTTP surface.
type Options struct {
	// IdentityHeader carries the authenticated user id.
	IdentityHeader string
	// APIKey, when set, must be presented in X-API-Key on /v1 routes.
	APIKey string
	// TrustProxyHeaders derives the rate-limit key from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and limiter.
type Server struct {
	router  chi.Router
	service Service
	limiter *ratelimit.Limiter
	clock   scrape.Clock
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. limiter may be
// nil to disable rate limiting.
func NewServer(service Service, limiter *ratelimit.Limiter, clock scrape.Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = defaultIdentityHeader
	}
	s := &Server{
		service: service,
		limiter: limiter,
		clock:   clock,
		opts:    opts,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		if limiter != nil {
			r.Use(rateLimitMiddleware(limiter, clock, opts.TrustProxyHeaders))
		}
		r.Use(identityMiddleware(opts.IdentityHeader))

		r.Route("/scrape", func(r chi.Router) {
			r.Post("/", s.submitScrape)
			r.Get("/{job_id}", s.getScrape)
			r.Delete("/{job_id}", s.deleteScrape)
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.listHistory)
			r.Delete("/", s.clearHistory)
			r.Get("/stats", s.historyStats)
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
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
