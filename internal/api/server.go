// Package api exposes the HTTP surface: the admin endpoints and the
// fetcher webhook ingress.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/exclusion"
	"github.com/puma10/ecomm-arb/internal/metrics"
	"github.com/puma10/ecomm-arb/internal/webhook"
)

// JobController is the slice of the coordinator the API drives.
type JobController interface {
	StartJob(ctx context.Context, cfg crawl.JobConfig) (crawl.Job, int, error)
	CancelJob(ctx context.Context, jobID string) error
}

// Config tunes the server.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	IngressTimeout time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IngressTimeout <= 0 {
		c.IngressTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Server wires HTTP handlers to the coordinator, stores, and the webhook
// handler.
type Server struct {
	router     chi.Router
	controller JobController
	jobs       crawl.JobStore
	exclusions crawl.ExclusionStore
	rulesCache *exclusion.Cache
	hook       *webhook.Handler
	ids        crawl.IDGenerator
	clock      crawl.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	controller JobController,
	jobs crawl.JobStore,
	exclusions crawl.ExclusionStore,
	rulesCache *exclusion.Cache,
	hook *webhook.Handler,
	ids crawl.IDGenerator,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		controller: controller,
		jobs:       jobs,
		exclusions: exclusions,
		rulesCache: rulesCache,
		hook:       hook,
		ids:        ids,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// The fetcher cannot send credentials, so the webhook is never
		// behind the API key.
		r.Post("/crawl/webhook", s.crawlWebhook)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.cfg.RequestTimeout))
			if s.cfg.AuthEnabled {
				r.Use(apiKeyMiddleware(s.cfg.APIKey))
			}
			r.Route("/crawl", func(r chi.Router) {
				r.Post("/start", s.startCrawl)
				r.Get("/jobs", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.cancelJob)
					r.Get("/logs", s.getJobLogs)
				})
			})
			r.Route("/exclusions", func(r chi.Router) {
				r.Get("/", s.listExclusions)
				r.Post("/", s.createExclusion)
				r.Delete("/{rule_id}", s.deleteExclusion)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.jobs.List(r.Context(), 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
