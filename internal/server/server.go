package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/conmon/internal/audit"
	"github.com/dativo-io/conmon/internal/otel"
	"github.com/dativo-io/conmon/internal/pipeline"
	"github.com/dativo-io/conmon/internal/runstore"
	"github.com/dativo-io/conmon/internal/trigger"
)

const defaultTimeout = 60 * time.Second

// runTimeout bounds a background pipeline execution started by POST /api/runs.
const runTimeout = 30 * time.Minute

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	orch        *pipeline.Orchestrator
	runs        *runstore.Store
	auditStore  *audit.Store
	apiKeys     map[string]string
	limiter     *RateLimiter
	webhooks    *trigger.WebhookHandler
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"] for MVP).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimiter sets the per-caller API rate limiter (optional).
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithWebhookHandler mounts named webhook triggers at POST /api/triggers/{name}.
func WithWebhookHandler(wh *trigger.WebhookHandler) Option {
	return func(s *Server) { s.webhooks = wh }
}

// NewServer builds a Server. apiKeys maps API key -> caller identity; an empty
// map disables authentication (local single-operator mode).
func NewServer(
	orch *pipeline.Orchestrator,
	runs *runstore.Store,
	auditStore *audit.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		orch:        orch,
		runs:        runs,
		auditStore:  auditStore,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware
// and routes). POST /api/runs is registered without the request timeout: the
// handler responds 202 immediately and the pipeline runs out of band.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Webhooks (no auth; signature validation can be added later)
	if s.webhooks != nil {
		r.Post("/api/triggers/{name}", s.webhooks.HandleWebhook)
	}

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))

		r.Post("/api/runs", s.handleRunStart)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/api/runs", s.handleRunList)
			r.Get("/api/runs/{id}", s.handleRunGet)
			r.Post("/api/runs/{id}/resume", s.handleRunResume)

			r.Get("/api/approvals", s.handleApprovalsList)
			r.Post("/api/approvals/{id}/decision", s.handleApprovalDecision)

			r.Get("/api/audit", s.handleAuditList)
			r.Get("/api/audit/{id}/verify", s.handleAuditVerify)
		})
	})

	return r
}
