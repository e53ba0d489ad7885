package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chittyos/chittyrouter/internal/agent"
	"github.com/chittyos/chittyrouter/internal/auth"
	"github.com/chittyos/chittyrouter/internal/dispatch"
	"github.com/chittyos/chittyrouter/internal/email"
	"github.com/chittyos/chittyrouter/internal/evidence"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/pipeline"
	"github.com/chittyos/chittyrouter/internal/ratelimit"
	"github.com/chittyos/chittyrouter/internal/synchub"
)

// TodoLister is the listing backend for GET /api/todos. Implemented by
// storage.DB.
type TodoLister interface {
	ListTodos(ctx context.Context, userID string, status model.TodoStatus) ([]model.Todo, error)
}

// DeadLetterLister exposes the dead-letter archive for GET /admin/dlq.
// Implemented by storage.DB.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, source string, limit int) ([]model.DeadLetter, error)
}

// Client is one credential allowed to obtain bearer tokens.
type Client struct {
	HashedKey string // Argon2id hash from auth.HashAPIKey
	Tier      string
	Scopes    []string
}

// Config holds all dependencies for the HTTP server. Optional fields
// (nil-safe): Substrate, Ingestor, Pipeline, Dispatcher, Email, Lister,
// AuthLimiter, HealthProbes.
type Config struct {
	Logger  *slog.Logger
	Version string

	JWT        *auth.JWTManager
	Hub        *synchub.Hub
	Substrate  *agent.Substrate
	Ingestor   *evidence.Ingestor
	Pipeline   *pipeline.Engine
	Dispatcher *dispatch.Dispatcher
	Email      *email.Pipeline
	Lister     TodoLister
	DLQ        DeadLetterLister

	// LocalServices names the dispatcher targets this process serves itself;
	// they are bound to the route table so dispatched requests stay
	// in-process.
	LocalServices []string

	// Clients maps client IDs to token-issuance credentials.
	Clients map[string]Client
	// AuthLimiter rate-limits POST /auth/token by IP.
	AuthLimiter ratelimit.Limiter

	// HealthProbes are per-dependency checks reported by GET /health.
	HealthProbes map[string]func(ctx context.Context) error

	Registry *prometheus.Registry

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the ChittyRouter HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{cfg: cfg, started: time.Now()}

	corrIDFunc := func(r *http.Request) string {
		return CorrelationIDFromContext(r.Context())
	}

	authRL := func(next http.Handler) http.Handler { return next }
	if cfg.AuthLimiter != nil {
		authRL = ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, corrIDFunc)
	}

	mux := http.NewServeMux()

	// Open endpoints.
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.handleAuthToken)))
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// Routing.
	mux.HandleFunc("GET /router/stats", h.handleRouterStats)

	// Agent substrate.
	mux.HandleFunc("POST /agents/{name}/complete", h.handleAgentComplete)
	mux.HandleFunc("GET /agents/{name}/stats", h.handleAgentStats)
	mux.HandleFunc("GET /agents/{name}/health", h.handleAgentHealth)

	// Sync hub: todos.
	mux.HandleFunc("GET /api/todos", h.handleListTodos)
	mux.HandleFunc("POST /api/todos", h.handleCreateTodo)
	mux.HandleFunc("GET /api/todos/watch", h.handleWatchTodos)
	mux.HandleFunc("POST /api/todos/sync", h.handleSyncTodos)
	mux.HandleFunc("GET /api/todos/since/{timestamp}", h.handleTodosSince)
	mux.HandleFunc("GET /api/todos/{id}", h.handleGetTodo)
	mux.HandleFunc("PUT /api/todos/{id}", h.handleUpdateTodo)
	mux.HandleFunc("DELETE /api/todos/{id}", h.handleDeleteTodo)

	// Sync hub: sessions.
	mux.HandleFunc("POST /session/init", h.handleSessionInit)
	mux.HandleFunc("POST /session/state", h.handleSessionState)
	mux.HandleFunc("POST /session/atomic-facts", h.handleSessionFacts)
	mux.HandleFunc("GET /session/status", h.handleSessionStatus)

	// Evidence intake.
	mux.HandleFunc("POST /ingest", h.handleIngest)

	// Identifier pipeline.
	mux.HandleFunc("POST /pipeline/{kind}/generate", h.handlePipelineGenerate)
	mux.HandleFunc("GET /pipeline/status/{id}", h.handlePipelineStatus)

	// Inbound email handoff.
	mux.HandleFunc("POST /email/inbound", h.handleEmailInbound)

	// Admin surfaces.
	mux.HandleFunc("GET /admin/dlq", h.handleListDeadLetters)

	// Everything without a registered route resolves through the dispatcher.
	// Locally served targets bind to the mux directly: a dispatched request
	// lands back on the route table without re-entering the middleware chain,
	// and a second miss is terminal.
	if cfg.Dispatcher != nil {
		for _, svc := range cfg.LocalServices {
			cfg.Dispatcher.Bind(svc, mux)
		}
	}
	mux.HandleFunc("/", h.handleDispatch)

	// Middleware chain (outermost executes first):
	// correlation ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWT, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = correlationIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
