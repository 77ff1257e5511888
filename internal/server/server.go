package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tsugi-ai/tsugi/internal/auth"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/ratelimit"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// Server is the Tsugi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec.
type Config struct {
	// Required dependencies.
	Store  storage.Store
	Engine *engine.Engine
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules: run traffic is keyed by user (admins exempt),
	// token exchange by client IP.
	runRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// User management (admin-only).
	adminOnly := requireRole(storage.RoleAdmin)
	mux.Handle("POST /v1/users", adminOnly(http.HandlerFunc(h.HandleCreateUser)))

	// Run lifecycle (any authenticated user, rate limited).
	mux.Handle("POST /v1/runs", runRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("GET /v1/runs/{run_id}", runRL(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/runs/{run_id}/context", runRL(http.HandlerFunc(h.HandleSetContext)))
	mux.Handle("POST /v1/runs/{run_id}/execute", runRL(http.HandlerFunc(h.HandleExecuteRun)))
	mux.Handle("GET /v1/runs/{run_id}/poll", runRL(http.HandlerFunc(h.HandlePollRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", runRL(http.HandlerFunc(h.HandleCancelRun)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc keys the request by user ID under the "user" traffic
// class. Returns empty string for admins (exempt from rate limits).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == storage.RoleAdmin {
		return ""
	}
	return "user:" + claims.UserID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
