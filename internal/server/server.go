// Package server exposes the engine's HTTP read API, admin actions, metrics
// and the websocket event relay.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/server/handler"
	"github.com/alanyoungcy/posengine/internal/server/middleware"
	"github.com/alanyoungcy/posengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	APIToken     string // guards POST routes; empty disables auth
	RateLimitRPS int    // per client IP; 0 disables
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Scopes  *handler.ScopeHandler
	Metrics http.Handler // nil omits /metrics
}

// Server is the headless HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the complete handler tree.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Auth(cfg.APIToken)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	s := handlers.Scopes
	mux.HandleFunc("GET /api/scopes", s.ListScopes)
	mux.HandleFunc("GET /api/scopes/{id}/positions", s.ListPositions)
	mux.HandleFunc("GET /api/scopes/{id}/balance", s.GetBalance)
	mux.HandleFunc("GET /api/scopes/{id}/status", s.GetStatus)
	mux.HandleFunc("GET /api/scopes/{id}/executions", s.ListExecutions)
	mux.HandleFunc("GET /api/scopes/{id}/events", s.ListEvents)

	mux.Handle("POST /api/scopes/{id}/reconcile", admin(http.HandlerFunc(s.Reconcile)))
	mux.Handle("POST /api/scopes/{id}/liquidate", admin(http.HandlerFunc(s.Liquidate)))
	mux.Handle("POST /api/scopes/{id}/cancel-all", admin(http.HandlerFunc(s.CancelAll)))
	mux.Handle("POST /api/scopes/{id}/entries", admin(http.HandlerFunc(s.SubmitEntry)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimitRPS, time.Second)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
