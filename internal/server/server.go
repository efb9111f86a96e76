// Package server is the read-side HTTP API over the published snapshot
// state, plus the operator endpoints for rebuild, rollback, and backfill
// control.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/server/middleware"
	"github.com/alanyoungcy/polyledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	APIKey       string // if empty, authentication is disabled
	RateLimit    int    // requests per window per client IP; 0 disables
	RateWindow   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Snapshot    *handler.SnapshotHandler
	Trades      *handler.TradeHandler
	Resolutions *handler.ResolutionHandler
	Backfill    *handler.BackfillHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered and the middleware chain
// (rate limit, auth, logging, CORS) wired around them.
func New(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check, no auth required.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Published snapshot state.
	mux.HandleFunc("GET /api/snapshot", handlers.Snapshot.GetCurrent)
	mux.HandleFunc("GET /api/wallets/{wallet}/pnl", handlers.Snapshot.WalletPnL)
	mux.HandleFunc("GET /api/wallets/{wallet}/trades", handlers.Trades.WalletTrades)
	mux.HandleFunc("GET /api/resolutions/{market}", handlers.Resolutions.GetMarket)

	// Operator actions.
	mux.HandleFunc("POST /api/snapshot/rebuild", handlers.Snapshot.TriggerRebuild)
	mux.HandleFunc("POST /api/snapshot/rollback", handlers.Snapshot.Rollback)
	if handlers.Backfill != nil {
		mux.HandleFunc("GET /api/backfill/status", handlers.Backfill.Status)
		mux.HandleFunc("POST /api/backfill/retry", handlers.Backfill.RetryErrors)
	}

	// Snapshot announcements over WebSocket.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
