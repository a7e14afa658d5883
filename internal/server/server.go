// Package server exposes the HTTP surface of an instance: health, metrics,
// chain commands, the live subscriber channels and, when enabled, the geo
// relay endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/platform/polymarket"
	"github.com/alanyoungcy/polychain/internal/server/handler"
	"github.com/alanyoungcy/polychain/internal/server/middleware"
	"github.com/alanyoungcy/polychain/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit requests per RateWindow are allowed per client and command.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// are skipped.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Chains  *handler.ChainHandler
	Markets *handler.MarketHandler
	Relay   *polymarket.RelayHandler
	Metrics http.Handler
}

// Server is the HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	auth := middleware.Operator(cfg.APIKey)
	command := func(name string, h http.HandlerFunc) http.Handler {
		return auth(middleware.CommandLimit(limiter, name, cfg.RateLimit, cfg.RateWindow, logger)(h))
	}

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if handlers.Chains != nil {
		mux.Handle("POST /api/chains", command("create_chain", handlers.Chains.CreateChain))
		mux.Handle("POST /api/chains/{id}/commit", command("commit", handlers.Chains.Commit))
		mux.Handle("POST /api/chains/{id}/abandon", command("abandon", handlers.Chains.Abandon))
	}
	if handlers.Markets != nil {
		mux.Handle("POST /api/markets/{id}/resolve", command("resolve", handlers.Markets.Resolve))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws/public", wsHub.HandlePublic)
		mux.Handle("GET /ws/admin", auth(http.HandlerFunc(wsHub.HandleAdmin)))
	}

	// The relay authenticates with its own request signatures.
	if handlers.Relay != nil {
		handlers.Relay.Register(mux)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Relayed placements may wait on the venue for up to its timeout.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
