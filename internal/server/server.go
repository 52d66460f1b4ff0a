package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlens/predictlens/internal/crypto"
	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/server/handler"
	"github.com/predictlens/predictlens/internal/server/middleware"
	"github.com/predictlens/predictlens/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // admin routes are closed when empty
	Hub         *crypto.HubAuth

	// Per-IP limits; zero disables the limiter for that scope.
	ReadLimit   int
	ActionLimit int
	LimitWindow time.Duration
	Limiter     domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Admin   *handler.AdminHandler
	Actions *handler.ActionHandler
}

// Server is the HTTP + WebSocket API of the staking engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging and CORS.
// Admin routes require the API key; /api/actions requires a valid hub
// signature.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler without binding a listener.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	window := cfg.LimitWindow
	if window <= 0 {
		window = time.Minute
	}
	read := middleware.RateLimit(cfg.Limiter, "read", cfg.ReadLimit, window, logger)
	actions := middleware.RateLimit(cfg.Limiter, "actions", cfg.ActionLimit, window, logger)
	admin := middleware.Auth(cfg.APIKey)
	signed := middleware.HubSignature(cfg.Hub, nil)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	m := handlers.Markets
	mux.Handle("GET /api/markets", read(http.HandlerFunc(m.ListMarkets)))
	mux.Handle("GET /api/markets/{id}", read(http.HandlerFunc(m.GetMarket)))
	mux.Handle("GET /api/markets/{id}/stakes", read(http.HandlerFunc(m.ListStakes)))
	mux.Handle("GET /api/markets/{id}/tally", read(http.HandlerFunc(m.GetTally)))
	mux.Handle("GET /api/markets/{id}/estimate", read(http.HandlerFunc(m.GetEstimate)))
	mux.Handle("GET /api/markets/{id}/payouts/{account}", read(http.HandlerFunc(m.GetPayout)))
	mux.Handle("GET /api/markets/{id}/positions/{account}", read(http.HandlerFunc(m.GetPosition)))
	mux.Handle("GET /api/markets/{id}/voters/{account}", read(http.HandlerFunc(m.GetVoter)))
	mux.Handle("GET /api/markets/{id}/refunds", read(http.HandlerFunc(m.ListRefunds)))
	mux.Handle("GET /api/accounts/{account}/stakes", read(http.HandlerFunc(m.ListAccountStakes)))

	mux.Handle("POST /api/actions", actions(signed(http.HandlerFunc(handlers.Actions.Dispatch))))

	a := handlers.Admin
	mux.Handle("POST /api/admin/markets/{id}/activate", admin(http.HandlerFunc(a.Activate)))
	mux.Handle("POST /api/admin/markets/{id}/begin-resolution", admin(http.HandlerFunc(a.BeginResolution)))
	mux.Handle("POST /api/admin/markets/{id}/finalize", admin(http.HandlerFunc(a.Finalize)))
	mux.Handle("POST /api/admin/markets/{id}/fallback", admin(http.HandlerFunc(a.SetFallback)))
	mux.Handle("POST /api/admin/markets/{id}/resolve-by-vote", admin(http.HandlerFunc(a.ResolveByVote)))
	mux.Handle("POST /api/admin/markets/{id}/void", admin(http.HandlerFunc(a.Void)))
	mux.Handle("POST /api/admin/markets/{id}/close", admin(http.HandlerFunc(a.Close)))
	mux.Handle("GET /api/admin/audit", admin(http.HandlerFunc(a.ListAudit)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
