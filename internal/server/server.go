// Package server exposes pricing, session and channel lifecycle over HTTP,
// with a websocket feed of channel transitions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/predicta/internal/domain"
	"github.com/alanyoungcy/predicta/internal/server/handler"
	"github.com/alanyoungcy/predicta/internal/server/middleware"
	"github.com/alanyoungcy/predicta/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit requests per RateWindow per client IP; zero disables the
	// limiter.
	RateLimit  int
	RateWindow time.Duration

	// WriteTimeout bounds each response. Channel operations block until
	// confirmed on chain, so it must exceed the coordinator's confirmation
	// timeout.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Channels and Session are nil when the process runs without a clearnode
// session; their routes are then not registered.
type Handlers struct {
	Health   *handler.HealthHandler
	Quotes   *handler.QuoteHandler
	Session  *handler.SessionHandler
	Channels *handler.ChannelHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in rate limiting, auth,
// logging and CORS, outermost last. limiter and hub may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if srv.WriteTimeout <= 0 {
		srv.WriteTimeout = 5 * time.Minute
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped handler.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	if q := handlers.Quotes; q != nil {
		mux.HandleFunc("GET /api/quote", q.GetQuote)
		mux.HandleFunc("GET /api/cost", q.GetCost)
		mux.HandleFunc("GET /api/shares", q.GetShares)
		mux.HandleFunc("GET /api/simulate", q.GetSimulation)
		mux.HandleFunc("GET /api/markets/{address}/quote", q.GetMarketQuote)
	}

	if handlers.Session != nil {
		mux.HandleFunc("GET /api/session", handlers.Session.GetSession)
	}

	if c := handlers.Channels; c != nil {
		mux.HandleFunc("GET /api/channels", c.ListChannels)
		mux.HandleFunc("POST /api/channels", c.CreateChannel)
		mux.HandleFunc("GET /api/channels/history", c.ListHistory)
		mux.HandleFunc("GET /api/channels/{id}", c.GetChannel)
		mux.HandleFunc("POST /api/channels/{id}/resize", c.ResizeChannel)
		mux.HandleFunc("POST /api/channels/{id}/close", c.CloseChannel)
		mux.HandleFunc("DELETE /api/operations/{id}", c.AbandonOperation)
		mux.HandleFunc("GET /api/balances", c.ListBalances)
		mux.HandleFunc("GET /api/audit", c.ListAudit)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
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
