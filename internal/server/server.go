package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/server/handler"
	"github.com/alanyoungcy/polywallet/internal/server/middleware"
	"github.com/alanyoungcy/polywallet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per client per RateWindow; 0 disables
	RateWindow  time.Duration

	// WriteTimeout must cover the slowest handler, an on-chain transfer
	// waiting for its receipt. Zero means 60s.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Wallets  *handler.WalletHandler
	Funding  *handler.FundingHandler
	Markets  *handler.MarketHandler
	Trades   *handler.TradeHandler
	Sessions *handler.SessionHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := NewMux(handlers, wsHub)

	// Build the middleware chain.
	var h http.Handler = mux

	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, "/api/health")(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewMux registers every route on a fresh ServeMux.
func NewMux(handlers Handlers, wsHub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Wallet custody.
	mux.HandleFunc("POST /api/users/{user}/wallet", handlers.Wallets.Create)
	mux.HandleFunc("GET /api/users/{user}/wallet", handlers.Wallets.Get)
	mux.HandleFunc("POST /api/users/{user}/wallet/import", handlers.Wallets.Import)
	mux.HandleFunc("POST /api/users/{user}/wallet/external", handlers.Wallets.ConnectExternal)
	mux.HandleFunc("POST /api/users/{user}/wallet/export", handlers.Wallets.Export)
	mux.HandleFunc("POST /api/users/{user}/wallet/safe", handlers.Wallets.DeploySafe)

	// Funding and approvals.
	mux.HandleFunc("GET /api/users/{user}/funding", handlers.Funding.Status)
	mux.HandleFunc("POST /api/users/{user}/withdraw", handlers.Funding.Withdraw)
	mux.HandleFunc("GET /api/users/{user}/approval", handlers.Funding.Allowance)
	mux.HandleFunc("POST /api/users/{user}/approval", handlers.Funding.Approve)
	mux.HandleFunc("GET /api/chain/gas", handlers.Funding.GasPrice)

	// Markets.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/search", handlers.Markets.Search)

	// Trading.
	mux.HandleFunc("POST /api/users/{user}/trades", handlers.Trades.Execute)
	mux.HandleFunc("GET /api/users/{user}/trades", handlers.Trades.List)
	mux.HandleFunc("DELETE /api/users/{user}/orders/{order}", handlers.Trades.Cancel)
	mux.HandleFunc("POST /api/users/{user}/ledger/archive", handlers.Trades.Archive)

	// Scan sessions.
	mux.HandleFunc("POST /api/users/{user}/session/start", handlers.Sessions.Start)
	mux.HandleFunc("POST /api/users/{user}/session/stop", handlers.Sessions.Stop)
	mux.HandleFunc("GET /api/users/{user}/session", handlers.Sessions.Status)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	return mux
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
