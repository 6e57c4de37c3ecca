package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// Sessions manages automated scan sessions.
type Sessions interface {
	Start(ctx context.Context, userID string, settings domain.ScanSettings) (domain.SessionInfo, error)
	Stop(ctx context.Context, userID string) (domain.SessionInfo, error)
	Status(userID string) (domain.SessionInfo, error)
}

// SessionHandler serves scan session endpoints.
type SessionHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions Sessions, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logHandler(logger, "session")}
}

// sessionRequest overrides scan defaults. Zero values keep the default.
type sessionRequest struct {
	MinProbability  float64         `json:"min_probability"`
	MinLiquidity    float64         `json:"min_liquidity"`
	Category        string          `json:"category"`
	PositionSize    decimal.Decimal `json:"position_size"`
	MaxDailyTrades  int             `json:"max_daily_trades"`
	IntervalSeconds int             `json:"interval_seconds"`
}

// Start begins a scan session for the user.
// POST /api/users/{user}/session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	info, err := h.sessions.Start(r.Context(), pathParam(r, "user"), domain.ScanSettings{
		MinProbability: body.MinProbability,
		MinLiquidity:   body.MinLiquidity,
		Category:       body.Category,
		PositionSize:   body.PositionSize,
		MaxDailyTrades: body.MaxDailyTrades,
		Interval:       time.Duration(body.IntervalSeconds) * time.Second,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// Stop ends the user's scan session.
// POST /api/users/{user}/session/stop
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Stop(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Status reports the user's running session.
// GET /api/users/{user}/session
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Status(pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "session status", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
