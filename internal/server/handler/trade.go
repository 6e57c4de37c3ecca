package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/polywallet/internal/blob/s3"
	"github.com/alanyoungcy/polywallet/internal/domain"
)

// Executor places and cancels orders.
type Executor interface {
	Execute(ctx context.Context, req domain.TradeRequest) (domain.ExecutionResult, error)
	Cancel(ctx context.Context, userID, orderID string) error
}

// Ledger reads the trade ledger.
type Ledger interface {
	List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error)
	Volume(ctx context.Context, userID string) (float64, error)
}

// Archiver exports a user's ledger to object storage.
type Archiver interface {
	ArchiveUser(ctx context.Context, userID string, until time.Time) (s3blob.ArchiveResult, error)
}

// TradeHandler serves trade execution and ledger endpoints.
type TradeHandler struct {
	executor Executor
	ledger   Ledger
	archiver Archiver
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler. archiver may be nil when object
// storage is not configured.
func NewTradeHandler(executor Executor, ledger Ledger, archiver Archiver, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		executor: executor,
		ledger:   ledger,
		archiver: archiver,
		logger:   logHandler(logger, "trade"),
	}
}

type tradeRequest struct {
	RequestID string          `json:"request_id"`
	Market    string          `json:"market"`
	Outcome   string          `json:"outcome"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
}

type tradeResponse struct {
	Result domain.ExecutionResult `json:"result"`
	Error  string                 `json:"error,omitempty"`
}

// Execute runs one trade through the executor. The execution result is
// returned for every outcome; the status code reflects the error kind.
// POST /api/users/{user}/trades
func (h *TradeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var body tradeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	req := domain.TradeRequest{
		RequestID: body.RequestID,
		UserID:    pathParam(r, "user"),
		Query:     body.Market,
		Outcome:   domain.Outcome(strings.ToUpper(strings.TrimSpace(body.Outcome))),
		Side:      domain.OrderSide(strings.ToUpper(strings.TrimSpace(body.Side))),
		Amount:    body.Amount,
		Source:    "api",
	}

	res, err := h.executor.Execute(r.Context(), req)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: execute failed",
				slog.String("user_id", req.UserID),
				slog.String("error_class", string(res.ErrorClass)),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, tradeResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, tradeResponse{Result: res})
}

// List returns the user's ledger with aggregate volume.
// GET /api/users/{user}/trades?limit=50&offset=0
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user")
	trades, err := h.ledger.List(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	volume, err := h.ledger.Volume(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, "trade volume", err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades":       trades,
		"total_volume": volume,
	})
}

// Cancel cancels an open order on the venue.
// DELETE /api/users/{user}/orders/{order}
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID := pathParam(r, "order")
	if err := h.executor.Cancel(r.Context(), pathParam(r, "user"), orderID); err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"order_id": orderID,
	})
}

// Archive exports the user's ledger and audit trail to object storage.
// POST /api/users/{user}/ledger/archive
func (h *TradeHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}
	res, err := h.archiver.ArchiveUser(r.Context(), pathParam(r, "user"), time.Time{})
	if err != nil {
		writeDomainError(w, r, h.logger, "archive ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
