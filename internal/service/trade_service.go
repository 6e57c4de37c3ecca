package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// TradeService is the trade ledger.
type TradeService struct {
	trades domain.TradeStore
	logger *slog.Logger
	now    func() time.Time
}

// NewTradeService creates a TradeService.
func NewTradeService(trades domain.TradeStore, logger *slog.Logger) *TradeService {
	return &TradeService{
		trades: trades,
		logger: logger.With(slog.String("component", "trade_service")),
		now:    time.Now,
	}
}

// Record assigns an id and timestamp to rec and writes it. Open records also
// add to the user's aggregate volume. Failures wrap
// domain.ErrLedgerWriteFailed.
func (s *TradeService) Record(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.trades.Insert(ctx, rec); err != nil {
		return rec, fmt.Errorf("trade_service: record: %w: %w", domain.ErrLedgerWriteFailed, err)
	}

	s.logger.InfoContext(ctx, "trade recorded",
		slog.String("trade_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("status", string(rec.Status)),
		slog.String("order_id", rec.OrderID),
	)
	return rec, nil
}

// CloseByOrder marks the open record carrying orderID as closed.
func (s *TradeService) CloseByOrder(ctx context.Context, userID, orderID string) error {
	rec, err := s.trades.GetByOrderID(ctx, userID, orderID)
	if err != nil {
		return fmt.Errorf("trade_service: close %s: %w", orderID, err)
	}
	if rec.Status != domain.TradeOpen {
		return nil
	}
	if err := s.trades.UpdateStatus(ctx, rec.ID, domain.TradeClosed); err != nil {
		return fmt.Errorf("trade_service: close %s: %w", orderID, err)
	}
	return nil
}

// List returns the user's trades, newest first.
func (s *TradeService) List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	recs, err := s.trades.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list: %w", err)
	}
	return recs, nil
}

// Volume returns the user's aggregate traded volume in USDC.
func (s *TradeService) Volume(ctx context.Context, userID string) (float64, error) {
	v, err := s.trades.TotalVolume(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("trade_service: volume: %w", err)
	}
	return v, nil
}
