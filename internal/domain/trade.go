package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the ledger status of a trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeFailed TradeStatus = "failed"
	TradeClosed TradeStatus = "closed"
)

// TradeRecord is a ledger row written after a submission attempt. OrderID is
// set only when the venue accepted the order.
type TradeRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	MarketID        string          `json:"market_id"`
	Question        string          `json:"question"`
	TokenID         string          `json:"token_id"`
	Position        Outcome         `json:"position"`
	Side            OrderSide       `json:"side"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	ExecutedShares  decimal.Decimal `json:"executed_shares"`
	OrderID         string          `json:"order_id,omitempty"`
	Status          TradeStatus     `json:"status"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
