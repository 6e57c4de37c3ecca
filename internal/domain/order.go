package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ParseSide normalizes a side label; empty means BUY.
func ParseSide(s string) (OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "BUY":
		return OrderSideBuy, true
	case "SELL":
		return OrderSideSell, true
	}
	return "", false
}

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
)

// OrderRequest is a priced order ready to be signed.
type OrderRequest struct {
	TokenID    string
	Side       OrderSide
	LimitPrice decimal.Decimal
	Size       decimal.Decimal
	FeeRateBps int
}

// Validate enforces 0 < price < 1 and size > 0.
func (o OrderRequest) Validate() error {
	if o.TokenID == "" {
		return fmt.Errorf("%w: token id is empty", ErrInvalidOrder)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if !o.LimitPrice.IsPositive() || o.LimitPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: price %s outside (0, 1)", ErrInvalidOrder, o.LimitPrice)
	}
	if !o.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	if o.FeeRateBps < 0 {
		return fmt.Errorf("%w: negative fee rate", ErrInvalidOrder)
	}
	return nil
}

// ExecutionState is a step of the order pipeline.
type ExecutionState string

const (
	StateRequested          ExecutionState = "requested"
	StateBalanceChecked     ExecutionState = "balance_checked"
	StateMarketResolved     ExecutionState = "market_resolved"
	StateCredentialsDerived ExecutionState = "credentials_derived"
	StatePriced             ExecutionState = "priced"
	StateSigned             ExecutionState = "signed"
	StateSubmitted          ExecutionState = "submitted"
	StateFilled             ExecutionState = "filled"
	StateRejected           ExecutionState = "rejected"
	StateFailed             ExecutionState = "failed"
)

// Terminal reports whether s ends the pipeline.
func (s ExecutionState) Terminal() bool {
	return s == StateFilled || s == StateRejected || s == StateFailed
}

// ErrorClass groups failures for reporting.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassFunds      ErrorClass = "insufficient_funds"
	ClassMarket     ErrorClass = "market"
	ClassCredential ErrorClass = "credentials"
	ClassPricing    ErrorClass = "pricing"
	ClassSigning    ErrorClass = "signing"
	ClassTransport  ErrorClass = "transport"
	ClassVenue      ErrorClass = "venue"
	ClassBusy       ErrorClass = "busy"
	ClassUnexpected ErrorClass = "unexpected"
)

// TradeRequest is a user's request to trade a market.
type TradeRequest struct {
	RequestID string
	UserID    string
	Query     string // question text or condition id
	Outcome   Outcome
	Side      OrderSide
	Amount    decimal.Decimal // USDC to spend (BUY) or shares value (SELL)
	Source    string          // "api" or "scan"
}

// ExecutionResult is the structured outcome of a trade request. It is always
// populated, including on failure.
type ExecutionResult struct {
	State             ExecutionState  `json:"state"`
	OrderID           string          `json:"order_id,omitempty"`
	TradeID           string          `json:"trade_id,omitempty"`
	MarketID          string          `json:"market_id,omitempty"`
	Question          string          `json:"question,omitempty"`
	TokenID           string          `json:"token_id,omitempty"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	Side              OrderSide       `json:"side,omitempty"`
	QuotedPrice       decimal.Decimal `json:"quoted_price"`
	Price             decimal.Decimal `json:"price"`
	Size              decimal.Decimal `json:"size"`
	Amount            decimal.Decimal `json:"amount"`
	ErrorClass        ErrorClass      `json:"error_class,omitempty"`
	Message           string          `json:"message,omitempty"`
	LedgerWriteFailed bool            `json:"ledger_write_failed,omitempty"`
}

// Filled reports whether the venue accepted and filled the order.
func (r ExecutionResult) Filled() bool { return r.State == StateFilled }
