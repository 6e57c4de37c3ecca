package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScanSettings configures an automated scan session.
type ScanSettings struct {
	MinProbability float64         `json:"min_probability"`
	MinLiquidity   float64         `json:"min_liquidity"`
	Category       string          `json:"category"`
	PositionSize   decimal.Decimal `json:"position_size"`
	MaxDailyTrades int             `json:"max_daily_trades"`
	Interval       time.Duration   `json:"interval"`
}

// SessionInfo describes a running or finished scan session.
type SessionInfo struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Settings    ScanSettings `json:"settings"`
	StartedAt   time.Time    `json:"started_at"`
	Scans       int          `json:"scans"`
	TradesToday int          `json:"trades_today"`
	LastError   string       `json:"last_error,omitempty"`
}
