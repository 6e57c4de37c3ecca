package domain

import "time"

// Event channels.
const (
	ChannelTrades   = "ch:trades"
	ChannelSessions = "ch:sessions"
	ChannelWallets  = "ch:wallets"
)

// Event types, also used as notification filter keys.
const (
	EventTradeFilled    = "trade_filled"
	EventTradeRejected  = "trade_rejected"
	EventTradeFailed    = "trade_failed"
	EventOrderCancelled = "order_cancelled"
	EventKeyExported    = "key_exported"
	EventWalletCreated  = "wallet_created"
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
	EventWithdrawal     = "withdrawal"
	EventApproval       = "approval"
)

// Event is the envelope published on the bus and pushed to ws clients.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}
