package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WalletStore persists wallet records. At most one record per user is active.
type WalletStore interface {
	// GetActive returns the active wallet or ErrNotFound.
	GetActive(ctx context.Context, userID string) (Wallet, error)
	// Activate deactivates the current active wallet (if any) and inserts w
	// as the new active wallet in one transaction.
	Activate(ctx context.Context, w Wallet) (Wallet, error)
	// CreateIfAbsent inserts w as active only when the user has no active
	// wallet. It returns the active wallet and whether w was inserted.
	CreateIfAbsent(ctx context.Context, w Wallet) (Wallet, bool, error)
	History(ctx context.Context, userID string) ([]Wallet, error)
}

// TradeStore is the trade ledger.
type TradeStore interface {
	// Insert writes the record and, for open trades, adds the requested
	// amount to the user's aggregate volume.
	Insert(ctx context.Context, rec TradeRecord) error
	UpdateStatus(ctx context.Context, id string, status TradeStatus) error
	GetByID(ctx context.Context, id string) (TradeRecord, error)
	GetByOrderID(ctx context.Context, userID, orderID string) (TradeRecord, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]TradeRecord, error)
	TotalVolume(ctx context.Context, userID string) (float64, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, userID string, detail map[string]any) error
	List(ctx context.Context, userID string, opts ListOpts) ([]AuditEntry, error)
}
