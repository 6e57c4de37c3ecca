package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
)

// Funding thresholds below which a wallet is reported as needing funds.
var (
	MinNativeForGas = decimal.RequireFromString("0.01")
	MinStable       = decimal.NewFromInt(1)
)

const nativeDecimals = 18

// FundingStatus summarises what a wallet holds and what it still needs.
type FundingStatus struct {
	Address         string   `json:"address"`
	Kind            string   `json:"kind"`
	Native          string   `json:"native"`
	Stable          string   `json:"stable"`
	Uncertain       bool     `json:"uncertain"`
	NeedsFunding    bool     `json:"needs_funding"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// WithdrawRequest moves funds out of a custodial wallet.
type WithdrawRequest struct {
	Asset  domain.Asset    `json:"asset"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// FundingService reports balances and withdraws from custodial wallets.
type FundingService struct {
	wallets        *WalletService
	chain          Chain
	stableDecimals int32
	audit          domain.AuditStore
	events         *Events
	logger         *slog.Logger
}

// NewFundingService creates a FundingService.
func NewFundingService(wallets *WalletService, chain Chain, stableDecimals int32, audit domain.AuditStore, events *Events, logger *slog.Logger) *FundingService {
	return &FundingService{
		wallets:        wallets,
		chain:          chain,
		stableDecimals: stableDecimals,
		audit:          audit,
		events:         events,
		logger:         logger.With(slog.String("component", "funding_service")),
	}
}

// Status reads fresh balances for the user's active wallet.
func (s *FundingService) Status(ctx context.Context, userID string) (FundingStatus, error) {
	w, err := s.wallets.Active(ctx, userID)
	if err != nil {
		return FundingStatus{}, fmt.Errorf("funding_service: status: %w", err)
	}
	snap := s.chain.Snapshot(ctx, common.HexToAddress(w.Address))

	st := FundingStatus{
		Address:   w.Address,
		Kind:      string(w.Kind),
		Native:    snap.Native.String(),
		Stable:    snap.Stable.String(),
		Uncertain: snap.Native.Uncertain || snap.Stable.Uncertain,
	}
	if snap.Native.Decimal().LessThan(MinNativeForGas) {
		st.Recommendations = append(st.Recommendations,
			fmt.Sprintf("send at least %s POL to %s for gas", MinNativeForGas, w.Address))
	}
	if snap.Stable.Decimal().LessThan(MinStable) {
		st.Recommendations = append(st.Recommendations,
			fmt.Sprintf("send at least %s USDC to %s to trade", MinStable, w.Address))
	}
	st.NeedsFunding = len(st.Recommendations) > 0
	return st, nil
}

// Withdraw transfers native or stable tokens from the user's custodial EOA.
// A *domain.PendingError comes back with the receipt when the transfer was
// broadcast but not confirmed in time.
func (s *FundingService) Withdraw(ctx context.Context, userID string, req WithdrawRequest) (domain.TxReceipt, error) {
	to, err := crypto.ParseAddress(req.To)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("funding_service: withdraw: %w", err)
	}
	if !req.Amount.IsPositive() {
		return domain.TxReceipt{}, fmt.Errorf("funding_service: withdraw: %w: amount must be positive", domain.ErrInvalidAmount)
	}

	var decimals int32
	switch req.Asset {
	case domain.AssetNative:
		decimals = nativeDecimals
	case domain.AssetUSDC:
		decimals = s.stableDecimals
	default:
		return domain.TxReceipt{}, fmt.Errorf("funding_service: withdraw: %w: unknown asset %q", domain.ErrInvalidAmount, req.Asset)
	}

	key, w, err := s.wallets.SigningKey(ctx, userID)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("funding_service: withdraw: %w", err)
	}
	if w.Kind == domain.WalletRelayedSafe {
		return domain.TxReceipt{}, fmt.Errorf("funding_service: withdraw: %w: safe wallet withdrawals go through the relayer", domain.ErrForbidden)
	}

	receipt, err := s.chain.Transfer(ctx, key, req.Asset, to, domain.ToBaseUnits(req.Amount, decimals))
	detail := map[string]any{
		"asset":   string(req.Asset),
		"to":      to.Hex(),
		"amount":  req.Amount.String(),
		"tx_hash": receipt.TxHash,
	}
	if err != nil {
		if receipt.TxHash != "" {
			detail["error"] = err.Error()
			s.record(ctx, userID, detail)
		}
		return receipt, fmt.Errorf("funding_service: withdraw: %w", err)
	}

	s.logger.InfoContext(ctx, "withdrawal confirmed",
		slog.String("user_id", userID),
		slog.String("asset", string(req.Asset)),
		slog.String("tx_hash", receipt.TxHash),
	)
	s.record(ctx, userID, detail)
	return receipt, nil
}

// GasPrice reports the current network gas price.
func (s *FundingService) GasPrice(ctx context.Context) (domain.GasPrice, error) {
	gp, err := s.chain.GasPrice(ctx)
	if err != nil {
		return domain.GasPrice{}, fmt.Errorf("funding_service: gas price: %w", err)
	}
	return gp, nil
}

func (s *FundingService) record(ctx context.Context, userID string, detail map[string]any) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, domain.EventWithdrawal, userID, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	s.events.Emit(ctx, domain.ChannelWallets, domain.EventWithdrawal, userID, detail)
}
