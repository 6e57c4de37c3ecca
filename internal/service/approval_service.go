package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// Chain is the subset of the chain gateway used by the service layer.
type Chain interface {
	Snapshot(ctx context.Context, owner common.Address) domain.BalanceSnapshot
	Allowance(ctx context.Context, owner, spender common.Address) (domain.Amount, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int, unlimited bool) (domain.TxReceipt, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, asset domain.Asset, to common.Address, amount *big.Int) (domain.TxReceipt, error)
	GasPrice(ctx context.Context) (domain.GasPrice, error)
}

// AllowanceStatus reports the stable-token allowance granted to the
// exchange.
type AllowanceStatus struct {
	Owner      string `json:"owner"`
	Spender    string `json:"spender"`
	Allowance  string `json:"allowance"`
	IsApproved bool   `json:"is_approved"`
}

// ApproveRequest asks for either a bounded amount (in USDC) or an unlimited
// approval. Exactly one must be chosen.
type ApproveRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Unlimited bool            `json:"unlimited"`
}

// ApprovalService grants the exchange contract a stable-token allowance.
type ApprovalService struct {
	wallets  *WalletService
	chain    Chain
	spender  common.Address
	decimals int32
	audit    domain.AuditStore
	events   *Events
	logger   *slog.Logger
}

// NewApprovalService creates an ApprovalService for the given exchange
// spender.
func NewApprovalService(
	wallets *WalletService,
	chain Chain,
	spender common.Address,
	decimals int32,
	audit domain.AuditStore,
	events *Events,
	logger *slog.Logger,
) *ApprovalService {
	return &ApprovalService{
		wallets:  wallets,
		chain:    chain,
		spender:  spender,
		decimals: decimals,
		audit:    audit,
		events:   events,
		logger:   logger.With(slog.String("component", "approval_service")),
	}
}

// CheckAllowance reads the current allowance of the user's active wallet.
func (s *ApprovalService) CheckAllowance(ctx context.Context, userID string) (AllowanceStatus, error) {
	w, err := s.wallets.Active(ctx, userID)
	if err != nil {
		return AllowanceStatus{}, fmt.Errorf("approval_service: check: %w", err)
	}
	owner := common.HexToAddress(w.Address)

	amt, err := s.chain.Allowance(ctx, owner, s.spender)
	if err != nil {
		return AllowanceStatus{}, fmt.Errorf("approval_service: check: %w", err)
	}
	return AllowanceStatus{
		Owner:      owner.Hex(),
		Spender:    s.spender.Hex(),
		Allowance:  amt.String(),
		IsApproved: amt.Raw != nil && amt.Raw.Sign() > 0,
	}, nil
}

// Approve sends an approve transaction from the user's custodial key. Safe
// wallets are approved by the relayer, not here.
func (s *ApprovalService) Approve(ctx context.Context, userID string, req ApproveRequest) (domain.TxReceipt, error) {
	if req.Unlimited == req.Amount.IsPositive() {
		return domain.TxReceipt{}, fmt.Errorf("approval_service: approve: %w: choose either a positive amount or unlimited", domain.ErrInvalidAmount)
	}

	key, w, err := s.wallets.SigningKey(ctx, userID)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("approval_service: approve: %w", err)
	}
	if w.Kind == domain.WalletRelayedSafe {
		return domain.TxReceipt{}, fmt.Errorf("approval_service: approve: %w: safe wallet allowances are managed by the relayer", domain.ErrForbidden)
	}

	var amount *big.Int
	if !req.Unlimited {
		amount = domain.ToBaseUnits(req.Amount, s.decimals)
	}

	receipt, err := s.chain.Approve(ctx, key, s.spender, amount, req.Unlimited)
	if err != nil {
		return receipt, fmt.Errorf("approval_service: approve: %w", err)
	}

	detail := map[string]any{
		"spender":   s.spender.Hex(),
		"unlimited": req.Unlimited,
		"amount":    req.Amount.String(),
		"tx_hash":   receipt.TxHash,
	}
	s.logger.InfoContext(ctx, "allowance approved",
		slog.String("user_id", userID),
		slog.String("tx_hash", receipt.TxHash),
		slog.Bool("unlimited", req.Unlimited),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, domain.EventApproval, userID, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	s.events.Emit(ctx, domain.ChannelWallets, domain.EventApproval, userID, detail)
	return receipt, nil
}
