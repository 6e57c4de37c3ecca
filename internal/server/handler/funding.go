package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/service"
)

// FundingService defines the balance and withdrawal operations.
type FundingService interface {
	Status(ctx context.Context, userID string) (service.FundingStatus, error)
	Withdraw(ctx context.Context, userID string, req service.WithdrawRequest) (domain.TxReceipt, error)
	GasPrice(ctx context.Context) (domain.GasPrice, error)
}

// ApprovalService defines the allowance operations.
type ApprovalService interface {
	CheckAllowance(ctx context.Context, userID string) (service.AllowanceStatus, error)
	Approve(ctx context.Context, userID string, req service.ApproveRequest) (domain.TxReceipt, error)
}

// FundingHandler serves balance, withdrawal, approval and gas endpoints.
type FundingHandler struct {
	funding   FundingService
	approvals ApprovalService
	logger    *slog.Logger
}

// NewFundingHandler creates a FundingHandler.
func NewFundingHandler(funding FundingService, approvals ApprovalService, logger *slog.Logger) *FundingHandler {
	return &FundingHandler{funding: funding, approvals: approvals, logger: logHandler(logger, "funding")}
}

// Status reports balances and funding recommendations.
// GET /api/users/{user}/funding
func (h *FundingHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.funding.Status(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "funding status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Withdraw sends funds out of a custodial wallet.
// POST /api/users/{user}/withdraw {"asset":"usdc","to":"0x...","amount":"5"}
func (h *FundingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req service.WithdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := h.funding.Withdraw(r.Context(), pathParam(r, "user"), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// GasPrice returns the current network gas price.
// GET /api/chain/gas
func (h *FundingHandler) GasPrice(w http.ResponseWriter, r *http.Request) {
	gp, err := h.funding.GasPrice(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "gas price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"wei":  gp.Wei.String(),
		"gwei": gp.Gwei.String(),
	})
}

// Allowance reports the exchange allowance.
// GET /api/users/{user}/approval
func (h *FundingHandler) Allowance(w http.ResponseWriter, r *http.Request) {
	st, err := h.approvals.CheckAllowance(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "check allowance", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Approve grants the exchange an allowance.
// POST /api/users/{user}/approval {"amount":"100"} or {"unlimited":true}
func (h *FundingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req service.ApproveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := h.approvals.Approve(r.Context(), pathParam(r, "user"), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
