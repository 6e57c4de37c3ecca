package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// WalletService defines the key vault operations the wallet handler needs.
type WalletService interface {
	Create(ctx context.Context, userID string) (domain.Wallet, error)
	Import(ctx context.Context, userID, rawKey string) (domain.Wallet, error)
	Export(ctx context.Context, userID string) (string, error)
	ConnectExternal(ctx context.Context, userID, address string) (domain.Wallet, error)
	DeploySafe(ctx context.Context, userID string) (domain.Wallet, error)
	Active(ctx context.Context, userID string) (domain.Wallet, error)
	History(ctx context.Context, userID string) ([]domain.Wallet, error)
}

// WalletHandler serves wallet custody endpoints.
type WalletHandler struct {
	wallets WalletService
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets WalletService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logHandler(logger, "wallet")}
}

type walletResponse struct {
	Wallet  domain.Wallet   `json:"wallet"`
	History []domain.Wallet `json:"history,omitempty"`
}

// Create generates a wallet for the user, or returns the existing one.
// POST /api/users/{user}/wallet
func (h *WalletHandler) Create(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallets.Create(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "create wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Wallet: wallet})
}

// Import stores a user-supplied private key as the active wallet.
// POST /api/users/{user}/wallet/import {"private_key": "0x..."}
func (h *WalletHandler) Import(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrivateKey string `json:"private_key"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	wallet, err := h.wallets.Import(r.Context(), pathParam(r, "user"), body.PrivateKey)
	if err != nil {
		writeDomainError(w, r, h.logger, "import wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{Wallet: wallet})
}

// ConnectExternal records a self-custodied address.
// POST /api/users/{user}/wallet/external {"address": "0x..."}
func (h *WalletHandler) ConnectExternal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	wallet, err := h.wallets.ConnectExternal(r.Context(), pathParam(r, "user"), body.Address)
	if err != nil {
		writeDomainError(w, r, h.logger, "connect wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{Wallet: wallet})
}

// Export returns the plaintext key of a custodial wallet.
// POST /api/users/{user}/wallet/export
func (h *WalletHandler) Export(w http.ResponseWriter, r *http.Request) {
	key, err := h.wallets.Export(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "export wallet", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"private_key": key})
}

// DeploySafe switches the user to a relayer-managed Safe.
// POST /api/users/{user}/wallet/safe
func (h *WalletHandler) DeploySafe(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallets.DeploySafe(r.Context(), pathParam(r, "user"))
	if err != nil {
		writeDomainError(w, r, h.logger, "deploy safe", err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{Wallet: wallet})
}

// Get returns the active wallet and, with ?history=true, every past one.
// GET /api/users/{user}/wallet
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user")
	wallet, err := h.wallets.Active(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, "get wallet", err)
		return
	}
	resp := walletResponse{Wallet: wallet}
	if r.URL.Query().Get("history") == "true" {
		resp.History, err = h.wallets.History(r.Context(), userID)
		if err != nil {
			writeDomainError(w, r, h.logger, "wallet history", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
