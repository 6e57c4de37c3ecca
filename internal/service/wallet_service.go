package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

// SafeRelayer is the part of the relayer collaborator the wallet service
// needs.
type SafeRelayer interface {
	SafeAddress(ctx context.Context, privateKeyHex string) (polymarket.SafeInfo, error)
	DeploySafe(ctx context.Context, privateKeyHex, ownerAddress string) (polymarket.SafeInfo, error)
}

// WalletService is the key vault: it creates, imports and exports custodial
// keys and records external wallets. Plaintext keys exist only for the
// duration of a call.
type WalletService struct {
	wallets domain.WalletStore
	vault   *crypto.Vault
	relayer SafeRelayer
	audit   domain.AuditStore
	events  *Events
	logger  *slog.Logger
}

// NewWalletService creates a WalletService. relayer, audit and events may be
// nil.
func NewWalletService(
	wallets domain.WalletStore,
	vault *crypto.Vault,
	relayer SafeRelayer,
	audit domain.AuditStore,
	events *Events,
	logger *slog.Logger,
) *WalletService {
	return &WalletService{
		wallets: wallets,
		vault:   vault,
		relayer: relayer,
		audit:   audit,
		events:  events,
		logger:  logger.With(slog.String("component", "wallet_service")),
	}
}

// Create returns the user's custodial wallet, generating one when none
// exists. Repeated calls return the same wallet and never replace a stored
// key. A user whose active wallet is external gets a new generated wallet;
// the external record stays in history.
func (s *WalletService) Create(ctx context.Context, userID string) (domain.Wallet, error) {
	if err := checkUser(userID); err != nil {
		return domain.Wallet{}, err
	}

	cur, err := s.wallets.GetActive(ctx, userID)
	switch {
	case err == nil && cur.Kind.Custodial():
		return cur, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Wallet{}, fmt.Errorf("wallet_service: create: %w", err)
	}
	replacing := err == nil

	pk, err := crypto.GenerateKey()
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: create: %w", err)
	}
	w, err := s.sealKey(userID, pk, domain.WalletGenerated)
	if err != nil {
		return domain.Wallet{}, err
	}

	var created bool
	if replacing {
		w, err = s.wallets.Activate(ctx, w)
		created = err == nil
	} else {
		w, created, err = s.wallets.CreateIfAbsent(ctx, w)
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: create: %w", err)
	}
	if !created {
		// A concurrent request won; its wallet is the user's wallet.
		return w, nil
	}

	s.logger.InfoContext(ctx, "wallet created",
		slog.String("user_id", userID),
		slog.String("address", w.Address),
	)
	s.auditLog(ctx, domain.EventWalletCreated, userID, map[string]any{
		"address": w.Address,
		"kind":    string(w.Kind),
	})
	s.events.Emit(ctx, domain.ChannelWallets, domain.EventWalletCreated, userID, map[string]any{
		"address": w.Address,
		"kind":    string(w.Kind),
	})
	return w, nil
}

// Import stores rawKey as the user's active wallet. rawKey may carry
// surrounding whitespace and a 0x prefix.
func (s *WalletService) Import(ctx context.Context, userID, rawKey string) (domain.Wallet, error) {
	if err := checkUser(userID); err != nil {
		return domain.Wallet{}, err
	}
	pk, err := crypto.ParsePrivateKey(rawKey)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: import: %w", err)
	}
	address := crypto.AddressOf(pk).Hex()

	cur, err := s.wallets.GetActive(ctx, userID)
	if err == nil && cur.Kind.Custodial() && cur.Kind != domain.WalletRelayedSafe && cur.Address == address {
		return cur, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("wallet_service: import: %w", err)
	}

	w, err := s.sealKey(userID, pk, domain.WalletImported)
	if err != nil {
		return domain.Wallet{}, err
	}
	w, err = s.wallets.Activate(ctx, w)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: import: %w", err)
	}

	s.logger.InfoContext(ctx, "wallet imported",
		slog.String("user_id", userID),
		slog.String("address", w.Address),
	)
	s.auditLog(ctx, "wallet_imported", userID, map[string]any{"address": w.Address})
	return w, nil
}

// Export returns the hex private key of the user's custodial wallet. External
// wallets are refused before any stored data is looked at.
func (s *WalletService) Export(ctx context.Context, userID string) (string, error) {
	w, err := s.wallets.GetActive(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("wallet_service: export: %w", err)
	}
	if w.Kind == domain.WalletExternal {
		return "", fmt.Errorf("wallet_service: export: %w: wallet %s is external", domain.ErrForbidden, w.Address)
	}
	if !w.HasKey() {
		return "", fmt.Errorf("wallet_service: export: %w: no stored key", domain.ErrNotFound)
	}

	pk, err := s.openKey(w)
	if err != nil {
		return "", fmt.Errorf("wallet_service: export: %w", err)
	}

	s.logger.WarnContext(ctx, "sensitive: private key exported",
		slog.String("user_id", userID),
		slog.String("address", w.Address),
	)
	s.auditLog(ctx, domain.EventKeyExported, userID, map[string]any{"address": w.Address})
	s.events.Emit(ctx, domain.ChannelWallets, domain.EventKeyExported, userID, map[string]any{
		"address": w.Address,
	})
	return crypto.KeyHex(pk), nil
}

// ConnectExternal records an address the service holds no key for.
func (s *WalletService) ConnectExternal(ctx context.Context, userID, address string) (domain.Wallet, error) {
	if err := checkUser(userID); err != nil {
		return domain.Wallet{}, err
	}
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: connect external: %w", err)
	}

	cur, err := s.wallets.GetActive(ctx, userID)
	if err == nil && cur.Kind == domain.WalletExternal && cur.Address == addr.Hex() {
		return cur, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("wallet_service: connect external: %w", err)
	}

	w, err := s.wallets.Activate(ctx, domain.Wallet{
		UserID:  userID,
		Address: addr.Hex(),
		Kind:    domain.WalletExternal,
		Active:  true,
	})
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: connect external: %w", err)
	}
	s.auditLog(ctx, "wallet_connected", userID, map[string]any{"address": w.Address})
	return w, nil
}

// DeploySafe moves the user's custodial wallet behind a relayer-deployed Safe.
// The Safe becomes the active wallet; the owner key stays sealed with it.
func (s *WalletService) DeploySafe(ctx context.Context, userID string) (domain.Wallet, error) {
	pk, w, err := s.SigningKey(ctx, userID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: deploy safe: %w", err)
	}
	if w.Kind == domain.WalletRelayedSafe {
		return w, nil
	}
	if s.relayer == nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: deploy safe: %w: relayer not configured", domain.ErrFailed)
	}

	keyHex := crypto.KeyHex(pk)
	owner := crypto.AddressOf(pk).Hex()

	info, err := s.relayer.SafeAddress(ctx, keyHex)
	if err != nil || !info.Deployed {
		info, err = s.relayer.DeploySafe(ctx, keyHex, owner)
		if err != nil {
			return domain.Wallet{}, fmt.Errorf("wallet_service: deploy safe: %w", err)
		}
	}
	if !common.IsHexAddress(info.SafeAddress) {
		return domain.Wallet{}, fmt.Errorf("wallet_service: deploy safe: %w",
			&domain.ParseError{Source: "relayer", Field: "safeAddress", Err: fmt.Errorf("%q is not an address", info.SafeAddress)})
	}

	safe, err := s.wallets.Activate(ctx, domain.Wallet{
		UserID:       userID,
		Address:      common.HexToAddress(info.SafeAddress).Hex(),
		Kind:         domain.WalletRelayedSafe,
		OwnerAddress: owner,
		EncryptedKey: w.EncryptedKey,
		Active:       true,
	})
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: deploy safe: %w", err)
	}

	s.logger.InfoContext(ctx, "safe wallet activated",
		slog.String("user_id", userID),
		slog.String("safe", safe.Address),
		slog.String("owner", owner),
	)
	s.auditLog(ctx, "safe_deployed", userID, map[string]any{"safe": safe.Address, "owner": owner})
	return safe, nil
}

// Active returns the user's active wallet.
func (s *WalletService) Active(ctx context.Context, userID string) (domain.Wallet, error) {
	w, err := s.wallets.GetActive(ctx, userID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: active: %w", err)
	}
	return w, nil
}

// History returns every wallet the user has had, newest first.
func (s *WalletService) History(ctx context.Context, userID string) ([]domain.Wallet, error) {
	ws, err := s.wallets.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wallet_service: history: %w", err)
	}
	return ws, nil
}

// SigningKey decrypts the key of the user's active custodial wallet.
func (s *WalletService) SigningKey(ctx context.Context, userID string) (*ecdsa.PrivateKey, domain.Wallet, error) {
	w, err := s.wallets.GetActive(ctx, userID)
	if err != nil {
		return nil, domain.Wallet{}, err
	}
	if w.Kind == domain.WalletExternal {
		return nil, w, fmt.Errorf("%w: wallet %s is external", domain.ErrForbidden, w.Address)
	}
	if !w.HasKey() {
		return nil, w, fmt.Errorf("%w: no stored key", domain.ErrNotFound)
	}
	pk, err := s.openKey(w)
	if err != nil {
		return nil, w, err
	}
	return pk, w, nil
}

func (s *WalletService) sealKey(userID string, pk *ecdsa.PrivateKey, kind domain.WalletKind) (domain.Wallet, error) {
	sealed, err := s.vault.Seal(crypto.KeyBytes(pk), userID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet_service: seal key: %w", err)
	}
	return domain.Wallet{
		UserID:       userID,
		Address:      crypto.AddressOf(pk).Hex(),
		Kind:         kind,
		EncryptedKey: sealed,
		Active:       true,
	}, nil
}

// openKey decrypts w's key and checks it still derives the recorded signer.
func (s *WalletService) openKey(w domain.Wallet) (*ecdsa.PrivateKey, error) {
	plain, err := s.vault.Open(w.EncryptedKey, w.UserID)
	if err != nil {
		return nil, fmt.Errorf("open key: %w", err)
	}
	pk, err := crypto.KeyFromBytes(plain)
	clear(plain)
	if err != nil {
		return nil, fmt.Errorf("open key: %w", err)
	}
	if !strings.EqualFold(crypto.AddressOf(pk).Hex(), w.SignerAddress()) {
		return nil, fmt.Errorf("open key: stored key does not match address %s", w.SignerAddress())
	}
	return pk, nil
}

func (s *WalletService) auditLog(ctx context.Context, event, userID string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, userID, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidUser)
	}
	return nil
}
