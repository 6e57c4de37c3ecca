package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL. A partial
// unique index keeps at most one active row per user.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

const walletSelectCols = `id, user_id, address, kind, owner_address, encrypted_key,
	active, created_at, updated_at`

func scanWallet(row pgx.Row) (domain.Wallet, error) {
	var w domain.Wallet
	var kind string
	err := row.Scan(
		&w.ID, &w.UserID, &w.Address, &kind, &w.OwnerAddress, &w.EncryptedKey,
		&w.Active, &w.CreatedAt, &w.UpdatedAt,
	)
	w.Kind = domain.WalletKind(kind)
	return w, err
}

// GetActive returns the user's active wallet.
func (s *WalletStore) GetActive(ctx context.Context, userID string) (domain.Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+walletSelectCols+` FROM wallets WHERE user_id = $1 AND active`, userID)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wallet{}, domain.ErrNotFound
		}
		return domain.Wallet{}, fmt.Errorf("postgres: get active wallet %s: %w", userID, err)
	}
	return w, nil
}

const insertWallet = `
	INSERT INTO wallets (user_id, address, kind, owner_address, encrypted_key, active)
	VALUES ($1, $2, $3, $4, $5, TRUE)`

// Activate deactivates the user's current wallet and inserts w as the active
// one in a single transaction.
func (s *WalletStore) Activate(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: activate wallet begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET active = FALSE, updated_at = NOW() WHERE user_id = $1 AND active`,
		w.UserID,
	); err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: deactivate wallet %s: %w", w.UserID, err)
	}

	row := tx.QueryRow(ctx, insertWallet+` RETURNING `+walletSelectCols,
		w.UserID, w.Address, string(w.Kind), w.OwnerAddress, w.EncryptedKey)
	out, err := scanWallet(row)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: insert wallet %s: %w", w.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: activate wallet commit: %w", err)
	}
	return out, nil
}

// CreateIfAbsent inserts w only when the user has no active wallet. The
// conflict on the partial index makes concurrent creates converge on one row.
func (s *WalletStore) CreateIfAbsent(ctx context.Context, w domain.Wallet) (domain.Wallet, bool, error) {
	row := s.pool.QueryRow(ctx,
		insertWallet+` ON CONFLICT (user_id) WHERE active DO NOTHING RETURNING `+walletSelectCols,
		w.UserID, w.Address, string(w.Kind), w.OwnerAddress, w.EncryptedKey)
	out, err := scanWallet(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, false, fmt.Errorf("postgres: create wallet %s: %w", w.UserID, err)
	}

	existing, err := s.GetActive(ctx, w.UserID)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	return existing, false, nil
}

// History returns every wallet the user has had, newest first.
func (s *WalletStore) History(ctx context.Context, userID string) ([]domain.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletSelectCols+` FROM wallets WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: wallet history %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan wallet: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: wallet history rows: %w", err)
	}
	return out, nil
}

var _ domain.WalletStore = (*WalletStore)(nil)
