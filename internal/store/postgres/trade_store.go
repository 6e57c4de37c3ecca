package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id::text, user_id, market_id, question, token_id, position, side,
	requested_amount, executed_price, executed_shares, COALESCE(order_id, ''),
	status, error, created_at, closed_at`

func scanTrade(row pgx.Row) (domain.TradeRecord, error) {
	var t domain.TradeRecord
	var position, side, status string
	err := row.Scan(
		&t.ID, &t.UserID, &t.MarketID, &t.Question, &t.TokenID, &position, &side,
		&t.RequestedAmount, &t.ExecutedPrice, &t.ExecutedShares, &t.OrderID,
		&status, &t.Error, &t.CreatedAt, &t.ClosedAt,
	)
	t.Position = domain.Outcome(position)
	t.Side = domain.OrderSide(side)
	t.Status = domain.TradeStatus(status)
	return t, err
}

// Insert writes rec. Open trades add their requested amount to user_volume in
// the same transaction.
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: insert trade begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID *string
	if rec.OrderID != "" {
		orderID = &rec.OrderID
	}

	const query = `
		INSERT INTO trades (
			id, user_id, market_id, question, token_id, position, side,
			requested_amount, executed_price, executed_shares, order_id,
			status, error, created_at
		) VALUES (
			$1::text::uuid, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)`
	if _, err := tx.Exec(ctx, query,
		rec.ID, rec.UserID, rec.MarketID, rec.Question, rec.TokenID,
		string(rec.Position), string(rec.Side),
		rec.RequestedAmount, rec.ExecutedPrice, rec.ExecutedShares, orderID,
		string(rec.Status), rec.Error, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", rec.ID, err)
	}

	if rec.Status == domain.TradeOpen {
		const upsert = `
			INSERT INTO user_volume (user_id, total_volume, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE
			SET total_volume = user_volume.total_volume + EXCLUDED.total_volume,
			    updated_at = NOW()`
		if _, err := tx.Exec(ctx, upsert, rec.UserID, rec.RequestedAmount); err != nil {
			return fmt.Errorf("postgres: update user volume %s: %w", rec.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: insert trade commit: %w", err)
	}
	return nil
}

// UpdateStatus changes a trade's status. Closing a trade stamps closed_at.
func (s *TradeStore) UpdateStatus(ctx context.Context, id string, status domain.TradeStatus) error {
	const query = `
		UPDATE trades
		SET status = $2,
		    closed_at = CASE WHEN $2 = 'closed' THEN NOW() ELSE closed_at END
		WHERE id = $1::text::uuid`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update trade status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns a single trade.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1::text::uuid`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// GetByOrderID returns the user's trade carrying the venue order id.
func (s *TradeStore) GetByOrderID(ctx context.Context, userID, orderID string) (domain.TradeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE user_id = $1 AND order_id = $2`, userID, orderID)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade by order %s: %w", orderID, err)
	}
	return t, nil
}

// ListByUser returns the user's trades with pagination and optional time
// filtering, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	sql, args := newListQuery(`SELECT `+tradeSelectCols+` FROM trades`).
		and("user_id", "=", userID).
		page(opts)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", userID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TradeRecord, error) {
		return scanTrade(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", userID, err)
	}
	return out, nil
}

// TotalVolume returns the user's aggregate filled volume in USDC.
func (s *TradeStore) TotalVolume(ctx context.Context, userID string) (float64, error) {
	var v float64
	err := s.pool.QueryRow(ctx,
		`SELECT total_volume::float8 FROM user_volume WHERE user_id = $1`, userID).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: total volume %s: %w", userID, err)
	}
	return v, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
