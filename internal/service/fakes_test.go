package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memWallets struct {
	mu     sync.Mutex
	rows   []domain.Wallet
	nextID int64
}

func (m *memWallets) GetActive(_ context.Context, userID string) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID && m.rows[i].Active {
			return m.rows[i], nil
		}
	}
	return domain.Wallet{}, domain.ErrNotFound
}

func (m *memWallets) insertLocked(w domain.Wallet) domain.Wallet {
	m.nextID++
	w.ID = m.nextID
	w.Active = true
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	m.rows = append(m.rows, w)
	return w
}

func (m *memWallets) Activate(_ context.Context, w domain.Wallet) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].UserID == w.UserID {
			m.rows[i].Active = false
		}
	}
	return m.insertLocked(w), nil
}

func (m *memWallets) CreateIfAbsent(_ context.Context, w domain.Wallet) (domain.Wallet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].UserID == w.UserID && m.rows[i].Active {
			return m.rows[i], false, nil
		}
	}
	return m.insertLocked(w), true, nil
}

func (m *memWallets) History(_ context.Context, userID string) ([]domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Wallet
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *memWallets) count(userID string) int {
	ws, _ := m.History(context.Background(), userID)
	return len(ws)
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event, userID string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+userID)
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if strings.HasPrefix(e, event+":") {
			return true
		}
	}
	return false
}

type fakeRelayer struct {
	deployed bool
	deploys  int
	safe     string
	err      error
}

func (r *fakeRelayer) SafeAddress(context.Context, string) (polymarket.SafeInfo, error) {
	if r.err != nil {
		return polymarket.SafeInfo{}, r.err
	}
	return polymarket.SafeInfo{SafeAddress: r.safe, Deployed: r.deployed}, nil
}

func (r *fakeRelayer) DeploySafe(context.Context, string, string) (polymarket.SafeInfo, error) {
	if r.err != nil {
		return polymarket.SafeInfo{}, r.err
	}
	r.deploys++
	r.deployed = true
	return polymarket.SafeInfo{SafeAddress: r.safe, Deployed: true}, nil
}

type approveCall struct {
	from      common.Address
	amount    *big.Int
	unlimited bool
}

type transferCall struct {
	asset  domain.Asset
	to     common.Address
	amount *big.Int
}

type fakeChain struct {
	native    map[common.Address]*big.Int
	stable    map[common.Address]*big.Int
	uncertain bool
	allowance *big.Int
	allowErr  error
	approves  []approveCall
	transfers []transferCall
	sendErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native: make(map[common.Address]*big.Int),
		stable: make(map[common.Address]*big.Int),
	}
}

func (c *fakeChain) Snapshot(_ context.Context, owner common.Address) domain.BalanceSnapshot {
	if c.uncertain {
		return domain.BalanceSnapshot{Address: owner.Hex(), Native: domain.UncertainZero(18), Stable: domain.UncertainZero(6)}
	}
	return domain.BalanceSnapshot{
		Address: owner.Hex(),
		Native:  domain.NewAmount(c.native[owner], 18),
		Stable:  domain.NewAmount(c.stable[owner], 6),
	}
}

func (c *fakeChain) Allowance(context.Context, common.Address, common.Address) (domain.Amount, error) {
	if c.allowErr != nil {
		return domain.Amount{}, c.allowErr
	}
	return domain.NewAmount(c.allowance, 6), nil
}

func (c *fakeChain) Approve(_ context.Context, key *ecdsa.PrivateKey, _ common.Address, amount *big.Int, unlimited bool) (domain.TxReceipt, error) {
	if c.sendErr != nil {
		return domain.TxReceipt{}, c.sendErr
	}
	c.approves = append(c.approves, approveCall{from: addrOf(key), amount: amount, unlimited: unlimited})
	return domain.TxReceipt{TxHash: "0xapprove", Status: 1}, nil
}

func (c *fakeChain) Transfer(_ context.Context, _ *ecdsa.PrivateKey, asset domain.Asset, to common.Address, amount *big.Int) (domain.TxReceipt, error) {
	var pending *domain.PendingError
	if errors.As(c.sendErr, &pending) {
		return domain.TxReceipt{TxHash: pending.TxHash}, c.sendErr
	}
	if c.sendErr != nil {
		return domain.TxReceipt{}, c.sendErr
	}
	c.transfers = append(c.transfers, transferCall{asset: asset, to: to, amount: amount})
	return domain.TxReceipt{TxHash: "0xtransfer", Status: 1}, nil
}

func (c *fakeChain) GasPrice(context.Context) (domain.GasPrice, error) {
	return domain.GasPrice{Wei: big.NewInt(30_000_000_000)}, nil
}

type memTrades struct {
	mu     sync.Mutex
	rows   []domain.TradeRecord
	volume map[string]float64
	err    error
}

func (m *memTrades) Insert(_ context.Context, rec domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, rec)
	if rec.Status == domain.TradeOpen {
		if m.volume == nil {
			m.volume = make(map[string]float64)
		}
		m.volume[rec.UserID] += rec.RequestedAmount.InexactFloat64()
	}
	return nil
}

func (m *memTrades) UpdateStatus(_ context.Context, id string, status domain.TradeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memTrades) GetByID(_ context.Context, id string) (domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.TradeRecord{}, domain.ErrNotFound
}

func (m *memTrades) GetByOrderID(_ context.Context, userID, orderID string) (domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.UserID == userID && r.OrderID == orderID {
			return r, nil
		}
	}
	return domain.TradeRecord{}, domain.ErrNotFound
}

func (m *memTrades) ListByUser(_ context.Context, userID string, _ domain.ListOpts) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range m.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTrades) TotalVolume(_ context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume[userID], nil
}

type memMarketCache struct {
	mu    sync.Mutex
	lists map[string][]domain.Market
}

func (c *memMarketCache) SetList(_ context.Context, key string, ms []domain.Market, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lists == nil {
		c.lists = make(map[string][]domain.Market)
	}
	c.lists[key] = ms
	return nil
}

func (c *memMarketCache) GetList(_ context.Context, key string) ([]domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.lists[key]; ok {
		return ms, nil
	}
	return nil, domain.ErrNotFound
}

func (c *memMarketCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, key)
	return nil
}
