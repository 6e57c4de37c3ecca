package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testExchange        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	testNegRiskExchange = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKeys struct {
	key    *ecdsa.PrivateKey
	wallet domain.Wallet
	err    error
}

func (k *fakeKeys) SigningKey(context.Context, string) (*ecdsa.PrivateKey, domain.Wallet, error) {
	if k.err != nil {
		return nil, domain.Wallet{}, k.err
	}
	return k.key, k.wallet, nil
}

type fakeBalances struct {
	mu        sync.Mutex
	stable    decimal.Decimal
	uncertain bool
	owners    []common.Address
}

func (b *fakeBalances) Snapshot(_ context.Context, owner common.Address) domain.BalanceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners = append(b.owners, owner)
	if b.uncertain {
		return domain.BalanceSnapshot{Address: owner.Hex(), Native: domain.UncertainZero(18), Stable: domain.UncertainZero(6)}
	}
	return domain.BalanceSnapshot{
		Address: owner.Hex(),
		Native:  domain.NewAmount(nil, 18),
		Stable:  domain.NewAmount(domain.ToBaseUnits(b.stable, 6), 6),
	}
}

func (b *fakeBalances) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.owners)
}

type fakeMarkets struct {
	mu      sync.Mutex
	market  domain.Market
	err     error
	queries []string
}

func (m *fakeMarkets) Resolve(_ context.Context, query string) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if m.err != nil {
		return domain.Market{}, m.err
	}
	return m.market, nil
}

func (m *fakeMarkets) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type fakeVenue struct {
	mu         sync.Mutex
	quote      float64
	quoteErr   error
	deriveErr  error
	postErr    error
	cancelErr  error
	orderID    string
	derives    int
	quotes     int
	posted     []polymarket.SignedOrder
	postedType domain.OrderType
	postedBy   string
	cancelled  []string
	afterPost  func()
}

func (v *fakeVenue) DeriveAPIKey(context.Context, *crypto.Signer) (*crypto.HMACAuth, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.derives++
	if v.deriveErr != nil {
		return nil, v.deriveErr
	}
	return &crypto.HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}, nil
}

func (v *fakeVenue) QuotePrice(context.Context, string, domain.OrderSide) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes++
	return v.quote, v.quoteErr
}

func (v *fakeVenue) PostOrder(_ context.Context, address string, _ *crypto.HMACAuth, order polymarket.SignedOrder, t domain.OrderType) (polymarket.APIOrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.afterPost != nil {
		defer v.afterPost()
	}
	v.posted = append(v.posted, order)
	v.postedType = t
	v.postedBy = address
	if v.postErr != nil {
		return polymarket.APIOrderResult{}, v.postErr
	}
	return polymarket.APIOrderResult{Success: true, OrderID: v.orderID, Status: "matched"}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _ string, _ *crypto.HMACAuth, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return v.cancelErr
}

func (v *fakeVenue) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.derives + v.quotes + len(v.posted) + len(v.cancelled)
}

type fakeRelayer struct {
	mu        sync.Mutex
	orders    []polymarket.RelayOrder
	cancelled []string
	orderID   string
	err       error
}

func (r *fakeRelayer) CreateOrder(_ context.Context, o polymarket.RelayOrder) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
	if r.err != nil {
		return "", r.err
	}
	return r.orderID, nil
}

func (r *fakeRelayer) CancelOrder(_ context.Context, _, _ string, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, orderID)
	return r.err
}

type memLedger struct {
	mu      sync.Mutex
	records []domain.TradeRecord
	closed  []string
	err     error
}

func (l *memLedger) Record(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return rec, fmt.Errorf("ledger: %w: %w", domain.ErrLedgerWriteFailed, err)
	}
	if l.err != nil {
		return rec, fmt.Errorf("ledger: %w: %w", domain.ErrLedgerWriteFailed, l.err)
	}
	rec.ID = fmt.Sprintf("t%d", len(l.records)+1)
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *memLedger) CloseByOrder(_ context.Context, _ string, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.OrderID == orderID {
			l.closed = append(l.closed, orderID)
			return nil
		}
	}
	return domain.ErrNotFound
}

type recEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *recEvents) Emit(_ context.Context, _ string, eventType, _ string, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

func (e *recEvents) has(eventType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type memArchive struct {
	mu     sync.Mutex
	paths  []string
	bodies [][]byte
}

func (a *memArchive) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
	a.bodies = append(a.bodies, b)
	return nil
}

type fakeLockManager struct {
	err      error
	acquired int
	released int
}

func (m *fakeLockManager) Acquire(context.Context, string, time.Duration) (func(), error) {
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	return func() { m.released++ }, nil
}

var errBoom = errors.New("boom")

type fixture struct {
	key      *ecdsa.PrivateKey
	keys     *fakeKeys
	balances *fakeBalances
	markets  *fakeMarkets
	venue    *fakeVenue
	relayer  *fakeRelayer
	ledger   *memLedger
	events   *recEvents
	archive  *memArchive
	exec     *Executor
}

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: "0xcond",
		Question:    "Will it happen?",
		TokenIDs:    [2]string{"111", "222"},
		Outcomes:    [2]string{"Yes", "No"},
		YesPrice:    0.68,
		NoPrice:     0.32,
		Liquidity:   50000,
		Active:      true,
		Tradable:    true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.ParsePrivateKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	f := &fixture{
		key: key,
		keys: &fakeKeys{key: key, wallet: domain.Wallet{
			ID:      1,
			UserID:  "u1",
			Address: crypto.AddressOf(key).Hex(),
			Kind:    domain.WalletGenerated,
			Active:  true,
		}},
		balances: &fakeBalances{stable: decimal.NewFromInt(50)},
		markets:  &fakeMarkets{market: testMarket()},
		venue:    &fakeVenue{quote: 0.70, orderID: "0xorder"},
		relayer:  &fakeRelayer{orderID: "0xrelayed"},
		ledger:   &memLedger{},
		events:   &recEvents{},
		archive:  &memArchive{},
	}
	f.exec = f.build(nil)
	return f
}

func (f *fixture) build(locks domain.LockManager) *Executor {
	return New(Deps{
		Keys:     f.keys,
		Balances: f.balances,
		Markets:  f.markets,
		Venue:    f.venue,
		Relayer:  f.relayer,
		Ledger:   f.ledger,
		Events:   f.events,
		Archive:  f.archive,
		Locks:    locks,
	}, Config{
		ChainID:         137,
		Exchange:        testExchange,
		NegRiskExchange: testNegRiskExchange,
		Pricing:         DefaultPricing(),
	}, testLogger())
}

func buyRequest() domain.TradeRequest {
	return domain.TradeRequest{
		UserID:  "u1",
		Query:   "Will it happen?",
		Outcome: domain.OutcomeYes,
		Side:    domain.OrderSideBuy,
		Amount:  decimal.NewFromInt(10),
		Source:  "api",
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
