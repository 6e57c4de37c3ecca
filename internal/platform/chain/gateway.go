// Package chain is the multi-endpoint JSON-RPC gateway to the settlement
// chain. It probes an ordered endpoint list, fails reads over to the next
// healthy node, and signs and broadcasts native and ERC-20 transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// nativeDecimals is the precision of the chain's gas token.
const nativeDecimals = 18

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer opens a Backend for one endpoint URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Gateway.
type Options struct {
	Endpoints      []string
	Dial           Dialer
	ProbeTimeout   time.Duration
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	// PollInterval is how often a pending receipt is re-queried.
	PollInterval time.Duration
	ChainID      int64
	USDC         common.Address
	USDCDecimals int32
}

// Gateway is safe for concurrent use. Reads fail over across the endpoint
// list; writes are sent once to the active endpoint and never retried.
type Gateway struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	active    Backend
	activeURL string

	decMu    sync.Mutex
	decimals map[common.Address]int32
}

// NewGateway creates a Gateway in the disconnected state. Call Connect (or
// any read, which connects lazily) to pick an endpoint.
func NewGateway(opts Options, logger *slog.Logger) *Gateway {
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	decimals := make(map[common.Address]int32)
	if opts.USDC != (common.Address{}) && opts.USDCDecimals > 0 {
		decimals[opts.USDC] = opts.USDCDecimals
	}
	return &Gateway{
		opts:     opts,
		logger:   logger.With(slog.String("component", "chain")),
		decimals: decimals,
	}
}

// Connect walks the endpoint list in order and adopts the first one that
// returns a block height within the probe timeout. When none respond the
// gateway stays degraded and the error wraps domain.ErrUnreachable.
func (g *Gateway) Connect(ctx context.Context) error {
	_, cur := g.current()
	return g.selectEndpoint(ctx, cur, "")
}

// Endpoint returns the URL of the active endpoint, or "" when degraded.
func (g *Gateway) Endpoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.activeURL
}

// Healthy reports whether an endpoint is currently adopted.
func (g *Gateway) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active != nil
}

// Close releases the active backend.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		g.active.Close()
		g.active = nil
		g.activeURL = ""
	}
}

// USDC returns the configured stable-token contract.
func (g *Gateway) USDC() common.Address { return g.opts.USDC }

// selectEndpoint probes every endpoint except skip, in order. The result is
// only installed while the active endpoint is still expect; a caller that
// loses that race keeps whatever the winner installed.
func (g *Gateway) selectEndpoint(ctx context.Context, expect, skip string) error {
	var lastErr error
	for _, url := range g.opts.Endpoints {
		if url == skip {
			continue
		}
		b, height, err := g.probe(ctx, url)
		if err != nil {
			lastErr = err
			g.logger.WarnContext(ctx, "rpc endpoint unavailable",
				slog.String("endpoint", url),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if g.adopt(expect, b, url) {
			g.logger.InfoContext(ctx, "rpc endpoint selected",
				slog.String("endpoint", url),
				slog.Uint64("block", height),
			)
		}
		return nil
	}

	if !g.adopt(expect, nil, "") && g.Healthy() {
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return fmt.Errorf("chain: connect: %w: %v", domain.ErrUnreachable, lastErr)
}

// adopt swaps in b if the active endpoint is still expect and closes the
// backend it replaces. When the swap loses, b is closed instead.
func (g *Gateway) adopt(expect string, b Backend, url string) bool {
	g.mu.Lock()
	if g.activeURL != expect {
		stale := b != nil && b != g.active
		g.mu.Unlock()
		if stale {
			b.Close()
		}
		return false
	}
	old := g.active
	g.active, g.activeURL = b, url
	g.mu.Unlock()
	if old != nil && old != b {
		old.Close()
	}
	return true
}

func (g *Gateway) probe(ctx context.Context, url string) (Backend, uint64, error) {
	pctx, cancel := context.WithTimeout(ctx, g.opts.ProbeTimeout)
	defer cancel()

	b, err := g.opts.Dial(pctx, url)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", url, err)
	}
	height, err := b.BlockNumber(pctx)
	if err != nil {
		b.Close()
		return nil, 0, fmt.Errorf("probe %s: %w", url, err)
	}
	return b, height, nil
}

func (g *Gateway) current() (Backend, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active, g.activeURL
}

// backend returns the active backend, connecting lazily.
func (g *Gateway) backend(ctx context.Context) (Backend, string, error) {
	if b, url := g.current(); b != nil {
		return b, url, nil
	}
	if err := g.selectEndpoint(ctx, "", ""); err != nil {
		return nil, "", err
	}
	b, url := g.current()
	if b == nil {
		return nil, "", fmt.Errorf("chain: %w", domain.ErrUnreachable)
	}
	return b, url, nil
}

// read runs fn against the active endpoint. On failure it performs one
// failover pass over the remaining endpoints and retries there.
func (g *Gateway) read(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	b, url, err := g.backend(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	err = fn(cctx, b)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("chain: %s: %w", op, ctx.Err())
	}

	g.logger.WarnContext(ctx, "rpc read failed, failing over",
		slog.String("op", op),
		slog.String("endpoint", url),
		slog.String("error", err.Error()),
	)
	if ferr := g.selectEndpoint(ctx, url, url); ferr != nil {
		return fmt.Errorf("chain: %s: %w", op, ferr)
	}

	b, _ = g.current()
	if b == nil {
		return fmt.Errorf("chain: %s: %w", op, domain.ErrUnreachable)
	}
	cctx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()
	if err := fn(cctx, b); err != nil {
		return fmt.Errorf("chain: %s: %w", op, err)
	}
	return nil
}

// BlockNumber returns the current height of the active endpoint.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := g.read(ctx, "block number", func(ctx context.Context, b Backend) error {
		var err error
		height, err = b.BlockNumber(ctx)
		return err
	})
	return height, err
}

// NativeBalance never fails: a query error yields a zero marked Uncertain.
func (g *Gateway) NativeBalance(ctx context.Context, owner common.Address) domain.Amount {
	var bal *big.Int
	err := g.read(ctx, "native balance", func(ctx context.Context, b Backend) error {
		var err error
		bal, err = b.BalanceAt(ctx, owner, nil)
		return err
	})
	if err != nil {
		g.logger.WarnContext(ctx, "native balance unavailable",
			slog.String("address", owner.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.UncertainZero(nativeDecimals)
	}
	return domain.NewAmount(bal, nativeDecimals)
}

// TokenBalance never fails: a query error yields a zero marked Uncertain.
func (g *Gateway) TokenBalance(ctx context.Context, owner, token common.Address) domain.Amount {
	dec, err := g.tokenDecimals(ctx, token)
	if err != nil {
		g.logger.WarnContext(ctx, "token decimals unavailable",
			slog.String("token", token.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.UncertainZero(g.fallbackDecimals(token))
	}

	bal, err := g.callUint256(ctx, "token balance", token, "balanceOf", func() ([]byte, error) {
		return packBalanceOf(owner)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "token balance unavailable",
			slog.String("address", owner.Hex()),
			slog.String("token", token.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.UncertainZero(dec)
	}
	return domain.NewAmount(bal, dec)
}

// Snapshot fetches native and stable balances for address.
func (g *Gateway) Snapshot(ctx context.Context, owner common.Address) domain.BalanceSnapshot {
	return domain.BalanceSnapshot{
		Address: owner.Hex(),
		Native:  g.NativeBalance(ctx, owner),
		Stable:  g.TokenBalance(ctx, owner, g.opts.USDC),
	}
}

// Allowance returns how much of the stable token spender may move for owner.
func (g *Gateway) Allowance(ctx context.Context, owner, spender common.Address) (domain.Amount, error) {
	dec, err := g.tokenDecimals(ctx, g.opts.USDC)
	if err != nil {
		return domain.UncertainZero(g.opts.USDCDecimals), err
	}
	v, err := g.callUint256(ctx, "allowance", g.opts.USDC, "allowance", func() ([]byte, error) {
		return packAllowance(owner, spender)
	})
	if err != nil {
		return domain.UncertainZero(dec), err
	}
	return domain.NewAmount(v, dec), nil
}

// GasPrice returns the node's suggested gas price.
func (g *Gateway) GasPrice(ctx context.Context) (domain.GasPrice, error) {
	var wei *big.Int
	err := g.read(ctx, "gas price", func(ctx context.Context, b Backend) error {
		var err error
		wei, err = b.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return domain.GasPrice{}, err
	}
	return domain.GasPrice{Wei: wei, Gwei: decimal.NewFromBigInt(wei, -9)}, nil
}

// fallbackDecimals is the precision reported for a token whose decimals
// could not be read.
func (g *Gateway) fallbackDecimals(token common.Address) int32 {
	if token == g.opts.USDC && g.opts.USDCDecimals > 0 {
		return g.opts.USDCDecimals
	}
	return nativeDecimals
}

func (g *Gateway) tokenDecimals(ctx context.Context, token common.Address) (int32, error) {
	g.decMu.Lock()
	dec, ok := g.decimals[token]
	g.decMu.Unlock()
	if ok {
		return dec, nil
	}

	data, err := packDecimals()
	if err != nil {
		return 0, fmt.Errorf("chain: pack decimals: %w", err)
	}
	var out []byte
	err = g.read(ctx, "decimals", func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	dec, err = unpackDecimals(out)
	if err != nil {
		return 0, fmt.Errorf("chain: %w", &domain.ParseError{Source: "erc20", Field: "decimals", Err: err})
	}

	g.decMu.Lock()
	g.decimals[token] = dec
	g.decMu.Unlock()
	return dec, nil
}

func (g *Gateway) callUint256(ctx context.Context, op string, to common.Address, method string, pack func() ([]byte, error)) (*big.Int, error) {
	data, err := pack()
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	var out []byte
	err = g.read(ctx, op, func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	v, err := unpackUint256(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", &domain.ParseError{Source: "erc20", Field: method, Err: err})
	}
	return v, nil
}
