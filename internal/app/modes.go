package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/executor"
	"github.com/alanyoungcy/polywallet/internal/platform/chain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
	"github.com/alanyoungcy/polywallet/internal/server"
	"github.com/alanyoungcy/polywallet/internal/server/handler"
	"github.com/alanyoungcy/polywallet/internal/server/ws"
	"github.com/alanyoungcy/polywallet/internal/service"
)

const (
	httpShutdownTimeout    = 5 * time.Second
	sessionShutdownTimeout = 10 * time.Second
)

// services is the domain layer built on top of Dependencies.
type services struct {
	events    *service.Events
	wallets   *service.WalletService
	markets   *service.MarketService
	funding   *service.FundingService
	approvals *service.ApprovalService
	trades    *service.TradeService
	executor  *executor.Executor
	sessions  *executor.Registry
}

// newGateway builds the chain gateway from config. It is not connected.
func (a *App) newGateway() *chain.Gateway {
	c := a.cfg.Chain
	return chain.NewGateway(chain.Options{
		Endpoints:      c.RPCEndpoints,
		ProbeTimeout:   c.ProbeTimeout.Duration,
		CallTimeout:    c.CallTimeout.Duration,
		ConfirmTimeout: c.ConfirmTimeout.Duration,
		ChainID:        int64(a.cfg.Polymarket.ChainID),
		USDC:           common.HexToAddress(c.USDCAddress),
		USDCDecimals:   int32(c.USDCDecimals),
	}, a.logger)
}

// connectGateway picks an RPC endpoint. A gateway with no reachable endpoint
// stays degraded and retries lazily on the next read.
func (a *App) connectGateway(ctx context.Context, gw *chain.Gateway) {
	if err := gw.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "chain gateway degraded",
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "chain gateway connected",
		slog.String("endpoint", gw.Endpoint()),
	)
}

// buildServices wires the key vault, market resolver, funding flows, ledger,
// executor and session registry. sink may be nil.
func (a *App) buildServices(deps *Dependencies, gw *chain.Gateway, sink service.EventSink) (*services, error) {
	cfg := a.cfg

	vault, err := crypto.NewVaultFromSecret(cfg.Vault.Secret, cfg.Vault.SecretIsPassphrase, cfg.Vault.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("app: vault: %w", err)
	}

	var builder *crypto.HMACAuth
	if cfg.Builder.ApiKey != "" {
		builder = &crypto.HMACAuth{
			Key:        cfg.Builder.ApiKey,
			Secret:     cfg.Builder.ApiSecret,
			Passphrase: cfg.Builder.ApiPassphrase,
		}
	}
	httpTimeout := cfg.Polymarket.HTTPTimeout.Duration
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, httpTimeout, builder)
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, httpTimeout)

	var (
		walletRelayer service.SafeRelayer
		orderRelayer  executor.SafeRelayer
	)
	if strings.TrimSpace(cfg.Relayer.BaseURL) != "" {
		relayer, err := polymarket.NewRelayerClient(cfg.Relayer.BaseURL, cfg.Relayer.Timeout.Duration)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		walletRelayer = relayer
		orderRelayer = relayer
	}

	var notifier service.EventNotifier
	if deps.Notifier != nil {
		notifier = deps.Notifier
	}
	events := service.NewEvents(deps.EventBus, sink, notifier, a.logger)

	stableDecimals := int32(cfg.Chain.USDCDecimals)
	exchange := common.HexToAddress(cfg.Chain.ExchangeAddress)

	wallets := service.NewWalletService(deps.WalletStore, vault, walletRelayer, deps.AuditStore, events, a.logger)
	markets := service.NewMarketService(gamma, deps.MarketCache, service.MarketConfig{
		SearchPages:    cfg.Polymarket.SearchPages,
		SearchPageSize: cfg.Polymarket.SearchPageSize,
		CacheTTL:       cfg.Polymarket.SearchCacheTTL.Duration,
	}, a.logger)
	funding := service.NewFundingService(wallets, gw, stableDecimals, deps.AuditStore, events, a.logger)
	approvals := service.NewApprovalService(wallets, gw, exchange, stableDecimals, deps.AuditStore, events, a.logger)
	trades := service.NewTradeService(deps.TradeStore, a.logger)

	exec := executor.New(executor.Deps{
		Keys:     wallets,
		Balances: gw,
		Markets:  markets,
		Venue:    clob,
		Relayer:  orderRelayer,
		Ledger:   trades,
		Events:   events,
		Archive:  deps.BlobWriter,
		Locks:    deps.LockManager,
	}, executor.Config{
		ChainID:         int64(cfg.Polymarket.ChainID),
		Exchange:        exchange,
		NegRiskExchange: common.HexToAddress(cfg.Chain.NegRiskExchangeAddress),
		Pricing: executor.Pricing{
			Slippage: decimal.NewFromFloat(cfg.Trading.SlippagePct),
			MinPrice: decimal.NewFromFloat(cfg.Trading.MinPrice),
			MaxPrice: decimal.NewFromFloat(cfg.Trading.MaxPrice),
		},
		FeeRateBps: cfg.Trading.FeeRateBps,
		DedupTTL:   cfg.Trading.DedupTTL.Duration,
		LockTTL:    cfg.Trading.LockTTL.Duration,
	}, a.logger)

	scanner := executor.NewScanner(markets, exec, cfg.Scan.MarketLimit, a.logger)
	sessions := executor.NewRegistry(scanner, a.scanDefaults(), events, a.logger)

	return &services{
		events:    events,
		wallets:   wallets,
		markets:   markets,
		funding:   funding,
		approvals: approvals,
		trades:    trades,
		executor:  exec,
		sessions:  sessions,
	}, nil
}

func (a *App) scanDefaults() domain.ScanSettings {
	s := a.cfg.Scan
	return domain.ScanSettings{
		MinProbability: s.MinProbability,
		MinLiquidity:   s.MinLiquidity,
		PositionSize:   decimal.NewFromFloat(s.PositionSize),
		MaxDailyTrades: s.MaxDailyTrades,
		Interval:       s.Interval.Duration,
	}
}

// stopSessions stops every scan session with a fresh deadline, since the
// run context is already cancelled when this is called.
func (a *App) stopSessions(sessions *executor.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionShutdownTimeout)
	defer cancel()
	if err := sessions.StopAll(ctx); err != nil {
		a.logger.Warn("stop sessions", slog.String("error", err.Error()))
	}
}

// ServerMode runs the HTTP API, the WebSocket hub and the executor until ctx
// is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "server mode starting")

	gw := a.newGateway()
	defer gw.Close()
	a.connectGateway(ctx, gw)

	hub := ws.NewHub(deps.EventBus, a.cfg.Server.CORSOrigins, a.logger)
	svc, err := a.buildServices(deps, gw, hub)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.executor.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		a.stopSessions(svc.sessions)
		return nil
	})

	if a.cfg.Server.Enabled {
		g.Go(func() error { return hub.Run(ctx) })
		a.startHTTPServer(ctx, g, deps, gw, hub, svc)
	}

	return g.Wait()
}

// startHTTPServer adds the API server and its graceful shutdown to g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	gw *chain.Gateway,
	hub *ws.Hub,
	svc *services,
) {
	var archiver handler.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(gw, a.cfg.Mode, a.logger),
		Wallets:  handler.NewWalletHandler(svc.wallets, a.logger),
		Funding:  handler.NewFundingHandler(svc.funding, svc.approvals, a.logger),
		Markets:  handler.NewMarketHandler(svc.markets, a.logger),
		Trades:   handler.NewTradeHandler(svc.executor, svc.trades, archiver, a.logger),
		Sessions: handler.NewSessionHandler(svc.sessions, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   time.Minute,
		WriteTimeout: a.cfg.HTTPWriteTimeout(),
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// ScanMode starts a scan session for every configured user and keeps them
// running until ctx is cancelled.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	if len(a.cfg.Scan.Users) == 0 {
		return errors.New("app: scan mode needs at least one entry in scan.users")
	}
	a.logger.InfoContext(ctx, "scan mode starting", slog.Int("users", len(a.cfg.Scan.Users)))

	gw := a.newGateway()
	defer gw.Close()
	a.connectGateway(ctx, gw)

	svc, err := a.buildServices(deps, gw, nil)
	if err != nil {
		return err
	}

	started := 0
	for _, userID := range a.cfg.Scan.Users {
		info, err := svc.sessions.Start(ctx, userID, domain.ScanSettings{})
		if err != nil {
			a.logger.ErrorContext(ctx, "start scan session",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
		a.logger.InfoContext(ctx, "scan session started",
			slog.String("user_id", userID),
			slog.String("session_id", info.ID),
		)
	}
	if started == 0 {
		return errors.New("app: no scan session could be started")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.executor.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		a.stopSessions(svc.sessions)
		return nil
	})

	return g.Wait()
}

// ProbeMode connects to the chain, logs the active endpoint, block height and
// gas price, and exits.
func (a *App) ProbeMode(ctx context.Context) error {
	gw := a.newGateway()
	defer gw.Close()

	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("app: probe: %w", err)
	}

	height, err := gw.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("app: probe: %w", err)
	}
	gas, err := gw.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("app: probe: %w", err)
	}

	a.logger.InfoContext(ctx, "chain probe",
		slog.String("endpoint", gw.Endpoint()),
		slog.Uint64("block", height),
		slog.String("gas_gwei", gas.Gwei.String()),
	)
	return nil
}
