package executor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

// KeySource opens the signing key of a user's active wallet. External wallets
// return domain.ErrForbidden.
type KeySource interface {
	SigningKey(ctx context.Context, userID string) (*ecdsa.PrivateKey, domain.Wallet, error)
}

// BalanceReader reads fresh balances. Failed reads come back as uncertain
// zeros rather than errors.
type BalanceReader interface {
	Snapshot(ctx context.Context, owner common.Address) domain.BalanceSnapshot
}

// MarketResolver turns a question or condition id into a tradable market.
type MarketResolver interface {
	Resolve(ctx context.Context, query string) (domain.Market, error)
}

// Venue is the CLOB surface used to price, place and cancel orders.
type Venue interface {
	DeriveAPIKey(ctx context.Context, signer *crypto.Signer) (*crypto.HMACAuth, error)
	QuotePrice(ctx context.Context, tokenID string, side domain.OrderSide) (float64, error)
	PostOrder(ctx context.Context, address string, creds *crypto.HMACAuth, order polymarket.SignedOrder, orderType domain.OrderType) (polymarket.APIOrderResult, error)
	CancelOrder(ctx context.Context, address string, creds *crypto.HMACAuth, orderID string) error
}

// SafeRelayer places and cancels orders for relayed Safe wallets.
type SafeRelayer interface {
	CreateOrder(ctx context.Context, order polymarket.RelayOrder) (string, error)
	CancelOrder(ctx context.Context, privateKeyHex, safeAddress, orderID string) error
}

// Ledger records submission attempts.
type Ledger interface {
	Record(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error)
	CloseByOrder(ctx context.Context, userID, orderID string) error
}

// Emitter publishes execution events.
type Emitter interface {
	Emit(ctx context.Context, channel, eventType, userID string, data map[string]any)
}

// Config holds execution parameters.
type Config struct {
	ChainID         int64
	Exchange        common.Address
	NegRiskExchange common.Address
	Pricing         Pricing
	FeeRateBps      int
	DedupTTL        time.Duration
	LockTTL         time.Duration
}

// Deps are the executor's collaborators. Relayer, Events, Archive and Locks
// may be nil.
type Deps struct {
	Keys     KeySource
	Balances BalanceReader
	Markets  MarketResolver
	Venue    Venue
	Relayer  SafeRelayer
	Ledger   Ledger
	Events   Emitter
	Archive  domain.BlobWriter
	Locks    domain.LockManager
}

// Executor runs trade requests through the order pipeline:
// balance gate, market resolution, credential derivation, pricing, signing,
// submission and result handling. Each request is synchronous; requests for
// the same user are mutually exclusive.
type Executor struct {
	deps   Deps
	cfg    Config
	dedup  *Dedup
	locks  *UserLocks
	logger *slog.Logger
	now    func() time.Time

	cleanupInterval time.Duration
}

// New creates an Executor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Pricing.MaxPrice.IsZero() {
		cfg.Pricing = DefaultPricing()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Executor{
		deps:            deps,
		cfg:             cfg,
		dedup:           NewDedup(cfg.DedupTTL),
		locks:           NewUserLocks(deps.Locks, cfg.LockTTL),
		logger:          logger.With(slog.String("component", "executor")),
		now:             time.Now,
		cleanupInterval: 30 * time.Second,
	}
}

// Run expires request ids until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dedup.Cleanup()
		}
	}
}

// attempt carries one request through the pipeline.
type attempt struct {
	req       domain.TradeRequest
	res       domain.ExecutionResult
	wallet    domain.Wallet
	quote     Quote
	order     any // the constructed order, without signature or key
	submitted bool
	log       *slog.Logger
}

// Execute runs req to a terminal state. The result is always populated; the
// error is the typed cause when the state is not Filled.
func (e *Executor) Execute(ctx context.Context, req domain.TradeRequest) (domain.ExecutionResult, error) {
	if req.Side == "" {
		req.Side = domain.OrderSideBuy
	}
	a := &attempt{
		req: req,
		res: domain.ExecutionResult{
			State:   domain.StateRequested,
			Outcome: req.Outcome,
			Side:    req.Side,
			Amount:  req.Amount,
		},
		log: e.logger.With(
			slog.String("user_id", req.UserID),
			slog.String("request_id", req.RequestID),
			slog.String("source", req.Source),
		),
	}

	if err := validateRequest(req); err != nil {
		return e.fail(ctx, a, domain.ClassValidation, err)
	}

	var dedupKey string
	if req.RequestID != "" {
		dedupKey = req.UserID + ":" + req.RequestID
		if e.dedup.IsDuplicate(dedupKey) {
			return e.fail(ctx, a, domain.ClassValidation,
				fmt.Errorf("executor: request %s: %w", req.RequestID, domain.ErrDuplicateRequest))
		}
	}

	res, err := e.execute(ctx, a)
	if dedupKey != "" && !a.submitted {
		e.dedup.Forget(dedupKey)
	}
	return res, err
}

func validateRequest(req domain.TradeRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("executor: %w", domain.ErrInvalidUser)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("executor: market query is empty: %w", domain.ErrInvalidQuery)
	}
	if req.Outcome != domain.OutcomeYes && req.Outcome != domain.OutcomeNo {
		return fmt.Errorf("executor: outcome %q: %w", req.Outcome, domain.ErrInvalidOrder)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return fmt.Errorf("executor: side %q: %w", req.Side, domain.ErrInvalidOrder)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("executor: amount %s: %w", req.Amount, domain.ErrInvalidAmount)
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, a *attempt) (domain.ExecutionResult, error) {
	req := a.req

	unlock, err := e.locks.TryLock(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return e.fail(ctx, a, domain.ClassBusy, fmt.Errorf("executor: trade in progress: %w", err))
		}
		return e.fail(ctx, a, domain.ClassTransport, err)
	}
	defer unlock()

	key, wallet, err := e.deps.Keys.SigningKey(ctx, req.UserID)
	if err != nil {
		class := domain.ClassUnexpected
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
			class = domain.ClassValidation
		}
		return e.fail(ctx, a, class, fmt.Errorf("executor: wallet: %w", err))
	}
	a.wallet = wallet
	a.log = a.log.With(slog.String("wallet", wallet.Address), slog.String("kind", string(wallet.Kind)))

	// Balance gate. Sells spend shares, which the venue checks itself.
	if req.Side == domain.OrderSideBuy {
		snap := e.deps.Balances.Snapshot(ctx, common.HexToAddress(wallet.Address))
		switch {
		case snap.Stable.Uncertain:
			return e.fail(ctx, a, domain.ClassFunds, &domain.InsufficientFundsError{
				Required:  req.Amount.String(),
				Uncertain: true,
			})
		case snap.Stable.Decimal().LessThan(req.Amount):
			return e.fail(ctx, a, domain.ClassFunds, &domain.InsufficientFundsError{
				Required:  req.Amount.String(),
				Available: snap.Stable.String(),
			})
		}
	}
	a.res.State = domain.StateBalanceChecked

	market, err := e.deps.Markets.Resolve(ctx, req.Query)
	if err != nil {
		return e.fail(ctx, a, domain.ClassMarket, fmt.Errorf("executor: resolve %q: %w", req.Query, err))
	}
	tokenID := market.TokenFor(req.Outcome)
	a.res.MarketID = market.ConditionID
	a.res.Question = market.Question
	a.res.TokenID = tokenID
	a.res.State = domain.StateMarketResolved

	relayed := wallet.Kind == domain.WalletRelayedSafe
	var (
		signer *crypto.Signer
		creds  *crypto.HMACAuth
	)
	if !relayed {
		signer = crypto.NewSigner(key, e.cfg.ChainID)
		creds, err = e.deps.Venue.DeriveAPIKey(ctx, signer)
		if err != nil {
			return e.fail(ctx, a, domain.ClassCredential, fmt.Errorf("executor: %w", err))
		}
	}
	a.res.State = domain.StateCredentialsDerived

	quoted, err := e.quote(ctx, market, tokenID, req)
	if err != nil {
		class := domain.ClassPricing
		if !errors.Is(err, domain.ErrInvalidOrder) {
			class = domain.ClassTransport
		}
		return e.fail(ctx, a, class, err)
	}
	q, err := e.cfg.Pricing.Price(quoted, req.Amount, req.Side)
	if err != nil {
		return e.fail(ctx, a, domain.ClassPricing, fmt.Errorf("executor: price: %w", err))
	}
	order := domain.OrderRequest{
		TokenID:    tokenID,
		Side:       req.Side,
		LimitPrice: q.Price,
		Size:       q.Shares,
		FeeRateBps: e.cfg.FeeRateBps,
	}
	if err := order.Validate(); err != nil {
		return e.fail(ctx, a, domain.ClassPricing, fmt.Errorf("executor: %w", err))
	}
	a.quote = q
	a.res.QuotedPrice = q.Quoted
	a.res.Price = q.Price
	a.res.Size = q.ReportedSize()
	a.res.State = domain.StatePriced

	if relayed {
		return e.submitRelayed(ctx, a, key, order)
	}
	return e.submitSigned(ctx, a, signer, creds, market, order)
}

// quote reads the best book price for the leg being taken, falling back to
// the market snapshot when the book is empty.
func (e *Executor) quote(ctx context.Context, market domain.Market, tokenID string, req domain.TradeRequest) (decimal.Decimal, error) {
	p, err := e.deps.Venue.QuotePrice(ctx, tokenID, req.Side)
	if err == nil && p > 0 {
		return decimal.NewFromFloat(p), nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("executor: quote %s: %w", tokenID, err)
	}
	if snap := market.PriceFor(req.Outcome); snap > 0 {
		return decimal.NewFromFloat(snap), nil
	}
	return decimal.Zero, fmt.Errorf("executor: no price for token %s: %w", tokenID, domain.ErrInvalidOrder)
}

// maxSalt keeps the salt inside the range a JSON number carries exactly.
var maxSalt = new(big.Int).Lsh(big.NewInt(1), 53)

func (e *Executor) buildPayload(maker common.Address, order domain.OrderRequest, q Quote) (crypto.OrderPayload, error) {
	salt, err := rand.Int(rand.Reader, maxSalt)
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("executor: salt: %w", err)
	}
	side := 0
	if order.Side == domain.OrderSideSell {
		side = 1
	}
	return crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         maker.Hex(),
		Signer:        maker.Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       order.TokenID,
		MakerAmount:   q.MakerAmount.String(),
		TakerAmount:   q.TakerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(order.FeeRateBps),
		Side:          side,
		SignatureType: crypto.SignatureEOA,
	}, nil
}

func (e *Executor) exchangeFor(market domain.Market) common.Address {
	if market.NegRisk && e.cfg.NegRiskExchange != (common.Address{}) {
		return e.cfg.NegRiskExchange
	}
	return e.cfg.Exchange
}

func (e *Executor) submitSigned(ctx context.Context, a *attempt, signer *crypto.Signer, creds *crypto.HMACAuth, market domain.Market, order domain.OrderRequest) (domain.ExecutionResult, error) {
	payload, err := e.buildPayload(signer.Address(), order, a.quote)
	if err != nil {
		return e.fail(ctx, a, domain.ClassSigning, err)
	}
	a.order = payload

	sig, err := signer.SignOrder(payload, e.exchangeFor(market))
	if err != nil {
		return e.fail(ctx, a, domain.ClassSigning, fmt.Errorf("executor: %w", err))
	}
	a.res.State = domain.StateSigned

	a.res.State = domain.StateSubmitted
	a.submitted = true
	result, err := e.deps.Venue.PostOrder(ctx, signer.Address().Hex(), creds,
		polymarket.SignedOrder{Payload: payload, Signature: sig}, domain.OrderTypeFOK)
	if err != nil {
		return e.submitFailed(ctx, a, err)
	}
	return e.filled(ctx, a, result.OrderID)
}

func (e *Executor) submitRelayed(ctx context.Context, a *attempt, key *ecdsa.PrivateKey, order domain.OrderRequest) (domain.ExecutionResult, error) {
	if e.deps.Relayer == nil {
		return e.fail(ctx, a, domain.ClassUnexpected,
			fmt.Errorf("executor: relayer not configured for safe wallet: %w", domain.ErrFailed))
	}
	ro := polymarket.RelayOrder{
		SafeAddress: a.wallet.Address,
		TokenID:     order.TokenID,
		Side:        string(order.Side),
		Price:       order.LimitPrice.String(),
		Size:        order.Size.String(),
	}
	a.order = ro
	ro.PrivateKey = crypto.KeyHex(key)
	a.res.State = domain.StateSigned

	a.res.State = domain.StateSubmitted
	a.submitted = true
	orderID, err := e.deps.Relayer.CreateOrder(ctx, ro)
	if err != nil {
		return e.submitFailed(ctx, a, err)
	}
	return e.filled(ctx, a, orderID)
}

func (e *Executor) submitFailed(ctx context.Context, a *attempt, err error) (domain.ExecutionResult, error) {
	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		a.res.State = domain.StateRejected
		a.res.ErrorClass = domain.ClassVenue
		a.res.Message = rejected.Message
		a.log.WarnContext(ctx, "order rejected",
			slog.String("market_id", a.res.MarketID),
			slog.String("reason", rejected.Message),
		)
		e.afterFailure(ctx, a, err)
		return a.res, err
	}
	return e.fail(ctx, a, domain.ClassTransport, fmt.Errorf("executor: submit: %w", err))
}

func (e *Executor) filled(ctx context.Context, a *attempt, orderID string) (domain.ExecutionResult, error) {
	a.res.State = domain.StateFilled
	a.res.OrderID = orderID

	ledgerCtx, cancel := detached(ctx)
	defer cancel()
	rec, err := e.deps.Ledger.Record(ledgerCtx, domain.TradeRecord{
		UserID:          a.req.UserID,
		MarketID:        a.res.MarketID,
		Question:        a.res.Question,
		TokenID:         a.res.TokenID,
		Position:        a.req.Outcome,
		Side:            a.req.Side,
		RequestedAmount: a.req.Amount,
		ExecutedPrice:   a.quote.Price,
		ExecutedShares:  a.quote.Shares,
		OrderID:         orderID,
		Status:          domain.TradeOpen,
	})
	if err != nil {
		a.res.LedgerWriteFailed = true
		a.log.WarnContext(ctx, "order filled but ledger write failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	} else {
		a.res.TradeID = rec.ID
	}

	a.log.InfoContext(ctx, "order filled",
		slog.String("order_id", orderID),
		slog.String("market_id", a.res.MarketID),
		slog.String("outcome", string(a.req.Outcome)),
		slog.String("price", a.res.Price.String()),
		slog.String("size", a.res.Size.String()),
	)
	e.emit(ctx, domain.EventTradeFilled, a)
	return a.res, nil
}

// fail moves the attempt to Failed with the given class.
func (e *Executor) fail(ctx context.Context, a *attempt, class domain.ErrorClass, err error) (domain.ExecutionResult, error) {
	a.res.State = domain.StateFailed
	a.res.ErrorClass = class
	a.res.Message = err.Error()

	switch class {
	case domain.ClassValidation, domain.ClassBusy, domain.ClassFunds, domain.ClassMarket:
		a.log.InfoContext(ctx, "trade not executed",
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)
	default:
		a.log.ErrorContext(ctx, "trade failed",
			slog.String("class", string(class)),
			slog.String("state", string(a.res.State)),
			slog.Any("order", a.order),
			slog.String("error", err.Error()),
		)
	}

	if class != domain.ClassValidation && class != domain.ClassBusy {
		e.afterFailure(ctx, a, err)
	}
	return a.res, err
}

// afterFailure writes the failed ledger row for submitted attempts, archives
// the constructed order and publishes the outcome.
func (e *Executor) afterFailure(ctx context.Context, a *attempt, cause error) {
	if a.submitted {
		ledgerCtx, cancel := detached(ctx)
		defer cancel()
		_, err := e.deps.Ledger.Record(ledgerCtx, domain.TradeRecord{
			UserID:          a.req.UserID,
			MarketID:        a.res.MarketID,
			Question:        a.res.Question,
			TokenID:         a.res.TokenID,
			Position:        a.req.Outcome,
			Side:            a.req.Side,
			RequestedAmount: a.req.Amount,
			ExecutedPrice:   a.quote.Price,
			Status:          domain.TradeFailed,
			Error:           a.res.Message,
		})
		if err != nil {
			a.res.LedgerWriteFailed = true
			a.log.WarnContext(ctx, "failed attempt not recorded", slog.String("error", err.Error()))
		}
	}
	if a.order != nil {
		e.archive(ctx, a, cause)
	}

	evt := domain.EventTradeFailed
	if a.res.State == domain.StateRejected {
		evt = domain.EventTradeRejected
	}
	e.emit(ctx, evt, a)
}

func (e *Executor) emit(ctx context.Context, eventType string, a *attempt) {
	if e.deps.Events == nil {
		return
	}
	data := map[string]any{
		"state":     string(a.res.State),
		"market_id": a.res.MarketID,
		"question":  a.res.Question,
		"outcome":   string(a.res.Outcome),
		"side":      string(a.res.Side),
		"amount":    a.res.Amount.String(),
		"price":     a.res.Price.String(),
		"size":      a.res.Size.String(),
	}
	if a.res.OrderID != "" {
		data["order_id"] = a.res.OrderID
	}
	if a.res.Message != "" {
		data["message"] = a.res.Message
		data["error_class"] = string(a.res.ErrorClass)
	}
	e.deps.Events.Emit(ctx, domain.ChannelTrades, eventType, a.req.UserID, data)
}

// postSubmitTimeout bounds bookkeeping that must outlive the caller once an
// order has reached the venue.
const postSubmitTimeout = 10 * time.Second

// detached keeps ctx's values but not its cancellation, so a client that
// disconnects mid-trade cannot drop the ledger row of a fill.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postSubmitTimeout)
}

type diagnostic struct {
	RequestID string                 `json:"request_id,omitempty"`
	UserID    string                 `json:"user_id"`
	Wallet    string                 `json:"wallet"`
	Order     any                    `json:"order"`
	Result    domain.ExecutionResult `json:"result"`
	Error     string                 `json:"error"`
	At        time.Time              `json:"at"`
}

// archive stores the constructed order of a failed attempt in object storage.
func (e *Executor) archive(ctx context.Context, a *attempt, cause error) {
	if e.deps.Archive == nil {
		return
	}
	at := e.now().UTC()
	body, err := json.Marshal(diagnostic{
		RequestID: a.req.RequestID,
		UserID:    a.req.UserID,
		Wallet:    a.wallet.Address,
		Order:     a.order,
		Result:    a.res,
		Error:     cause.Error(),
		At:        at,
	})
	if err != nil {
		a.log.WarnContext(ctx, "diagnostic marshal failed", slog.String("error", err.Error()))
		return
	}

	path := fmt.Sprintf("orders/%s/%s/%s.json", at.Format("2006/01/02"), a.req.UserID, uuid.NewString())
	putCtx, cancel := detached(ctx)
	defer cancel()
	if err := e.deps.Archive.Put(putCtx, path, bytes.NewReader(body), "application/json"); err != nil {
		a.log.WarnContext(ctx, "diagnostic upload failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Cancel cancels an open order and closes its ledger row. External wallets
// cannot cancel through the service.
func (e *Executor) Cancel(ctx context.Context, userID, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("executor: cancel: order id is empty: %w", domain.ErrInvalidOrder)
	}

	key, wallet, err := e.deps.Keys.SigningKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("executor: cancel %s: %w", orderID, err)
	}

	if wallet.Kind == domain.WalletRelayedSafe {
		if e.deps.Relayer == nil {
			return fmt.Errorf("executor: cancel %s: relayer not configured: %w", orderID, domain.ErrFailed)
		}
		err = e.deps.Relayer.CancelOrder(ctx, crypto.KeyHex(key), wallet.Address, orderID)
	} else {
		signer := crypto.NewSigner(key, e.cfg.ChainID)
		var creds *crypto.HMACAuth
		creds, err = e.deps.Venue.DeriveAPIKey(ctx, signer)
		if err == nil {
			err = e.deps.Venue.CancelOrder(ctx, signer.Address().Hex(), creds, orderID)
		}
	}
	if err != nil {
		return fmt.Errorf("executor: cancel %s: %w", orderID, err)
	}

	if err := e.deps.Ledger.CloseByOrder(ctx, userID, orderID); err != nil {
		e.logger.WarnContext(ctx, "cancelled order not closed in ledger",
			slog.String("user_id", userID),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "order cancelled",
		slog.String("user_id", userID),
		slog.String("order_id", orderID),
	)
	if e.deps.Events != nil {
		e.deps.Events.Emit(ctx, domain.ChannelTrades, domain.EventOrderCancelled, userID,
			map[string]any{"order_id": orderID})
	}
	return nil
}
