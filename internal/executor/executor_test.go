package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

func TestExecuteBuyFills(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != domain.StateFilled || !res.Filled() {
		t.Fatalf("state = %s, want filled", res.State)
	}
	if res.OrderID != "0xorder" || res.TradeID != "t1" {
		t.Errorf("order id = %q, trade id = %q", res.OrderID, res.TradeID)
	}
	if !res.QuotedPrice.Equal(dec("0.7")) || !res.Price.Equal(dec("0.735")) {
		t.Errorf("quoted %s, price %s; want 0.7, 0.735", res.QuotedPrice, res.Price)
	}
	if !res.Size.Equal(dec("13.61")) {
		t.Errorf("size = %s, want 13.61", res.Size)
	}
	if res.MarketID != "0xcond" || res.TokenID != "111" || res.LedgerWriteFailed {
		t.Errorf("result = %+v", res)
	}

	if len(f.venue.posted) != 1 {
		t.Fatalf("posted %d orders, want 1", len(f.venue.posted))
	}
	order := f.venue.posted[0]
	p := order.Payload
	addr := f.keys.wallet.Address
	if p.Maker != addr || p.Signer != addr || f.venue.postedBy != addr {
		t.Errorf("maker/signer = %s/%s, want %s", p.Maker, p.Signer, addr)
	}
	if p.MakerAmount != "10000000" || p.TakerAmount != "13605400" {
		t.Errorf("amounts = %s/%s, want 10000000/13605400", p.MakerAmount, p.TakerAmount)
	}
	if p.TokenID != "111" || p.Side != 0 || p.SignatureType != 0 || p.Expiration != "0" {
		t.Errorf("payload = %+v", p)
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 132 {
		t.Errorf("signature = %q", order.Signature)
	}
	if f.venue.postedType != domain.OrderTypeFOK {
		t.Errorf("order type = %s, want FOK", f.venue.postedType)
	}

	if len(f.ledger.records) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(f.ledger.records))
	}
	rec := f.ledger.records[0]
	if rec.Status != domain.TradeOpen || rec.OrderID != "0xorder" || rec.Position != domain.OutcomeYes {
		t.Errorf("record = %+v", rec)
	}
	if !rec.ExecutedShares.Equal(dec("13.6054")) || !rec.RequestedAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("shares %s, amount %s", rec.ExecutedShares, rec.RequestedAmount)
	}
	if !f.events.has(domain.EventTradeFilled) {
		t.Error("trade_filled not published")
	}
	if len(f.archive.paths) != 0 {
		t.Error("filled order was archived")
	}
}

func TestExecuteInsufficientFundsMakesNoFurtherCalls(t *testing.T) {
	f := newFixture(t)
	f.balances.stable = dec("5")

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	var fundsErr *domain.InsufficientFundsError
	if !errors.As(err, &fundsErr) || fundsErr.Available != "5" || fundsErr.Required != "10" {
		t.Fatalf("err = %#v", err)
	}
	if res.State != domain.StateFailed || res.ErrorClass != domain.ClassFunds {
		t.Errorf("result = %+v", res)
	}
	if f.balances.calls() != 1 {
		t.Errorf("balance reads = %d, want 1", f.balances.calls())
	}
	if f.markets.calls() != 0 || f.venue.calls() != 0 || len(f.relayer.orders) != 0 {
		t.Errorf("outbound calls after gate: markets=%d venue=%d", f.markets.calls(), f.venue.calls())
	}
	if len(f.ledger.records) != 0 {
		t.Error("pre-submission failure was recorded")
	}
}

func TestExecuteUncertainBalanceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.balances.uncertain = true

	_, err := f.exec.Execute(context.Background(), buyRequest())
	var fundsErr *domain.InsufficientFundsError
	if !errors.As(err, &fundsErr) || !fundsErr.Uncertain {
		t.Fatalf("err = %v, want uncertain InsufficientFundsError", err)
	}
	if f.markets.calls() != 0 {
		t.Error("market resolved despite unverified balance")
	}
}

func TestExecuteVenueRejection(t *testing.T) {
	f := newFixture(t)
	f.venue.postErr = &domain.RejectedError{Message: "not enough liquidity to fill"}

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if res.State != domain.StateRejected || res.ErrorClass != domain.ClassVenue {
		t.Fatalf("result = %+v", res)
	}
	if res.Message != "not enough liquidity to fill" {
		t.Errorf("message = %q", res.Message)
	}
	if len(f.ledger.records) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(f.ledger.records))
	}
	if rec := f.ledger.records[0]; rec.Status != domain.TradeFailed || rec.OrderID != "" || rec.Error == "" {
		t.Errorf("failed record = %+v", rec)
	}
	if !f.events.has(domain.EventTradeRejected) {
		t.Error("trade_rejected not published")
	}
	if len(f.archive.paths) != 1 || !strings.HasPrefix(f.archive.paths[0], "orders/") {
		t.Fatalf("archive = %v", f.archive.paths)
	}
}

func TestExecuteTransportFailureArchivesOrder(t *testing.T) {
	f := newFixture(t)
	f.venue.postErr = errBoom

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if !errors.Is(err, errBoom) || errors.Is(err, domain.ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	if res.State != domain.StateFailed || res.ErrorClass != domain.ClassTransport {
		t.Fatalf("result = %+v", res)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].Status != domain.TradeFailed {
		t.Fatalf("ledger = %+v", f.ledger.records)
	}
	if !f.events.has(domain.EventTradeFailed) {
		t.Error("trade_failed not published")
	}

	if len(f.archive.bodies) != 1 {
		t.Fatalf("archived %d objects, want 1", len(f.archive.bodies))
	}
	var diag struct {
		UserID string         `json:"user_id"`
		Order  map[string]any `json:"order"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal(f.archive.bodies[0], &diag); err != nil {
		t.Fatalf("diagnostic is not JSON: %v", err)
	}
	if diag.UserID != "u1" || diag.Order["makerAmount"] != "10000000" || !strings.Contains(diag.Error, "boom") {
		t.Errorf("diagnostic = %+v", diag)
	}
	if _, ok := diag.Order["signature"]; ok {
		t.Error("signature archived")
	}
}

func TestExecuteFailuresBeforeSubmission(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		wantErr   error
		wantClass domain.ErrorClass
	}{
		{
			name:      "no wallet",
			setup:     func(f *fixture) { f.keys.err = domain.ErrNotFound },
			wantErr:   domain.ErrNotFound,
			wantClass: domain.ClassValidation,
		},
		{
			name:      "external wallet",
			setup:     func(f *fixture) { f.keys.err = domain.ErrForbidden },
			wantErr:   domain.ErrForbidden,
			wantClass: domain.ClassValidation,
		},
		{
			name:      "market not found",
			setup:     func(f *fixture) { f.markets.err = domain.ErrMarketNotFound },
			wantErr:   domain.ErrMarketNotFound,
			wantClass: domain.ClassMarket,
		},
		{
			name:      "credentials",
			setup:     func(f *fixture) { f.venue.deriveErr = domain.ErrCredentialDerivation },
			wantErr:   domain.ErrCredentialDerivation,
			wantClass: domain.ClassCredential,
		},
		{
			name:      "book unreachable",
			setup:     func(f *fixture) { f.venue.quoteErr = errBoom },
			wantErr:   errBoom,
			wantClass: domain.ClassTransport,
		},
		{
			name: "no price at all",
			setup: func(f *fixture) {
				f.venue.quoteErr = domain.ErrNotFound
				f.markets.market.YesPrice = 0
			},
			wantErr:   domain.ErrInvalidOrder,
			wantClass: domain.ClassPricing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			res, err := f.exec.Execute(context.Background(), buyRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if res.State != domain.StateFailed || res.ErrorClass != tt.wantClass {
				t.Errorf("state %s class %s, want failed %s", res.State, res.ErrorClass, tt.wantClass)
			}
			if len(f.venue.posted) != 0 || len(f.ledger.records) != 0 {
				t.Errorf("posted %d, recorded %d; want nothing", len(f.venue.posted), len(f.ledger.records))
			}
		})
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	tests := []struct {
		name string
		mod  func(r *domain.TradeRequest)
		want error
	}{
		{"empty user", func(r *domain.TradeRequest) { r.UserID = "" }, domain.ErrInvalidUser},
		{"empty query", func(r *domain.TradeRequest) { r.Query = " " }, domain.ErrInvalidQuery},
		{"bad outcome", func(r *domain.TradeRequest) { r.Outcome = "MAYBE" }, domain.ErrInvalidOrder},
		{"zero amount", func(r *domain.TradeRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidAmount},
		{"negative amount", func(r *domain.TradeRequest) { r.Amount = dec("-1") }, domain.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := buyRequest()
			tt.mod(&req)
			res, err := f.exec.Execute(context.Background(), req)
			if !errors.Is(err, tt.want) || res.ErrorClass != domain.ClassValidation {
				t.Fatalf("err = %v class %s, want %v", err, res.ErrorClass, tt.want)
			}
			if f.balances.calls() != 0 {
				t.Error("invalid request read balances")
			}
		})
	}
}

func TestExecuteDefaultsToBuy(t *testing.T) {
	f := newFixture(t)
	req := buyRequest()
	req.Side = ""

	res, err := f.exec.Execute(context.Background(), req)
	if err != nil || res.Side != domain.OrderSideBuy {
		t.Fatalf("side = %s, err = %v", res.Side, err)
	}
}

func TestExecuteNoOutcomeUsesSecondToken(t *testing.T) {
	f := newFixture(t)
	f.venue.quote = 0.30
	req := buyRequest()
	req.Outcome = domain.OutcomeNo

	res, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.TokenID != "222" || f.venue.posted[0].Payload.TokenID != "222" {
		t.Errorf("token = %s, want 222", res.TokenID)
	}
	if !res.Price.Equal(dec("0.315")) {
		t.Errorf("price = %s, want 0.315", res.Price)
	}
}

func TestExecuteFallsBackToSnapshotPrice(t *testing.T) {
	f := newFixture(t)
	f.venue.quoteErr = domain.ErrNotFound
	f.markets.market.YesPrice = 0.60

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Price.Equal(dec("0.63")) {
		t.Errorf("price = %s, want 0.63", res.Price)
	}
}

func TestExecuteSellSkipsBalanceGate(t *testing.T) {
	f := newFixture(t)
	f.balances.stable = decimal.Zero
	f.venue.quote = 0.50
	req := buyRequest()
	req.Side = domain.OrderSideSell

	res, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.balances.calls() != 0 {
		t.Error("sell read the stable balance")
	}
	if !res.Price.Equal(dec("0.475")) {
		t.Errorf("price = %s, want 0.475", res.Price)
	}
	p := f.venue.posted[0].Payload
	if p.Side != 1 || p.MakerAmount != "21052600" || p.TakerAmount != "9990000" {
		t.Errorf("sell payload = %+v", p)
	}
}

func TestExecuteLedgerFailureKeepsFill(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errBoom

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != domain.StateFilled || !res.LedgerWriteFailed || res.OrderID != "0xorder" {
		t.Fatalf("result = %+v", res)
	}
	if res.TradeID != "" {
		t.Errorf("trade id = %q, want empty", res.TradeID)
	}
}

func TestExecuteFillRecordedAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.venue.afterPost = cancel

	res, err := f.exec.Execute(ctx, buyRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != domain.StateFilled || res.LedgerWriteFailed {
		t.Fatalf("result = %+v", res)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].OrderID != "0xorder" {
		t.Fatalf("fill not in ledger: %+v", f.ledger.records)
	}
}

func TestExecuteFailedSubmitRecordedAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.venue.postErr = errBoom
	f.venue.afterPost = cancel

	res, _ := f.exec.Execute(ctx, buyRequest())
	if res.State != domain.StateFailed || res.LedgerWriteFailed {
		t.Fatalf("result = %+v", res)
	}
	if len(f.ledger.records) != 1 || f.ledger.records[0].Status != domain.TradeFailed {
		t.Fatalf("ledger = %+v", f.ledger.records)
	}
}

func TestExecuteDuplicateRequest(t *testing.T) {
	f := newFixture(t)
	req := buyRequest()
	req.RequestID = "req-1"
	ctx := context.Background()

	if _, err := f.exec.Execute(ctx, req); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	res, err := f.exec.Execute(ctx, req)
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
	if res.State != domain.StateFailed || len(f.venue.posted) != 1 {
		t.Fatalf("replay posted %d orders", len(f.venue.posted))
	}

	other := req
	other.UserID = "u2"
	if _, err := f.exec.Execute(ctx, other); errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatal("request ids are per user")
	}
}

func TestExecuteRetryAfterEarlyFailure(t *testing.T) {
	f := newFixture(t)
	f.balances.stable = dec("1")
	req := buyRequest()
	req.RequestID = "req-2"
	ctx := context.Background()

	if _, err := f.exec.Execute(ctx, req); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	f.balances.stable = dec("50")
	if res, err := f.exec.Execute(ctx, req); err != nil || !res.Filled() {
		t.Fatalf("retry = %+v, %v", res, err)
	}
}

func TestExecuteLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unlock, err := f.exec.locks.TryLock(ctx, "u1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	res, err := f.exec.Execute(ctx, buyRequest())
	if !errors.Is(err, domain.ErrLockHeld) || res.ErrorClass != domain.ClassBusy {
		t.Fatalf("err = %v class %s, want ErrLockHeld busy", err, res.ErrorClass)
	}
	if f.balances.calls() != 0 {
		t.Error("busy request read balances")
	}

	unlock()
	if _, err := f.exec.Execute(ctx, buyRequest()); err != nil {
		t.Fatalf("Execute after unlock: %v", err)
	}
	if f.exec.locks.Held("u1") {
		t.Error("lock not released after execution")
	}
}

func TestExecuteDistributedLock(t *testing.T) {
	f := newFixture(t)
	dist := &fakeLockManager{}
	exec := f.build(dist)

	if _, err := exec.Execute(context.Background(), buyRequest()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if dist.acquired != 1 || dist.released != 1 {
		t.Fatalf("acquired %d released %d", dist.acquired, dist.released)
	}

	dist.err = domain.ErrLockHeld
	if _, err := exec.Execute(context.Background(), buyRequest()); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if exec.locks.Held("u1") {
		t.Error("local lock leaked after distributed lock failure")
	}
}

func TestExecuteRelayedSafe(t *testing.T) {
	f := newFixture(t)
	safe := "0x00000000000000000000000000000000000000Aa"
	f.keys.wallet.Kind = domain.WalletRelayedSafe
	f.keys.wallet.OwnerAddress = f.keys.wallet.Address
	f.keys.wallet.Address = safe

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OrderID != "0xrelayed" || res.State != domain.StateFilled {
		t.Fatalf("result = %+v", res)
	}
	if got := f.balances.owners[0].Hex(); !strings.EqualFold(got, safe) {
		t.Errorf("balance read for %s, want the safe", got)
	}
	if f.venue.derives != 0 || len(f.venue.posted) != 0 {
		t.Error("relayed order went through the CLOB")
	}
	o := f.relayer.orders[0]
	if o.SafeAddress != safe || o.TokenID != "111" || o.Side != "BUY" || o.Price != "0.735" || o.Size != "13.6054" {
		t.Errorf("relay order = %+v", o)
	}
	if o.PrivateKey == "" {
		t.Error("relay order carries no key")
	}
}

func TestExecuteRelayedSafeRejectionDoesNotArchiveKey(t *testing.T) {
	f := newFixture(t)
	f.keys.wallet.Kind = domain.WalletRelayedSafe
	f.keys.wallet.OwnerAddress = f.keys.wallet.Address
	f.relayer.err = &domain.RejectedError{Message: "safe not funded"}

	res, err := f.exec.Execute(context.Background(), buyRequest())
	if !errors.Is(err, domain.ErrRejected) || res.State != domain.StateRejected {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if len(f.archive.bodies) != 1 {
		t.Fatalf("archived %d objects", len(f.archive.bodies))
	}
	if strings.Contains(string(f.archive.bodies[0]), "privateKey") {
		t.Fatal("private key archived")
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("eoa", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.exec.Execute(ctx, buyRequest()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if err := f.exec.Cancel(ctx, "u1", "0xorder"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if len(f.venue.cancelled) != 1 || f.venue.derives != 2 {
			t.Errorf("cancelled %v, derives %d", f.venue.cancelled, f.venue.derives)
		}
		if len(f.ledger.closed) != 1 || !f.events.has(domain.EventOrderCancelled) {
			t.Errorf("closed %v", f.ledger.closed)
		}
	})

	t.Run("safe", func(t *testing.T) {
		f := newFixture(t)
		f.keys.wallet.Kind = domain.WalletRelayedSafe
		if err := f.exec.Cancel(ctx, "u1", "0xunknown"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if len(f.relayer.cancelled) != 1 || len(f.venue.cancelled) != 0 {
			t.Errorf("relayer %v venue %v", f.relayer.cancelled, f.venue.cancelled)
		}
	})

	t.Run("external", func(t *testing.T) {
		f := newFixture(t)
		f.keys.err = domain.ErrForbidden
		if err := f.exec.Cancel(ctx, "u1", "0xorder"); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("err = %v, want ErrForbidden", err)
		}
	})

	t.Run("venue refuses", func(t *testing.T) {
		f := newFixture(t)
		f.venue.cancelErr = &domain.RejectedError{Message: "order already matched"}
		if err := f.exec.Cancel(ctx, "u1", "0xorder"); !errors.Is(err, domain.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		f := newFixture(t)
		if err := f.exec.Cancel(ctx, "u1", " "); !errors.Is(err, domain.ErrInvalidOrder) {
			t.Fatalf("err = %v, want ErrInvalidOrder", err)
		}
	})
}
