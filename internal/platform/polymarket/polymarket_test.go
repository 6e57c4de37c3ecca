package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := crypto.ParsePrivateKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	return crypto.NewSigner(pk, 137)
}

func TestParseMarketsAcceptsEncodedArrays(t *testing.T) {
	body := []byte(`[{
		"conditionId": "0xabc",
		"question": "Will it rain?",
		"outcomes": "[\"Yes\",\"No\"]",
		"outcomePrices": "[\"0.62\",\"0.38\"]",
		"clobTokenIds": "[\"111\",\"222\"]",
		"volume": "1234.5",
		"volume24hr": 99,
		"liquidity": "",
		"active": "true",
		"closed": false,
		"endDate": "2026-11-03T12:00:00Z"
	}]`)

	markets, err := ParseMarkets(body)
	if err != nil {
		t.Fatalf("ParseMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets, want 1", len(markets))
	}

	m := markets[0].ToDomainMarket()
	if !m.Tradable {
		t.Fatalf("market should be tradable: %+v", m)
	}
	if m.TokenIDs != [2]string{"111", "222"} {
		t.Errorf("TokenIDs = %v", m.TokenIDs)
	}
	if m.YesPrice != 0.62 || m.NoPrice != 0.38 {
		t.Errorf("prices = %v/%v", m.YesPrice, m.NoPrice)
	}
	if m.Volume != 1234.5 || m.Volume24h != 99 || m.Liquidity != 0 {
		t.Errorf("volumes = %v %v %v", m.Volume, m.Volume24h, m.Liquidity)
	}
	if !m.Active || m.Closed {
		t.Errorf("active/closed = %v/%v", m.Active, m.Closed)
	}
	if m.EndDate == nil || m.EndDate.Year() != 2026 {
		t.Errorf("EndDate = %v", m.EndDate)
	}
}

func TestParseMarketsWrappedAndTokenFallback(t *testing.T) {
	body := []byte(`{"data":[{
		"condition_id": "0xdef",
		"tokens": [
			{"token_id": "1", "outcome": "Up", "price": 0.7},
			{"token_id": "2", "outcome": "Down", "price": "0.3"}
		],
		"neg_risk": true
	}]}`)

	markets, err := ParseMarkets(body)
	if err != nil {
		t.Fatalf("ParseMarkets: %v", err)
	}
	m := markets[0].ToDomainMarket()
	if m.ConditionID != "0xdef" || !m.Tradable || !m.NegRisk {
		t.Fatalf("unexpected market %+v", m)
	}
	if m.Outcomes != [2]string{"Up", "Down"} {
		t.Errorf("Outcomes = %v", m.Outcomes)
	}
	if m.YesPrice != 0.7 || m.NoPrice != 0.3 {
		t.Errorf("prices = %v/%v", m.YesPrice, m.NoPrice)
	}
	if m.Question != "Unknown" {
		t.Errorf("Question = %q, want Unknown", m.Question)
	}
}

func TestParseMarketsRejectsUnexpectedShape(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not a list", `{"error":"boom"}`, ""},
		{"garbage", `<html>`, ""},
		{"bad element", `[{"conditionId":"0x1"},{"conditionId":5}]`, "[1].conditionId"},
		{"bad outcomes", `[{"conditionId":"0x1","outcomes":"{}"}]`, "[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkets([]byte(tt.body))
			if !errors.Is(err, domain.ErrParse) {
				t.Fatalf("err = %v, want ErrParse", err)
			}
			var pe *domain.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %T, want *domain.ParseError", err)
			}
			if pe.Field != tt.field {
				t.Errorf("Field = %q, want %q", pe.Field, tt.field)
			}
		})
	}
}

func TestToDomainMarketMissingTokenNotTradable(t *testing.T) {
	tests := []struct {
		name string
		raw  APIMarket
	}{
		{"one token", APIMarket{ConditionID: "0x1", ClobTokenIDs: flexStrings{"111"}}},
		{"blank token", APIMarket{ConditionID: "0x1", ClobTokenIDs: flexStrings{"111", " "}}},
		{"no condition", APIMarket{ClobTokenIDs: flexStrings{"111", "222"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m := tt.raw.ToDomainMarket(); m.Tradable {
				t.Errorf("market %+v should not be tradable", m)
			}
		})
	}
}

func TestListMarketsSendsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "election" || q.Get("limit") != "100" || q.Get("offset") != "200" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if q.Get("active") != "true" || q.Get("closed") != "false" {
			t.Errorf("open filter missing: %s", r.URL.RawQuery)
		}
		if q.Get("order") != "volume24hr" || q.Get("ascending") != "false" {
			t.Errorf("order = %s", r.URL.RawQuery)
		}
		io.WriteString(w, `[{"conditionId":"0x1","clobTokenIds":["1","2"]}]`)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, time.Second)
	markets, err := g.ListMarkets(context.Background(), MarketQuery{
		Limit: 100, Offset: 200, Order: "volume24hr", Query: "election", OpenOnly: true,
	})
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 1 || markets[0].Condition() != "0x1" {
		t.Fatalf("markets = %+v", markets)
	}
}

func TestMarketByCondition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("condition_ids") == "0xfound" {
			io.WriteString(w, `[{"conditionId":"0xfound","question":"Q"}]`)
			return
		}
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, time.Second)
	m, err := g.MarketByCondition(context.Background(), "0xfound")
	if err != nil || m.Question != "Q" {
		t.Fatalf("MarketByCondition = %+v, %v", m, err)
	}
	if _, err := g.MarketByCondition(context.Background(), "0xmissing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeriveAPIKeyFallsBackToCreate(t *testing.T) {
	signer := testSigner(t)
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Header.Get("POLY_ADDRESS") != signer.Address().Hex() {
			t.Errorf("POLY_ADDRESS = %q", r.Header.Get("POLY_ADDRESS"))
		}
		if r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("missing POLY_SIGNATURE")
		}
		switch r.Method + " " + r.URL.Path {
		case "GET /auth/derive-api-key":
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":"no key"}`)
		case "POST /auth/api-key":
			io.WriteString(w, `{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, time.Second, nil)
	creds, err := c.DeriveAPIKey(context.Background(), signer)
	if err != nil {
		t.Fatalf("DeriveAPIKey: %v", err)
	}
	if creds.Key != "k" || creds.Passphrase != "p" {
		t.Errorf("creds = %+v", creds)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want derive then create", calls)
	}
}

func TestDeriveAPIKeyFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `oops`},
		{"incomplete creds", http.StatusOK, `{"apiKey":"k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClobClient(srv.URL, time.Second, nil)
			if _, err := c.DeriveAPIKey(context.Background(), testSigner(t)); !errors.Is(err, domain.ErrCredentialDerivation) {
				t.Fatalf("err = %v, want ErrCredentialDerivation", err)
			}
		})
	}
}

func TestQuotePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("token_id") {
		case "full":
			io.WriteString(w, `{"bids":[{"price":"0.66","size":"10"},{"price":"0.68","size":"5"}],
				"asks":[{"price":"0.72","size":"10"},{"price":"0.70","size":"3"}]}`)
		default:
			io.WriteString(w, `{"bids":[],"asks":[]}`)
		}
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, time.Second, nil)
	ctx := context.Background()

	if p, err := c.QuotePrice(ctx, "full", domain.OrderSideBuy); err != nil || p != 0.70 {
		t.Errorf("buy quote = %v, %v; want 0.70", p, err)
	}
	if p, err := c.QuotePrice(ctx, "full", domain.OrderSideSell); err != nil || p != 0.68 {
		t.Errorf("sell quote = %v, %v; want 0.68", p, err)
	}
	if _, err := c.QuotePrice(ctx, "empty", domain.OrderSideBuy); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("empty book err = %v, want ErrNotFound", err)
	}
}

func testOrder() SignedOrder {
	return SignedOrder{
		Payload: crypto.OrderPayload{
			Salt:        "123456789",
			Maker:       "0x0000000000000000000000000000000000000001",
			Signer:      "0x0000000000000000000000000000000000000001",
			Taker:       "0x0000000000000000000000000000000000000000",
			TokenID:     "111",
			MakerAmount: "10000000",
			TakerAmount: "13610000",
			Expiration:  "0",
			Nonce:       "0",
			FeeRateBps:  "0",
		},
		Signature: "0xsig",
	}
}

func TestPostOrder(t *testing.T) {
	creds := &crypto.HMACAuth{Key: "api-key", Secret: "c2VjcmV0", Passphrase: "pass"}

	tests := []struct {
		name       string
		status     int
		body       string
		wantID     string
		wantReject string
		wantErr    bool
	}{
		{name: "accepted", status: 200, body: `{"success":true,"orderID":"0xorder","status":"matched"}`, wantID: "0xorder"},
		{name: "declined", status: 200, body: `{"success":false,"errorMsg":"order couldn't be fully filled"}`, wantReject: "order couldn't be fully filled"},
		{name: "bad request", status: 400, body: `{"error":"not enough balance / allowance"}`, wantReject: "not enough balance / allowance"},
		{name: "server error", status: 502, body: `bad gateway`, wantErr: true},
		{name: "unauthorized", status: 401, body: `{"error":"bad sig"}`, wantErr: true},
		{name: "missing id", status: 200, body: `{"success":true}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("POLY_API_KEY") != "api-key" || r.Header.Get("POLY_SIGNATURE") == "" {
					t.Errorf("missing L2 headers: %v", r.Header)
				}
				if r.Header.Get("POLY_BUILDER_API_KEY") != "builder" {
					t.Errorf("missing builder headers")
				}
				var req struct {
					Order     map[string]any `json:"order"`
					Owner     string         `json:"owner"`
					OrderType string         `json:"orderType"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode body: %v", err)
				}
				if req.Owner != "api-key" || req.OrderType != "FOK" || req.Order["side"] != "BUY" {
					t.Errorf("unexpected body %+v", req)
				}
				if _, ok := req.Order["salt"].(float64); !ok {
					t.Errorf("salt should be a JSON number, got %T", req.Order["salt"])
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			builder := &crypto.HMACAuth{Key: "builder", Secret: "s", Passphrase: "bp"}
			c := NewClobClient(srv.URL, time.Second, builder)
			res, err := c.PostOrder(context.Background(), "0x0000000000000000000000000000000000000001", creds, testOrder(), domain.OrderTypeFOK)

			switch {
			case tt.wantReject != "":
				var rej *domain.RejectedError
				if !errors.As(err, &rej) || rej.Message != tt.wantReject {
					t.Fatalf("err = %v, want rejection %q", err, tt.wantReject)
				}
			case tt.wantErr:
				if err == nil || errors.Is(err, domain.ErrRejected) {
					t.Fatalf("err = %v, want non-rejection failure", err)
				}
			default:
				if err != nil || res.OrderID != tt.wantID {
					t.Fatalf("PostOrder = %+v, %v", res, err)
				}
			}
		})
	}
}

func TestPostOrderRequiresCredentials(t *testing.T) {
	c := NewClobClient("http://127.0.0.1:0", time.Second, nil)
	_, err := c.PostOrder(context.Background(), "0x1", nil, testOrder(), domain.OrderTypeFOK)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCancelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "0xgone") {
			io.WriteString(w, `{"canceled":[],"not_canceled":{"0xgone":"order already matched"}}`)
			return
		}
		io.WriteString(w, `{"canceled":["0xlive"],"not_canceled":{}}`)
	}))
	defer srv.Close()

	creds := &crypto.HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	c := NewClobClient(srv.URL, time.Second, nil)
	if err := c.CancelOrder(context.Background(), "0x1", creds, "0xlive"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := c.CancelOrder(context.Background(), "0x1", creds, "0xgone"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestRelayerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["privateKey"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"success":false,"error":"privateKey required"}`)
			return
		}
		switch r.URL.Path {
		case "/deploy-safe":
			io.WriteString(w, `{"success":true,"safeAddress":"0xsafe","owner":"0xowner"}`)
		case "/get-safe-address":
			io.WriteString(w, `{"success":true,"safeAddress":"0xsafe","deployed":false}`)
		case "/create-order":
			if req["side"] != "BUY" || req["tokenID"] != "111" {
				t.Errorf("create-order body = %v", req)
			}
			io.WriteString(w, `{"success":true,"orderID":"0xrelayed"}`)
		case "/cancel-order":
			io.WriteString(w, `{"success":true,"orderID":"0xrelayed"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `not json`)
		}
	}))
	defer srv.Close()

	r, err := NewRelayerClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewRelayerClient: %v", err)
	}
	ctx := context.Background()

	info, err := r.DeploySafe(ctx, "0xkey", "0xowner")
	if err != nil || info.SafeAddress != "0xsafe" || !info.Deployed {
		t.Fatalf("DeploySafe = %+v, %v", info, err)
	}
	info, err = r.SafeAddress(ctx, "0xkey")
	if err != nil || info.Deployed {
		t.Fatalf("SafeAddress = %+v, %v", info, err)
	}
	id, err := r.CreateOrder(ctx, RelayOrder{PrivateKey: "0xkey", SafeAddress: "0xsafe", TokenID: "111", Side: "BUY", Price: "0.7", Size: "10"})
	if err != nil || id != "0xrelayed" {
		t.Fatalf("CreateOrder = %q, %v", id, err)
	}
	if err := r.CancelOrder(ctx, "0xkey", "0xsafe", "0xrelayed"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	_, err = r.DeploySafe(ctx, "", "0xowner")
	var rej *domain.RejectedError
	if !errors.As(err, &rej) || rej.Message != "privateKey required" {
		t.Fatalf("err = %v, want rejection", err)
	}

	if _, err := r.post(ctx, "/unknown", map[string]string{"privateKey": "k"}); !errors.Is(err, domain.ErrFailed) {
		t.Fatalf("non-JSON answer err = %v, want ErrFailed", err)
	}
}

func TestRelayerTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r, err := NewRelayerClient(url, time.Second)
	if err != nil {
		t.Fatalf("NewRelayerClient: %v", err)
	}
	if _, err := r.SafeAddress(context.Background(), "0xkey"); !errors.Is(err, domain.ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}

	var unset *RelayerClient
	if _, err := unset.DeploySafe(context.Background(), "0xkey", "0xowner"); !errors.Is(err, domain.ErrFailed) {
		t.Fatalf("nil client err = %v, want ErrFailed", err)
	}
}

func TestValidateRelayerURL(t *testing.T) {
	tests := []struct {
		raw string
		ok  bool
	}{
		{"https://relayer.example", true},
		{"  https://relayer.example/  ", true},
		{"http://localhost:3001", true},
		{"http://127.0.0.1:3001", true},
		{"http://[::1]:3001", true},
		{"http://relayer.internal:3001", false},
		{"http://10.0.0.5", false},
		{"ftp://relayer.example", false},
		{"relayer.example", false},
		{"   ", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			err := ValidateRelayerURL(tt.raw)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidateRelayerURL(%q) = %v, want ok=%v", tt.raw, err, tt.ok)
			}
			c, err := NewRelayerClient(tt.raw, time.Second)
			if (err == nil) != tt.ok || (c == nil) == tt.ok {
				t.Fatalf("NewRelayerClient(%q) = %v, %v", tt.raw, c, err)
			}
		})
	}
}
