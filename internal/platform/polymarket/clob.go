package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polywallet/internal/crypto"
	"github.com/alanyoungcy/polywallet/internal/domain"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It is shared across users: every authenticated call takes
// the caller's signer address and L2 credentials.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	builder    *crypto.HMACAuth
	now        func() time.Time
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// builder carries optional builder-program credentials; when set every order
// is tagged with attribution headers.
func NewClobClient(baseURL string, timeout time.Duration, builder *crypto.HMACAuth) *ClobClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		builder: builder,
		now:     time.Now,
	}
}

// BuilderEnabled reports whether orders carry builder attribution.
func (c *ClobClient) BuilderEnabled() bool {
	return !c.builder.Empty()
}

// DeriveAPIKey performs the CLOB L1 auth flow for signer: it signs a
// ClobAuth EIP-712 message and calls GET /auth/derive-api-key. When the
// wallet has never created a key the venue answers 404 and the key is
// created with POST /auth/api-key. Failures wrap domain.ErrCredentialDerivation.
func (c *ClobClient) DeriveAPIKey(ctx context.Context, signer *crypto.Signer) (*crypto.HMACAuth, error) {
	creds, status, err := c.l1Request(ctx, signer, http.MethodGet, "/auth/derive-api-key")
	if err == nil {
		return creds, nil
	}
	if status != http.StatusNotFound && status != http.StatusBadRequest {
		return nil, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrCredentialDerivation, err)
	}

	creds, _, err = c.l1Request(ctx, signer, http.MethodPost, "/auth/api-key")
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrCredentialDerivation, err)
	}
	return creds, nil
}

func (c *ClobClient) l1Request(ctx context.Context, signer *crypto.Signer, method, path string) (*crypto.HMACAuth, int, error) {
	address := signer.Address().Hex()
	timestamp := c.now().Unix()
	const nonce = 0

	sig, err := signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, 0, fmt.Errorf("sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.Itoa(nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode, fmt.Errorf("auth %s failed (HTTP %d): %s", path, resp.StatusCode, string(body))
	}

	var creds APICreds
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, resp.StatusCode, &domain.ParseError{Source: "clob", Field: "api_creds", Err: err}
	}
	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		return nil, resp.StatusCode, &domain.ParseError{Source: "clob", Field: "api_creds", Err: errors.New("incomplete credentials")}
	}

	return &crypto.HMACAuth{
		Key:        creds.APIKey,
		Secret:     creds.Secret,
		Passphrase: creds.Passphrase,
	}, resp.StatusCode, nil
}

// GetBook returns the order book for a token.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (APIBook, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doRequest(ctx, http.MethodGet, "/book?"+params.Encode(), nil, nil)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: get book: %w", err)
	}
	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: %w", &domain.ParseError{Source: "clob", Field: "book", Err: err})
	}
	return book, nil
}

// QuotePrice returns the price a market order on side would meet: the best
// ask for a buy and the best bid for a sell.
func (c *ClobClient) QuotePrice(ctx context.Context, tokenID string, side domain.OrderSide) (float64, error) {
	book, err := c.GetBook(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	var p float64
	if side == domain.OrderSideSell {
		p = book.BestBid()
	} else {
		p = book.BestAsk()
	}
	if p <= 0 {
		return 0, fmt.Errorf("polymarket/clob: %w: empty %s side for token %s", domain.ErrNotFound, side, tokenID)
	}
	return p, nil
}

// SignedOrder is an order payload plus its EIP-712 signature.
type SignedOrder struct {
	Payload   crypto.OrderPayload
	Signature string
}

// wireOrder renders the order in the shape POST /order expects. The salt is
// sent as a JSON number.
func (o SignedOrder) wireOrder() map[string]any {
	side := "BUY"
	if o.Payload.Side == 1 {
		side = "SELL"
	}
	return map[string]any{
		"salt":          json.Number(o.Payload.Salt),
		"maker":         o.Payload.Maker,
		"signer":        o.Payload.Signer,
		"taker":         o.Payload.Taker,
		"tokenId":       o.Payload.TokenID,
		"makerAmount":   o.Payload.MakerAmount,
		"takerAmount":   o.Payload.TakerAmount,
		"expiration":    o.Payload.Expiration,
		"nonce":         o.Payload.Nonce,
		"feeRateBps":    o.Payload.FeeRateBps,
		"side":          side,
		"signatureType": o.Payload.SignatureType,
		"signature":     o.Signature,
	}
}

// PostOrder submits a signed order. A venue decline (success=false or a
// 400-class answer carrying a message) is returned as *domain.RejectedError;
// anything else that goes wrong is a transport failure.
func (c *ClobClient) PostOrder(ctx context.Context, address string, creds *crypto.HMACAuth, order SignedOrder, orderType domain.OrderType) (APIOrderResult, error) {
	if creds.Empty() {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", domain.ErrUnauthorized)
	}
	body := map[string]any{
		"order":     order.wireOrder(),
		"owner":     creds.Key,
		"orderType": string(orderType),
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/order", body, &authContext{address: address, creds: creds})
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.code >= 400 && statusErr.code < 500 &&
			statusErr.code != http.StatusUnauthorized && statusErr.code != http.StatusForbidden &&
			statusErr.code != http.StatusTooManyRequests {
			return APIOrderResult{}, &domain.RejectedError{Message: venueMessage(statusErr.body)}
		}
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: %w", &domain.ParseError{Source: "clob", Field: "order_result", Err: err})
	}
	if !result.Success {
		msg := result.Message()
		if msg == "" {
			msg = "order not accepted"
		}
		return result, &domain.RejectedError{Message: msg}
	}
	if result.OrderID == "" {
		return result, fmt.Errorf("polymarket/clob: %w", &domain.ParseError{Source: "clob", Field: "orderID", Err: errors.New("missing order id")})
	}
	return result, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, address string, creds *crypto.HMACAuth, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	respBody, err := c.doRequest(ctx, http.MethodDelete, "/order", body, &authContext{address: address, creds: creds})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: %w", &domain.ParseError{Source: "clob", Field: "cancel", Err: err})
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return &domain.RejectedError{Message: reason}
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type authContext struct {
	address string
	creds   *crypto.HMACAuth
}

// doRequest builds, optionally signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any, auth *authContext) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth != nil && !auth.creds.Empty() {
		ts := c.now().Unix()
		for k, v := range auth.creds.L2HeadersAt(auth.address, method, path, bodyStr, ts) {
			req.Header.Set(k, v)
		}
		if !c.builder.Empty() {
			for k, v := range c.builder.BuilderHeadersAt(method, path, bodyStr, ts) {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// httpStatusError keeps the status and body of a non-2xx answer.
type httpStatusError struct {
	code int
	body []byte
	kind error
}

func (e *httpStatusError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("%v: HTTP %d: %s", e.kind, e.code, truncateBody(e.body))
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, truncateBody(e.body))
}

func (e *httpStatusError) Unwrap() error { return e.kind }

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	e := &httpStatusError{code: statusCode, body: body}
	switch statusCode {
	case http.StatusNotFound:
		e.kind = domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		e.kind = domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		e.kind = domain.ErrRateLimited
	}
	return e
}

// venueMessage pulls the human-readable reason out of an error body.
func venueMessage(body []byte) string {
	var payload struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, s := range []string{payload.ErrorMsg, payload.Error, payload.Message} {
			if s != "" {
				return s
			}
		}
	}
	return truncateBody(body)
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
