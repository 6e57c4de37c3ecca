package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// RelayerClient talks to the external signing service that deploys Safe
// wallets and places gasless orders on their behalf. The service protocol is
// opaque: each call is a JSON POST answered with {success, error, ...}.
type RelayerClient struct {
	baseURL    string
	httpClient *http.Client
}

// ValidateRelayerURL checks a relayer base URL. Request bodies carry private
// keys, so plain http is only accepted for loopback hosts.
func ValidateRelayerURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("relayer base url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("relayer base url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("relayer base url %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("relayer base url %q must use https for non-loopback hosts", raw)
	default:
		return fmt.Errorf("relayer base url %q: unsupported scheme %q", raw, u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewRelayerClient creates a RelayerClient for baseURL, which must pass
// ValidateRelayerURL.
func NewRelayerClient(baseURL string, timeout time.Duration) (*RelayerClient, error) {
	if err := ValidateRelayerURL(baseURL); err != nil {
		return nil, fmt.Errorf("polymarket/relayer: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayerClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// SafeInfo describes the Safe wallet owned by a key.
type SafeInfo struct {
	SafeAddress string `json:"safeAddress"`
	Deployed    bool   `json:"deployed"`
}

// RelayOrder is a gasless order request. Price and Size are decimal strings.
type RelayOrder struct {
	PrivateKey  string `json:"privateKey,omitempty"`
	SafeAddress string `json:"safeAddress"`
	TokenID     string `json:"tokenID"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
}

type relayerEnvelope struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	SafeAddress string `json:"safeAddress"`
	Deployed    bool   `json:"deployed"`
	OrderID     string `json:"orderID"`
}

// DeploySafe asks the relayer to deploy (or re-derive) the Safe owned by the
// key and returns its address.
func (r *RelayerClient) DeploySafe(ctx context.Context, privateKeyHex, ownerAddress string) (SafeInfo, error) {
	env, err := r.post(ctx, "/deploy-safe", map[string]string{
		"privateKey":   privateKeyHex,
		"ownerAddress": ownerAddress,
	})
	if err != nil {
		return SafeInfo{}, fmt.Errorf("polymarket/relayer: deploy safe: %w", err)
	}
	if env.SafeAddress == "" {
		return SafeInfo{}, fmt.Errorf("polymarket/relayer: deploy safe: %w",
			&domain.ParseError{Source: "relayer", Field: "safeAddress", Err: errors.New("missing")})
	}
	return SafeInfo{SafeAddress: env.SafeAddress, Deployed: true}, nil
}

// SafeAddress returns the Safe address for the key without deploying.
func (r *RelayerClient) SafeAddress(ctx context.Context, privateKeyHex string) (SafeInfo, error) {
	env, err := r.post(ctx, "/get-safe-address", map[string]string{
		"privateKey": privateKeyHex,
	})
	if err != nil {
		return SafeInfo{}, fmt.Errorf("polymarket/relayer: get safe address: %w", err)
	}
	if env.SafeAddress == "" {
		return SafeInfo{}, fmt.Errorf("polymarket/relayer: get safe address: %w",
			&domain.ParseError{Source: "relayer", Field: "safeAddress", Err: errors.New("missing")})
	}
	return SafeInfo{SafeAddress: env.SafeAddress, Deployed: env.Deployed}, nil
}

// CreateOrder places a gasless order through the relayer and returns the
// venue order id.
func (r *RelayerClient) CreateOrder(ctx context.Context, order RelayOrder) (string, error) {
	env, err := r.post(ctx, "/create-order", order)
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: create order: %w", err)
	}
	if env.OrderID == "" {
		return "", fmt.Errorf("polymarket/relayer: create order: %w",
			&domain.ParseError{Source: "relayer", Field: "orderID", Err: errors.New("missing")})
	}
	return env.OrderID, nil
}

// CancelOrder cancels a relayed order.
func (r *RelayerClient) CancelOrder(ctx context.Context, privateKeyHex, safeAddress, orderID string) error {
	_, err := r.post(ctx, "/cancel-order", map[string]string{
		"privateKey":  privateKeyHex,
		"safeAddress": safeAddress,
		"orderID":     orderID,
	})
	if err != nil {
		return fmt.Errorf("polymarket/relayer: cancel order %s: %w", orderID, err)
	}
	return nil
}

// post sends one request. success=false becomes *domain.RejectedError;
// transport faults and unparseable answers wrap domain.ErrFailed.
func (r *RelayerClient) post(ctx context.Context, path string, payload any) (relayerEnvelope, error) {
	if r == nil {
		return relayerEnvelope{}, fmt.Errorf("%w: relayer not configured", domain.ErrFailed)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return relayerEnvelope{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return relayerEnvelope{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return relayerEnvelope{}, fmt.Errorf("%w: %v", domain.ErrFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return relayerEnvelope{}, fmt.Errorf("%w: read response: %v", domain.ErrFailed, err)
	}

	var env relayerEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return relayerEnvelope{}, fmt.Errorf("%w: %w", domain.ErrFailed,
			&domain.ParseError{Source: "relayer", Err: fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)})
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("relayer returned HTTP %d", resp.StatusCode)
		}
		return env, &domain.RejectedError{Message: msg}
	}
	return env, nil
}
