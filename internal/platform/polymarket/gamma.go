package polymarket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery, metadata, and search.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, timeout time.Duration) *GammaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// MarketQuery selects a page of markets.
type MarketQuery struct {
	Limit  int
	Offset int
	// Order is a Gamma sort field such as "volume24hr"; empty keeps the
	// server default.
	Order     string
	Ascending bool
	// Query is passed as the server-side search parameter "q".
	Query string
	// OpenOnly restricts results to active, non-closed markets.
	OpenOnly bool
}

func (q MarketQuery) values() url.Values {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.OpenOnly {
		params.Set("active", "true")
		params.Set("closed", "false")
	}
	if q.Order != "" {
		params.Set("order", q.Order)
		params.Set("ascending", strconv.FormatBool(q.Ascending))
	}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	return params
}

// ListMarkets returns one page of markets matching q.
func (g *GammaClient) ListMarkets(ctx context.Context, q MarketQuery) ([]APIMarket, error) {
	body, err := g.doGet(ctx, "/markets?"+q.values().Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	markets, err := ParseMarkets(body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	return markets, nil
}

// MarketByCondition looks a market up by its condition id.
func (g *GammaClient) MarketByCondition(ctx context.Context, conditionID string) (APIMarket, error) {
	params := url.Values{}
	params.Set("condition_ids", conditionID)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}

	markets, err := ParseMarkets(body)
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}
	for i := range markets {
		if markets[i].Condition() == conditionID {
			return markets[i], nil
		}
	}
	return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: condition_id=%s", domain.ErrNotFound, conditionID)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
