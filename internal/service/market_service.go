package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

// MaxMarketLimit caps every listing and search.
const MaxMarketLimit = 200

// MarketSource is the market-data API.
type MarketSource interface {
	ListMarkets(ctx context.Context, q polymarket.MarketQuery) ([]polymarket.APIMarket, error)
	MarketByCondition(ctx context.Context, conditionID string) (polymarket.APIMarket, error)
}

// MarketConfig tunes search pagination and caching.
type MarketConfig struct {
	SearchPages    int
	SearchPageSize int
	CacheTTL       time.Duration
}

// MarketService resolves human queries to tradable markets.
type MarketService struct {
	source MarketSource
	cache  domain.MarketCache
	cfg    MarketConfig
	logger *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(source MarketSource, cache domain.MarketCache, cfg MarketConfig, logger *slog.Logger) *MarketService {
	if cfg.SearchPages < 1 {
		cfg.SearchPages = 5
	}
	if cfg.SearchPageSize < 1 {
		cfg.SearchPageSize = 100
	}
	return &MarketService{
		source: source,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// Get returns open markets ordered by sort, highest first (soonest first for
// end_date).
func (s *MarketService) Get(ctx context.Context, limit int, sort domain.MarketSort) ([]domain.Market, error) {
	if sort == "" {
		sort = domain.SortVolume24h
	}
	if !domain.ValidSort(sort) {
		return nil, fmt.Errorf("market_service: get: %w: sort %q", domain.ErrInvalidQuery, sort)
	}
	limit = clampLimit(limit)

	q := polymarket.MarketQuery{
		Limit:    limit,
		Order:    string(sort),
		OpenOnly: true,
	}
	if sort == domain.SortEndDate {
		q.Order = "endDate"
		q.Ascending = true
	}

	raw, err := s.source.ListMarkets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("market_service: get: %w", err)
	}
	markets := make([]domain.Market, 0, len(raw))
	for i := range raw {
		markets = append(markets, s.Format(raw[i]))
		if len(markets) == limit {
			break
		}
	}
	return markets, nil
}

// Search returns up to limit open markets whose question contains query,
// case-insensitively, each at most once. The server-side search is tried
// first; when it errors or yields nothing, successive pages are scanned.
func (s *MarketService) Search(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("market_service: search: %w: empty query", domain.ErrInvalidQuery)
	}
	limit = clampLimit(limit)
	cacheKey := "search:" + strings.ToLower(query) + ":" + strconv.Itoa(limit)

	if s.cache != nil {
		if cached, err := s.cache.GetList(ctx, cacheKey); err == nil {
			return cached, nil
		}
	}

	m := newMatcher(query, limit)
	raw, err := s.source.ListMarkets(ctx, polymarket.MarketQuery{
		Limit:    limit,
		Query:    query,
		OpenOnly: true,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "server-side search failed, scanning pages",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
	} else {
		m.add(raw, s.Format)
	}

	if len(m.out) == 0 {
		if err := s.scanPages(ctx, m); err != nil {
			return nil, fmt.Errorf("market_service: search: %w", err)
		}
	}

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetList(ctx, cacheKey, m.out, s.cfg.CacheTTL); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("key", cacheKey),
				slog.String("error", err.Error()),
			)
		}
	}
	return m.out, nil
}

// scanPages walks up to SearchPages pages of open markets. A failure on the
// first page is returned; later failures end the scan with what was found.
func (s *MarketService) scanPages(ctx context.Context, m *matcher) error {
	for page := 0; page < s.cfg.SearchPages && !m.full(); page++ {
		raw, err := s.source.ListMarkets(ctx, polymarket.MarketQuery{
			Limit:    s.cfg.SearchPageSize,
			Offset:   page * s.cfg.SearchPageSize,
			Order:    string(domain.SortVolume24h),
			OpenOnly: true,
		})
		if err != nil {
			if page == 0 {
				return err
			}
			s.logger.WarnContext(ctx, "search page failed",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			return nil
		}
		m.add(raw, s.Format)
		if len(raw) < s.cfg.SearchPageSize {
			return nil
		}
	}
	return nil
}

// Format extracts the trading identifiers from a raw market.
func (s *MarketService) Format(raw polymarket.APIMarket) domain.Market {
	return raw.ToDomainMarket()
}

// Resolve turns a question (or a condition id) into one tradable market. An
// exact case-insensitive question match wins over the first search result.
func (s *MarketService) Resolve(ctx context.Context, query string) (domain.Market, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.Market{}, fmt.Errorf("market_service: resolve: %w: empty query", domain.ErrMarketNotFound)
	}

	var candidate domain.Market
	if isConditionID(query) {
		raw, err := s.source.MarketByCondition(ctx, query)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("market_service: resolve %q: %w", query, domain.ErrMarketNotFound)
		}
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: resolve %q: %w", query, err)
		}
		candidate = s.Format(raw)
	} else {
		results, err := s.Search(ctx, query, 20)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: resolve: %w", err)
		}
		if len(results) == 0 {
			return domain.Market{}, fmt.Errorf("market_service: resolve %q: %w", query, domain.ErrMarketNotFound)
		}
		candidate = results[0]
		for _, r := range results {
			if strings.EqualFold(strings.TrimSpace(r.Question), query) {
				candidate = r
				break
			}
		}
	}

	if !candidate.Tradable {
		return candidate, fmt.Errorf("market_service: resolve %q: %w: %w", query, domain.ErrMarketNotFound, domain.ErrNotTradable)
	}
	return candidate, nil
}

// matcher accumulates question matches in first-seen order.
type matcher struct {
	needle string
	limit  int
	seen   map[string]bool
	out    []domain.Market
}

func newMatcher(query string, limit int) *matcher {
	return &matcher{
		needle: strings.ToLower(query),
		limit:  limit,
		seen:   make(map[string]bool),
	}
}

func (m *matcher) full() bool { return len(m.out) >= m.limit }

func (m *matcher) add(raw []polymarket.APIMarket, format func(polymarket.APIMarket) domain.Market) {
	for i := range raw {
		if m.full() {
			return
		}
		if !strings.Contains(strings.ToLower(raw[i].Question), m.needle) {
			continue
		}
		mk := format(raw[i])
		key := mk.ConditionID
		if key == "" {
			key = "q:" + strings.ToLower(mk.Question)
		}
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		m.out = append(m.out, mk)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit > MaxMarketLimit:
		return MaxMarketLimit
	}
	return limit
}

func isConditionID(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
