package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Get(ctx context.Context, limit int, sort domain.MarketSort) ([]domain.Market, error)
	Search(ctx context.Context, query string, limit int) ([]domain.Market, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Count   int             `json:"count"`
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ListMarkets returns active markets ordered by the requested sort key.
// GET /api/markets?limit=20&sort=volume24hr
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	sort := domain.MarketSort(r.URL.Query().Get("sort"))
	markets, err := h.markets.Get(r.Context(), queryLimit(r, 20), sort)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Count: len(markets)})
}

// Search returns markets whose question contains q.
// GET /api/markets/search?q=election&limit=10
func (h *MarketHandler) Search(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.Search(r.Context(), r.URL.Query().Get("q"), queryLimit(r, 10))
	if err != nil {
		writeDomainError(w, r, h.logger, "search markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Count: len(markets)})
}
