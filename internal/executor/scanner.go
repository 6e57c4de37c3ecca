package executor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// MarketLister fetches candidate markets for a scan.
type MarketLister interface {
	Get(ctx context.Context, limit int, sort domain.MarketSort) ([]domain.Market, error)
}

// TradeRunner executes a trade request.
type TradeRunner interface {
	Execute(ctx context.Context, req domain.TradeRequest) (domain.ExecutionResult, error)
}

// Pick is a market that passed the scan criteria, with the outcome to buy.
type Pick struct {
	Market      domain.Market
	Outcome     domain.Outcome
	Probability float64
}

// Select returns the tradable markets matching s, most likely first. The
// favoured outcome is whichever leg is priced higher.
func Select(markets []domain.Market, s domain.ScanSettings) []Pick {
	category := strings.ToLower(strings.TrimSpace(s.Category))
	var picks []Pick
	for _, m := range markets {
		if !m.Tradable || m.Closed {
			continue
		}
		if m.Liquidity < s.MinLiquidity {
			continue
		}
		if category != "" && !strings.Contains(strings.ToLower(m.Category), category) {
			continue
		}
		p := Pick{Market: m, Outcome: domain.OutcomeYes, Probability: m.YesPrice}
		if m.NoPrice > m.YesPrice {
			p.Outcome, p.Probability = domain.OutcomeNo, m.NoPrice
		}
		if p.Probability < s.MinProbability {
			continue
		}
		picks = append(picks, p)
	}
	sort.SliceStable(picks, func(i, j int) bool { return picks[i].Probability > picks[j].Probability })
	return picks
}

// ScanReport is the running tally of a scan loop.
type ScanReport struct {
	Scans       int
	TradesToday int
	LastError   string
}

// Scanner is the timed scan-and-trade loop behind a session.
type Scanner struct {
	markets MarketLister
	trader  TradeRunner
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

// NewScanner creates a Scanner that looks at the top limit markets by 24h
// volume on each pass.
func NewScanner(markets MarketLister, trader TradeRunner, limit int, logger *slog.Logger) *Scanner {
	if limit <= 0 {
		limit = 50
	}
	return &Scanner{
		markets: markets,
		trader:  trader,
		limit:   limit,
		logger:  logger.With(slog.String("component", "scanner")),
		now:     time.Now,
	}
}

// scanState is per-session bookkeeping.
type scanState struct {
	report    ScanReport
	day       string
	attempted map[string]bool
}

// RunLoop scans every settings.Interval until ctx is cancelled. report is
// called after each pass. Trade failures are logged and never end the loop.
func (s *Scanner) RunLoop(ctx context.Context, userID string, settings domain.ScanSettings, report func(ScanReport)) error {
	st := &scanState{attempted: make(map[string]bool)}

	s.scan(ctx, userID, settings, st)
	report(st.report)

	ticker := time.NewTicker(settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx, userID, settings, st)
			report(st.report)
		}
	}
}

func (s *Scanner) scan(ctx context.Context, userID string, settings domain.ScanSettings, st *scanState) {
	st.report.Scans++
	day := s.now().UTC().Format("2006-01-02")
	if day != st.day {
		st.day = day
		st.report.TradesToday = 0
		clear(st.attempted)
	}
	log := s.logger.With(slog.String("user_id", userID), slog.Int("scan", st.report.Scans))

	if st.report.TradesToday >= settings.MaxDailyTrades {
		log.DebugContext(ctx, "daily trade limit reached")
		return
	}

	markets, err := s.markets.Get(ctx, s.limit, domain.SortVolume24h)
	if err != nil {
		st.report.LastError = err.Error()
		log.WarnContext(ctx, "scan: fetch markets failed", slog.String("error", err.Error()))
		return
	}

	picks := Select(markets, settings)
	log.DebugContext(ctx, "scan complete",
		slog.Int("markets", len(markets)),
		slog.Int("candidates", len(picks)),
	)

	for _, p := range picks {
		if ctx.Err() != nil || st.report.TradesToday >= settings.MaxDailyTrades {
			return
		}
		cid := p.Market.ConditionID
		if st.attempted[cid] {
			continue
		}

		res, err := s.trader.Execute(ctx, domain.TradeRequest{
			RequestID: "scan:" + day + ":" + cid,
			UserID:    userID,
			Query:     cid,
			Outcome:   p.Outcome,
			Side:      domain.OrderSideBuy,
			Amount:    settings.PositionSize,
			Source:    "scan",
		})
		if res.ErrorClass != domain.ClassBusy {
			st.attempted[cid] = true
		}
		if err != nil {
			st.report.LastError = err.Error()
			log.WarnContext(ctx, "scan: trade not filled",
				slog.String("market_id", cid),
				slog.String("state", string(res.State)),
				slog.String("class", string(res.ErrorClass)),
				slog.String("error", err.Error()),
			)
			if res.ErrorClass == domain.ClassFunds {
				return
			}
			continue
		}
		st.report.TradesToday++
		log.InfoContext(ctx, "scan: trade filled",
			slog.String("market_id", cid),
			slog.String("outcome", string(p.Outcome)),
			slog.String("order_id", res.OrderID),
		)
	}
}
