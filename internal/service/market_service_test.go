package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

func apiMarket(id, question string) polymarket.APIMarket {
	return polymarket.APIMarket{
		ConditionID:  id,
		Question:     question,
		ClobTokenIDs: []string{id + "-yes", id + "-no"},
	}
}

type fakeSource struct {
	server    []polymarket.APIMarket
	serverErr error
	pages     [][]polymarket.APIMarket
	pageErr   error
	byID      map[string]polymarket.APIMarket
	queries   []polymarket.MarketQuery
}

func (s *fakeSource) ListMarkets(_ context.Context, q polymarket.MarketQuery) ([]polymarket.APIMarket, error) {
	s.queries = append(s.queries, q)
	if q.Query != "" {
		return s.server, s.serverErr
	}
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	if q.Limit == 0 {
		return nil, nil
	}
	page := q.Offset / q.Limit
	if page >= len(s.pages) {
		return nil, nil
	}
	return s.pages[page], nil
}

func (s *fakeSource) MarketByCondition(_ context.Context, id string) (polymarket.APIMarket, error) {
	if m, ok := s.byID[id]; ok {
		return m, nil
	}
	return polymarket.APIMarket{}, domain.ErrNotFound
}

func (s *fakeSource) pageQueries() int {
	n := 0
	for _, q := range s.queries {
		if q.Query == "" {
			n++
		}
	}
	return n
}

func electionPages() [][]polymarket.APIMarket {
	return [][]polymarket.APIMarket{
		{apiMarket("c1", "Election A"), apiMarket("c2", "Will it rain?"), apiMarket("c3", "US ELECTION 2028")},
		{apiMarket("c1", "Election A"), apiMarket("c4", "Who wins the final?"), apiMarket("c5", "Who wins the election?")},
		{apiMarket("c6", "Snap election called")},
	}
}

func newMarketService(src *fakeSource, cache domain.MarketCache) *MarketService {
	return NewMarketService(src, cache, MarketConfig{SearchPages: 5, SearchPageSize: 3, CacheTTL: time.Minute}, testLogger())
}

func conditionIDs(ms []domain.Market) string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ConditionID
	}
	return strings.Join(ids, ",")
}

func TestSearchFallbackFiltersAndDedupes(t *testing.T) {
	src := &fakeSource{
		server: []polymarket.APIMarket{apiMarket("x1", "Unrelated trending market")},
		pages:  electionPages(),
	}
	got, err := newMarketService(src, nil).Search(context.Background(), "election", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids := conditionIDs(got); ids != "c1,c3,c5,c6" {
		t.Fatalf("results = %s, want c1,c3,c5,c6", ids)
	}
	for _, m := range got {
		if !strings.Contains(strings.ToLower(m.Question), "election") {
			t.Errorf("unexpected match %q", m.Question)
		}
	}
	if src.queries[0].Query != "election" {
		t.Errorf("server-side search not tried first: %+v", src.queries[0])
	}
	if n := src.pageQueries(); n != 3 {
		t.Errorf("page queries = %d, want 3 (short page ends the scan)", n)
	}
}

func TestSearchStopsAtLimit(t *testing.T) {
	src := &fakeSource{pages: electionPages()}
	got, err := newMarketService(src, nil).Search(context.Background(), "ELECTION", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids := conditionIDs(got); ids != "c1,c3" {
		t.Fatalf("results = %s, want c1,c3", ids)
	}
	if n := src.pageQueries(); n != 1 {
		t.Errorf("page queries = %d, want 1", n)
	}
}

func TestSearchUsesServerResults(t *testing.T) {
	src := &fakeSource{
		server: []polymarket.APIMarket{apiMarket("c9", "Election night"), apiMarket("c9", "Election night")},
		pages:  electionPages(),
	}
	got, err := newMarketService(src, nil).Search(context.Background(), "election", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids := conditionIDs(got); ids != "c9" {
		t.Fatalf("results = %s, want c9", ids)
	}
	if n := src.pageQueries(); n != 0 {
		t.Errorf("page queries = %d, want 0", n)
	}
}

func TestSearchErrors(t *testing.T) {
	t.Run("server error falls back", func(t *testing.T) {
		src := &fakeSource{serverErr: &domain.ParseError{Source: "gamma"}, pages: electionPages()}
		got, err := newMarketService(src, nil).Search(context.Background(), "election", 10)
		if err != nil || len(got) != 4 {
			t.Fatalf("Search = %d results, %v", len(got), err)
		}
	})
	t.Run("first page error fails", func(t *testing.T) {
		src := &fakeSource{serverErr: domain.ErrRateLimited, pageErr: domain.ErrRateLimited}
		if _, err := newMarketService(src, nil).Search(context.Background(), "election", 10); !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
	})
	t.Run("empty query", func(t *testing.T) {
		if _, err := newMarketService(&fakeSource{}, nil).Search(context.Background(), " ", 10); !errors.Is(err, domain.ErrInvalidQuery) {
			t.Fatalf("err = %v, want ErrInvalidQuery", err)
		}
	})
}

func TestSearchCachesResults(t *testing.T) {
	src := &fakeSource{pages: electionPages()}
	cache := &memMarketCache{}
	svc := newMarketService(src, cache)
	ctx := context.Background()

	first, err := svc.Search(ctx, "Election", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	calls := len(src.queries)
	second, err := svc.Search(ctx, "election", 10)
	if err != nil {
		t.Fatalf("cached Search: %v", err)
	}
	if len(src.queries) != calls {
		t.Fatalf("cached search hit the source")
	}
	if conditionIDs(first) != conditionIDs(second) {
		t.Fatalf("cached results differ: %s vs %s", conditionIDs(first), conditionIDs(second))
	}
}

func TestGetMarkets(t *testing.T) {
	src := &fakeSource{pages: [][]polymarket.APIMarket{{apiMarket("c1", "A"), {ConditionID: "c2", Question: "B"}}}}
	svc := newMarketService(src, nil)
	ctx := context.Background()

	if _, err := svc.Get(ctx, 500, ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	q := src.queries[0]
	if q.Limit != MaxMarketLimit || q.Order != "volume24hr" || q.Ascending || !q.OpenOnly {
		t.Errorf("query = %+v", q)
	}

	src.queries = nil
	got, err := svc.Get(ctx, 2, domain.SortEndDate)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q := src.queries[0]; q.Order != "endDate" || !q.Ascending {
		t.Errorf("end_date query = %+v", q)
	}
	if len(got) != 2 || !got[0].Tradable || got[1].Tradable {
		t.Errorf("markets = %+v", got)
	}

	if _, err := svc.Get(ctx, 10, "popularity"); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("err = %v, want ErrInvalidQuery", err)
	}
}

func TestResolve(t *testing.T) {
	cid := "0x" + strings.Repeat("ab", 32)
	src := &fakeSource{
		server: []polymarket.APIMarket{
			apiMarket("c1", "Will the election be held?"),
			apiMarket("c2", "The Election"),
			{ConditionID: "c3", Question: "Election untradable"},
		},
		byID: map[string]polymarket.APIMarket{cid: apiMarket(cid, "By id")},
	}
	svc := newMarketService(src, nil)
	ctx := context.Background()

	tests := []struct {
		query   string
		want    string
		wantErr error
	}{
		{"the election", "c2", nil},
		{"will the", "c1", nil},
		{"election untradable", "", domain.ErrNotTradable},
		{cid, cid, nil},
		{"0x" + strings.Repeat("cd", 32), "", domain.ErrMarketNotFound},
		{"nothing matches", "", domain.ErrMarketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			m, err := svc.Resolve(ctx, tt.query)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, domain.ErrMarketNotFound) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || m.ConditionID != tt.want {
				t.Fatalf("Resolve = %s, %v; want %s", m.ConditionID, err, tt.want)
			}
		})
	}
}
