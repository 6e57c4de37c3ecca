package domain

import (
	"strings"
	"time"
)

// MarketSort is the ordering key for market listings.
type MarketSort string

const (
	SortVolume24h MarketSort = "volume24hr"
	SortVolume    MarketSort = "volume"
	SortLiquidity MarketSort = "liquidity"
	SortEndDate   MarketSort = "end_date"
)

// ValidSort reports whether s is a supported sort key.
func ValidSort(s MarketSort) bool {
	switch s {
	case SortVolume24h, SortVolume, SortLiquidity, SortEndDate:
		return true
	}
	return false
}

// Market is a binary prediction market. TokenIDs[0] is the YES leg and
// TokenIDs[1] the NO leg. Prices are point-in-time snapshots.
type Market struct {
	ConditionID string     `json:"condition_id"`
	Slug        string     `json:"slug,omitempty"`
	Question    string     `json:"question"`
	Category    string     `json:"category,omitempty"`
	TokenIDs    [2]string  `json:"token_ids"`
	Outcomes    [2]string  `json:"outcomes"`
	YesPrice    float64    `json:"yes_price"`
	NoPrice     float64    `json:"no_price"`
	Liquidity   float64    `json:"liquidity"`
	Volume      float64    `json:"volume"`
	Volume24h   float64    `json:"volume_24h"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Active      bool       `json:"active"`
	Closed      bool       `json:"closed"`
	NegRisk     bool       `json:"neg_risk"`
	Tradable    bool       `json:"tradable"`
}

// TokenFor returns the token id for the given outcome.
func (m Market) TokenFor(o Outcome) string {
	if o == OutcomeNo {
		return m.TokenIDs[1]
	}
	return m.TokenIDs[0]
}

// PriceFor returns the snapshot price for the given outcome.
func (m Market) PriceFor(o Outcome) float64 {
	if o == OutcomeNo {
		return m.NoPrice
	}
	return m.YesPrice
}

// Outcome selects one leg of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome normalizes an outcome label.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "Y":
		return OutcomeYes, true
	case "NO", "N":
		return OutcomeNo, true
	}
	return "", false
}
