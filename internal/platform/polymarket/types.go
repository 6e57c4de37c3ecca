package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*f = false
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected bool, got %s", truncate(data))
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number, a numeric string, "" or null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*f = 0
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected number, got %s", truncate(data))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected numeric string, got %q", s)
	}
	*f = flexFloat(n)
	return nil
}

// flexStrings accepts a JSON array, a string holding a JSON-encoded array
// (Gamma's `"[\"Yes\",\"No\"]"` form), "" or null. Numeric elements are
// kept in their decimal text form.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*f = nil
		return nil
	}
	raw := data
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = nil
			return nil
		}
		raw = []byte(s)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("expected array, got %s", truncate(data))
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(it, &n); err != nil {
			return fmt.Errorf("expected string or number element, got %s", truncate(it))
		}
		out = append(out, n.String())
	}
	*f = out
	return nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

func truncate(b []byte) string {
	const max = 40
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is a market as returned by the Gamma API. Gamma has shipped
// both camelCase and snake_case variants of several fields.
type APIMarket struct {
	ConditionID      string      `json:"conditionId"`
	ConditionIDSnake string      `json:"condition_id"`
	Question         string      `json:"question"`
	Slug             string      `json:"slug"`
	Category         string      `json:"category"`
	Outcomes         flexStrings `json:"outcomes"`
	OutcomePrices    flexStrings `json:"outcomePrices"`
	ClobTokenIDs     flexStrings `json:"clobTokenIds"`
	Tokens           []Token     `json:"tokens"`
	Volume           flexFloat   `json:"volume"`
	Volume24hr       flexFloat   `json:"volume24hr"`
	Liquidity        flexFloat   `json:"liquidity"`
	EndDate          string      `json:"endDate"`
	EndDateISO       string      `json:"end_date_iso"`
	Active           flexBool    `json:"active"`
	Closed           flexBool    `json:"closed"`
	NegRisk          flexBool    `json:"negRisk"`
	NegRiskSnake     flexBool    `json:"neg_risk"`
}

// Token is a token entry inside a market response.
type Token struct {
	TokenID string    `json:"token_id"`
	Outcome string    `json:"outcome"`
	Price   flexFloat `json:"price"`
}

// ParseMarkets decodes a Gamma market list. The payload must be a JSON array
// (or an object with a "data" array); any element that does not fit the
// schema fails the whole page with a *domain.ParseError.
func ParseMarkets(body []byte) ([]APIMarket, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil || len(wrapped.Data) == 0 {
			return nil, &domain.ParseError{Source: "gamma", Err: errors.New("expected market array")}
		}
		trimmed = wrapped.Data
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &domain.ParseError{Source: "gamma", Err: fmt.Errorf("expected market array: %w", err)}
	}

	markets := make([]APIMarket, 0, len(items))
	for i, it := range items {
		var m APIMarket
		if err := json.Unmarshal(it, &m); err != nil {
			return nil, &domain.ParseError{Source: "gamma", Field: fieldOf(err, i), Err: err}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// ParseMarket decodes a single Gamma market object.
func ParseMarket(body []byte) (APIMarket, error) {
	var m APIMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return APIMarket{}, &domain.ParseError{Source: "gamma", Field: fieldOf(err, -1), Err: err}
	}
	return m, nil
}

func fieldOf(err error, index int) string {
	prefix := ""
	if index >= 0 {
		prefix = fmt.Sprintf("[%d]", index)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return prefix + "." + typeErr.Field
	}
	return prefix
}

// Condition returns whichever condition id variant is populated.
func (m *APIMarket) Condition() string {
	if m.ConditionID != "" {
		return m.ConditionID
	}
	return m.ConditionIDSnake
}

// ToDomainMarket extracts the identifiers needed to trade. A market missing
// its condition id or either token id is returned with Tradable=false.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ConditionID: strings.TrimSpace(m.Condition()),
		Slug:        m.Slug,
		Question:    m.Question,
		Category:    m.Category,
		Outcomes:    [2]string{"Yes", "No"},
		YesPrice:    0.5,
		NoPrice:     0.5,
		Liquidity:   float64(m.Liquidity),
		Volume:      float64(m.Volume),
		Volume24h:   float64(m.Volume24hr),
		Active:      bool(m.Active),
		Closed:      bool(m.Closed),
		NegRisk:     bool(m.NegRisk) || bool(m.NegRiskSnake),
	}
	if dm.Question == "" {
		dm.Question = "Unknown"
	}

	for i, o := range m.Outcomes {
		if i >= 2 {
			break
		}
		if o != "" {
			dm.Outcomes[i] = o
		}
	}

	switch {
	case len(m.ClobTokenIDs) >= 2:
		dm.TokenIDs = [2]string{m.ClobTokenIDs[0], m.ClobTokenIDs[1]}
	case len(m.Tokens) >= 2:
		dm.TokenIDs = [2]string{m.Tokens[0].TokenID, m.Tokens[1].TokenID}
		for i := 0; i < 2; i++ {
			if m.Tokens[i].Outcome != "" {
				dm.Outcomes[i] = m.Tokens[i].Outcome
			}
		}
	}

	switch {
	case len(m.OutcomePrices) >= 2:
		if p, err := strconv.ParseFloat(m.OutcomePrices[0], 64); err == nil {
			dm.YesPrice = p
		}
		if p, err := strconv.ParseFloat(m.OutcomePrices[1], 64); err == nil {
			dm.NoPrice = p
		}
	case len(m.Tokens) >= 2 && (m.Tokens[0].Price > 0 || m.Tokens[1].Price > 0):
		dm.YesPrice = float64(m.Tokens[0].Price)
		dm.NoPrice = float64(m.Tokens[1].Price)
	}

	for _, s := range []string{m.EndDate, m.EndDateISO} {
		if t, ok := parseDate(s); ok {
			dm.EndDate = &t
			break
		}
	}

	dm.Tradable = dm.ConditionID != "" &&
		strings.TrimSpace(dm.TokenIDs[0]) != "" &&
		strings.TrimSpace(dm.TokenIDs[1]) != ""
	return dm
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APICreds are the L2 credentials issued by /auth/derive-api-key.
type APICreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// APIBook is the response of GET /book.
type APIBook struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []BookLevel `json:"bids"`
	Asks    []BookLevel `json:"asks"`
}

// BestAsk returns the lowest ask, or 0 when the side is empty.
func (b *APIBook) BestAsk() float64 {
	best := 0.0
	for _, l := range b.Asks {
		p := float64(l.Price)
		if p > 0 && (best == 0 || p < best) {
			best = p
		}
	}
	return best
}

// BestBid returns the highest bid, or 0 when the side is empty.
func (b *APIBook) BestBid() float64 {
	best := 0.0
	for _, l := range b.Bids {
		if p := float64(l.Price); p > best {
			best = p
		}
	}
	return best
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	Error       string `json:"error,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// Message returns the venue's explanation, whichever field carried it.
func (r *APIOrderResult) Message() string {
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	return r.Error
}
