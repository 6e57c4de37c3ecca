package executor

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

const (
	priceDecimals  = 4
	sharesDecimals = 4
	usdcDecimals   = 2
	reportDecimals = 2

	// USDC and conditional-token shares both use 6 base-unit decimals.
	baseUnitDecimals = 6
)

// Pricing is the slippage policy applied to a quoted price.
type Pricing struct {
	Slippage decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// DefaultPricing is 5% slippage inside [0.01, 0.99].
func DefaultPricing() Pricing {
	return Pricing{
		Slippage: decimal.RequireFromString("0.05"),
		MinPrice: decimal.RequireFromString("0.01"),
		MaxPrice: decimal.RequireFromString("0.99"),
	}
}

// LimitPrice raises a buy quote by the slippage tolerance, capped at
// MaxPrice, or lowers a sell quote, floored at MinPrice.
func (p Pricing) LimitPrice(quote decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.OrderSideSell {
		price := quote.Mul(one.Sub(p.Slippage)).Round(priceDecimals)
		if price.LessThan(p.MinPrice) {
			return p.MinPrice
		}
		return price
	}
	price := quote.Mul(one.Add(p.Slippage)).Round(priceDecimals)
	if price.GreaterThan(p.MaxPrice) {
		return p.MaxPrice
	}
	return price
}

// Quote is a priced order: the limit price, the share count and the signed
// maker/taker amounts in base units.
type Quote struct {
	Quoted      decimal.Decimal
	Price       decimal.Decimal
	Shares      decimal.Decimal // 4 dp, as signed
	Cost        decimal.Decimal // USDC leg, 2 dp
	MakerAmount *big.Int
	TakerAmount *big.Int
}

// ReportedSize is the share count rounded for display.
func (q Quote) ReportedSize() decimal.Decimal {
	return q.Shares.Round(reportDecimals)
}

// Price computes the limit price and order amounts for spending (BUY) or
// receiving (SELL) amount USDC at quote.
//
// A buy makes USDC and takes shares; a sell makes shares and takes USDC.
func (p Pricing) Price(quote, amount decimal.Decimal, side domain.OrderSide) (Quote, error) {
	if !quote.IsPositive() || quote.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Quote{}, fmt.Errorf("%w: quoted price %s outside (0, 1)", domain.ErrInvalidOrder, quote)
	}
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}

	price := p.LimitPrice(quote, side)
	cost := amount.RoundDown(usdcDecimals)
	shares := cost.Div(price).RoundDown(sharesDecimals)
	if !shares.IsPositive() || !cost.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount %s too small at price %s", domain.ErrInvalidOrder, amount, price)
	}

	q := Quote{Quoted: quote, Price: price, Shares: shares, Cost: cost}
	usdcUnits := domain.ToBaseUnits(cost, baseUnitDecimals)
	shareUnits := domain.ToBaseUnits(shares, baseUnitDecimals)
	if side == domain.OrderSideSell {
		// Proceeds are what the rounded share count fetches at the limit.
		cost = shares.Mul(price).RoundDown(usdcDecimals)
		q.Cost = cost
		q.MakerAmount, q.TakerAmount = shareUnits, domain.ToBaseUnits(cost, baseUnitDecimals)
		return q, nil
	}
	q.MakerAmount, q.TakerAmount = usdcUnits, shareUnits
	return q, nil
}
