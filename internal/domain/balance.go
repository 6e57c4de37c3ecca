package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is a token quantity in base units. Uncertain marks a zero that was
// returned because the chain could not be queried.
type Amount struct {
	Raw       *big.Int
	Decimals  int32
	Uncertain bool
}

// NewAmount wraps raw base units.
func NewAmount(raw *big.Int, decimals int32) Amount {
	if raw == nil {
		raw = new(big.Int)
	}
	return Amount{Raw: raw, Decimals: decimals}
}

// UncertainZero is the value reported when a balance query failed.
func UncertainZero(decimals int32) Amount {
	return Amount{Raw: new(big.Int), Decimals: decimals, Uncertain: true}
}

// Decimal returns the human-readable amount.
func (a Amount) Decimal() decimal.Decimal {
	if a.Raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Raw, -a.Decimals)
}

// String renders the human-readable amount.
func (a Amount) String() string {
	return a.Decimal().String()
}

// ToBaseUnits converts a human amount into base units, truncating extra
// precision.
func ToBaseUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// BalanceSnapshot is fetched fresh before every trade-affecting decision and
// never cached.
type BalanceSnapshot struct {
	Address string
	Native  Amount
	Stable  Amount
}

// Asset selects what a transfer moves.
type Asset string

const (
	AssetNative Asset = "native"
	AssetUSDC   Asset = "usdc"
)

// TxReceipt summarises a confirmed transaction.
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Status      uint64 `json:"status"`
}

// GasPrice is the suggested gas price in wei and gwei.
type GasPrice struct {
	Wei  *big.Int        `json:"wei"`
	Gwei decimal.Decimal `json:"gwei"`
}
