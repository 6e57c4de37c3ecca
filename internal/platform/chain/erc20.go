package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABIJSON is the minimal ERC-20 surface the gateway touches.
const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function","stateMutability":"view"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// MaxUint256 is the conventional "unlimited" approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse erc20 abi: %v", err))
	}
	return parsed
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

func packDecimals() ([]byte, error) {
	return erc20ABI.Pack("decimals")
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

func packTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, value)
}

func packApprove(spender common.Address, value *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, value)
}

// unpackUint256 decodes a single uint256 return value.
func unpackUint256(method string, out []byte) (*big.Int, error) {
	vals, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

func unpackDecimals(out []byte) (int32, error) {
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("unpack decimals: expected 1 value, got %d", len(vals))
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unpack decimals: unexpected type %T", vals[0])
	}
	return int32(d), nil
}
