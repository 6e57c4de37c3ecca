package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// Gas limits for the two transaction shapes the gateway sends.
const (
	NativeTransferGas uint64 = 21_000
	TokenCallGas      uint64 = 100_000
)

type txRequest struct {
	op       string
	to       common.Address
	value    *big.Int
	data     []byte
	gasLimit uint64
	// tokenSpend is checked against the stable-token balance before sending.
	tokenSpend *big.Int
}

// Approve grants spender an allowance on the stable token. When unlimited is
// set amount is ignored and the maximum uint256 is approved.
func (g *Gateway) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int, unlimited bool) (domain.TxReceipt, error) {
	value := amount
	if unlimited {
		value = MaxUint256
	}
	if value == nil || value.Sign() <= 0 {
		return domain.TxReceipt{}, fmt.Errorf("chain: approve: %w: amount must be positive", domain.ErrInvalidAmount)
	}
	data, err := packApprove(spender, value)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: pack approve: %w", err)
	}
	return g.send(ctx, key, txRequest{
		op:       "approve",
		to:       g.opts.USDC,
		value:    new(big.Int),
		data:     data,
		gasLimit: TokenCallGas,
	})
}

// Transfer moves amount (base units) of asset to the recipient and waits for
// one confirmation. A confirmation timeout yields *domain.PendingError.
func (g *Gateway) Transfer(ctx context.Context, key *ecdsa.PrivateKey, asset domain.Asset, to common.Address, amount *big.Int) (domain.TxReceipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.TxReceipt{}, fmt.Errorf("chain: transfer: %w: amount must be positive", domain.ErrInvalidAmount)
	}
	if to == (common.Address{}) {
		return domain.TxReceipt{}, fmt.Errorf("chain: transfer: %w: zero recipient", domain.ErrInvalidAddress)
	}

	switch asset {
	case domain.AssetNative:
		return g.send(ctx, key, txRequest{
			op:       "native transfer",
			to:       to,
			value:    amount,
			gasLimit: NativeTransferGas,
		})
	case domain.AssetUSDC:
		data, err := packTransfer(to, amount)
		if err != nil {
			return domain.TxReceipt{}, fmt.Errorf("chain: pack transfer: %w", err)
		}
		return g.send(ctx, key, txRequest{
			op:         "token transfer",
			to:         g.opts.USDC,
			value:      new(big.Int),
			data:       data,
			gasLimit:   TokenCallGas,
			tokenSpend: amount,
		})
	default:
		return domain.TxReceipt{}, fmt.Errorf("chain: transfer: unknown asset %q", asset)
	}
}

// send prechecks gas (and token balance), signs, broadcasts once, and waits
// for the receipt. Nothing here is retried.
func (g *Gateway) send(ctx context.Context, key *ecdsa.PrivateKey, req txRequest) (domain.TxReceipt, error) {
	b, url, err := g.backend(ctx)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	from := ethcrypto.PubkeyToAddress(key.PublicKey)

	cctx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	gasPrice, err := b.SuggestGasPrice(cctx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: gas price: %w", req.op, err)
	}
	native, err := b.BalanceAt(cctx, from, nil)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: native balance: %w", req.op, err)
	}

	required := new(big.Int).Mul(new(big.Int).SetUint64(req.gasLimit), gasPrice)
	required.Add(required, req.value)
	if native.Cmp(required) < 0 {
		return domain.TxReceipt{}, &domain.InsufficientGasError{Required: required, Available: native}
	}

	if req.tokenSpend != nil {
		data, err := packBalanceOf(from)
		if err != nil {
			return domain.TxReceipt{}, fmt.Errorf("chain: pack balanceOf: %w", err)
		}
		out, err := b.CallContract(cctx, ethereum.CallMsg{To: &g.opts.USDC, Data: data}, nil)
		if err != nil {
			return domain.TxReceipt{}, fmt.Errorf("chain: %s: token balance: %w", req.op, err)
		}
		bal, err := unpackUint256("balanceOf", out)
		if err != nil {
			return domain.TxReceipt{}, fmt.Errorf("chain: %w", &domain.ParseError{Source: "erc20", Field: "balanceOf", Err: err})
		}
		if bal.Cmp(req.tokenSpend) < 0 {
			return domain.TxReceipt{}, &domain.InsufficientFundsError{
				Required:  domain.NewAmount(req.tokenSpend, g.opts.USDCDecimals).String(),
				Available: domain.NewAmount(bal, g.opts.USDCDecimals).String(),
			}
		}
	}

	nonce, err := b.PendingNonceAt(cctx, from)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: nonce: %w", req.op, err)
	}

	to := req.to
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    req.value,
		Gas:      req.gasLimit,
		GasPrice: gasPrice,
		Data:     req.data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(g.opts.ChainID)), key)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: sign: %w", req.op, err)
	}

	if err := b.SendTransaction(cctx, signed); err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: broadcast: %w", req.op, err)
	}

	g.logger.InfoContext(ctx, "transaction broadcast",
		slog.String("op", req.op),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("from", from.Hex()),
		slog.String("endpoint", url),
		slog.Uint64("nonce", nonce),
	)

	return g.waitMined(ctx, b, signed.Hash())
}

// waitMined polls for a receipt until ConfirmTimeout elapses.
func (g *Gateway) waitMined(ctx context.Context, b Backend, hash common.Hash) (domain.TxReceipt, error) {
	wctx, cancel := context.WithTimeout(ctx, g.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		r, err := b.TransactionReceipt(wctx, hash)
		if err == nil && r != nil {
			receipt := domain.TxReceipt{
				TxHash:  hash.Hex(),
				GasUsed: r.GasUsed,
				Status:  r.Status,
			}
			if r.BlockNumber != nil {
				receipt.BlockNumber = r.BlockNumber.Uint64()
			}
			if r.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("chain: tx %s reverted: %w", hash.Hex(), domain.ErrFailed)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && wctx.Err() == nil {
			g.logger.DebugContext(ctx, "receipt query failed",
				slog.String("tx_hash", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-wctx.Done():
			g.logger.WarnContext(ctx, "transaction unconfirmed",
				slog.String("tx_hash", hash.Hex()),
				slog.Duration("waited", g.opts.ConfirmTimeout),
			)
			return domain.TxReceipt{TxHash: hash.Hex()}, &domain.PendingError{TxHash: hash.Hex()}
		case <-ticker.C:
		}
	}
}
