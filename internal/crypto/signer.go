package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signature types understood by the CTF exchange.
const (
	SignatureEOA            = 0
	SignaturePolyProxy      = 1
	SignaturePolyGnosisSafe = 2
)

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	domainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	domainTypeWithContract = append(append([]apitypes.Type{}, domainType...),
		apitypes.Type{Name: "verifyingContract", Type: "address"})

	clobAuthType = []apitypes.Type{
		{Name: "address", Type: "address"},
		{Name: "timestamp", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "message", Type: "string"},
	}

	orderType = []apitypes.Type{
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	}
)

// OrderPayload represents the 12 fields of a Polymarket CLOB order that
// must be signed via EIP-712. String types are used for addresses and large
// numbers to preserve precision across JSON boundaries.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer provides EIP-712 signing for the Polymarket CLOB API on behalf of
// one wallet key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner wraps a decoded key for the target chain (137 for Polygon
// mainnet, 80002 for Amoy testnet).
func NewSigner(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
}

// NewSignerFromHex parses a hex private key and wraps it.
func NewSignerFromHex(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w", err)
	}
	return NewSigner(pk, chainID), nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() int64 {
	return s.chainID
}

// SignAuthMessage signs the ClobAuth message used for L1 authentication
// (API key creation and derivation).
func (s *Signer) SignAuthMessage(timestamp, nonce int64) (string, error) {
	return s.signTypedData(s.clobAuthTypedData(timestamp, nonce))
}

func (s *Signer) clobAuthTypedData(timestamp, nonce int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"ClobAuth":     clobAuthType,
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     strconv.FormatInt(nonce, 10),
			"message":   clobAuthMessage,
		},
	}
}

// SignOrder signs an Order struct against the exchange contract domain and
// returns a hex-encoded 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload, exchange common.Address) (string, error) {
	return s.signTypedData(orderTypedData(s.chainID, order, exchange))
}

func orderTypedData(chainID int64, order OrderPayload, exchange common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypeWithContract,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         strings.ToLower(order.Maker),
			"signer":        strings.ToLower(order.Signer),
			"taker":         strings.ToLower(order.Taker),
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          strconv.Itoa(order.Side),
			"signatureType": strconv.Itoa(order.SignatureType),
		},
	}
}

// TypedDataDigest returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func TypedDataDigest(td apitypes.TypedData) ([]byte, error) {
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: hash domain: %w", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: hash %s: %w", td.PrimaryType, err)
	}
	raw := make([]byte, 0, 2+len(domainSep)+len(msgHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSep...)
	raw = append(raw, msgHash...)
	return ethcrypto.Keccak256(raw), nil
}

func (s *Signer) signTypedData(td apitypes.TypedData) (string, error) {
	digest, err := TypedDataDigest(td)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}
