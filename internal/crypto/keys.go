package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// GenerateKey creates a fresh secp256k1 key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return pk, nil
}

// NormalizeKeyHex trims whitespace and an optional 0x prefix and checks for
// exactly 64 hex characters.
func NormalizeKeyHex(raw string) (string, error) {
	k := strings.TrimSpace(raw)
	k = strings.TrimPrefix(strings.TrimPrefix(k, "0x"), "0X")
	if len(k) != 64 {
		return "", fmt.Errorf("%w: expected 64 hex characters, got %d", domain.ErrInvalidKey, len(k))
	}
	if _, err := hex.DecodeString(k); err != nil {
		return "", fmt.Errorf("%w: not hex", domain.ErrInvalidKey)
	}
	return strings.ToLower(k), nil
}

// ParsePrivateKey normalizes raw and decodes it into a secp256k1 key.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	k, err := NormalizeKeyHex(raw)
	if err != nil {
		return nil, err
	}
	pk, err := ethcrypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	return pk, nil
}

// KeyBytes returns the 32-byte big-endian scalar of pk.
func KeyBytes(pk *ecdsa.PrivateKey) []byte {
	return ethcrypto.FromECDSA(pk)
}

// KeyFromBytes decodes a 32-byte scalar.
func KeyFromBytes(b []byte) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	return pk, nil
}

// KeyHex returns the 0x-prefixed hex encoding of pk.
func KeyHex(pk *ecdsa.PrivateKey) string {
	return "0x" + hex.EncodeToString(KeyBytes(pk))
}

// AddressOf derives the checksummed address of pk.
func AddressOf(pk *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(pk.PublicKey)
}

// ParseAddress validates a 0x-prefixed 20-byte hex address. All-lower or
// all-upper input is accepted as is; mixed-case input must carry a valid
// EIP-55 checksum.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 42 || !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != s {
		return common.Address{}, fmt.Errorf("%w: bad checksum %q", domain.ErrInvalidAddress, raw)
	}
	return addr, nil
}
