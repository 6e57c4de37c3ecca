// Package crypto provides wallet key sealing, key parsing, EIP-712 signing,
// and HMAC authentication for the Polymarket CLOB API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random per-record salt length in bytes.
	saltLen = 16
	// aesKeyLen is the AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-key JSON schema version.
	currentVersion = 1

	hkdfInfo = "polywallet/wallet-key/v1"
)

var (
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrInvalidSecret    = errors.New("crypto: vault secret must be 32 bytes (hex or base64) or a passphrase")
)

// sealedKeyJSON is the stored format for an encrypted private key.
type sealedKeyJSON struct {
	Version    int    `json:"v"`
	Salt       string `json:"salt"`  // base64 standard encoding
	Nonce      string `json:"nonce"` // base64 standard encoding
	Ciphertext string `json:"ct"`    // base64 standard encoding
}

// Vault seals private keys with AES-256-GCM. Each record gets its own key
// derived from the master secret with HKDF-SHA256 and a random salt, and the
// owning user id is bound as additional authenticated data.
type Vault struct {
	master []byte
}

// NewVault creates a Vault from a 32-byte master key.
func NewVault(master []byte) (*Vault, error) {
	if len(master) != aesKeyLen {
		return nil, ErrInvalidSecret
	}
	m := make([]byte, aesKeyLen)
	copy(m, master)
	return &Vault{master: m}, nil
}

// NewVaultFromSecret resolves the master key from configuration. A secret of
// 64 hex characters or base64 of 32 bytes is used directly. Otherwise, when
// isPassphrase is set, the master key is derived with PBKDF2-HMAC-SHA256 and
// kdfSalt.
func NewVaultFromSecret(secret string, isPassphrase bool, kdfSalt string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	if !isPassphrase {
		if b, err := hex.DecodeString(strings.TrimPrefix(secret, "0x")); err == nil && len(b) == aesKeyLen {
			return NewVault(b)
		}
		if b, err := base64.StdEncoding.DecodeString(secret); err == nil && len(b) == aesKeyLen {
			return NewVault(b)
		}
		return nil, ErrInvalidSecret
	}
	if kdfSalt == "" {
		return nil, errors.New("crypto: kdf salt is required for passphrase secrets")
	}
	derived := pbkdf2.Key([]byte(secret), []byte(kdfSalt), pbkdf2Iterations, aesKeyLen, sha256.New)
	return NewVault(derived)
}

// Seal encrypts plaintext for userID and returns the JSON envelope.
func (v *Vault) Seal(plaintext []byte, userID string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("crypto: nothing to seal")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := v.recordCipher(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(userID))

	return json.Marshal(sealedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// Open decrypts an envelope produced by Seal for the same userID.
func (v *Vault) Open(sealed []byte, userID string) ([]byte, error) {
	var stored sealedKeyJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed key: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := v.recordCipher(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (v *Vault) recordCipher(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("crypto: deriving record key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
