package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the Polymarket CLOB and Builder APIs.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret (base64url for L2, raw for Builder)
	Passphrase string // API passphrase
}

// Empty reports whether no credentials are set.
func (h *HMACAuth) Empty() bool {
	return h == nil || h.Key == "" || h.Secret == "" || h.Passphrase == ""
}

// L2Headers returns the HTTP headers for an L2 (CLOB) API request signed
// at the current time.
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers but lets the caller supply the Unix
// timestamp.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64URL(decodeSecret(h.Secret), ts+method+path+body)

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// BuilderHeadersAt returns builder-attribution headers. The builder secret
// is used as raw bytes.
func (h *HMACAuth) BuilderHeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64URL([]byte(h.Secret), ts+method+path+body)

	return map[string]string{
		"POLY_BUILDER_API_KEY":    h.Key,
		"POLY_BUILDER_TIMESTAMP":  ts,
		"POLY_BUILDER_PASSPHRASE": h.Passphrase,
		"POLY_BUILDER_SIGNATURE":  sig,
	}
}

// decodeSecret accepts the CLOB secret in base64url or standard base64.
// Undecodable secrets are used as raw bytes, which yields a signature the
// venue rejects rather than a panic.
func decodeSecret(secret string) []byte {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(secret); err == nil {
			return b
		}
	}
	return []byte(secret)
}

func hmacSHA256Base64URL(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
