package domain

import "time"

// WalletKind describes who holds the signing key for a wallet.
type WalletKind string

const (
	WalletGenerated   WalletKind = "generated"
	WalletImported    WalletKind = "imported"
	WalletExternal    WalletKind = "external"
	WalletRelayedSafe WalletKind = "relayed_safe"
)

// Custodial reports whether the service holds the key for this kind.
func (k WalletKind) Custodial() bool {
	return k == WalletGenerated || k == WalletImported || k == WalletRelayedSafe
}

// Wallet is a user's wallet record. Only the active record is used for
// trading; replaced records are kept as history.
type Wallet struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	Address      string     `json:"address"`
	Kind         WalletKind `json:"kind"`
	OwnerAddress string     `json:"owner_address,omitempty"` // EOA owning a relayed Safe
	EncryptedKey []byte     `json:"-"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasKey reports whether an encrypted key is stored with the record.
func (w Wallet) HasKey() bool {
	return len(w.EncryptedKey) > 0
}

// SignerAddress is the EOA that signs for this wallet.
func (w Wallet) SignerAddress() string {
	if w.Kind == WalletRelayedSafe && w.OwnerAddress != "" {
		return w.OwnerAddress
	}
	return w.Address
}
