package domain

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrLockHeld      = errors.New("lock already held")

	ErrUnreachable          = errors.New("no rpc endpoint reachable")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientGas      = errors.New("insufficient native balance for gas")
	ErrMarketNotFound       = errors.New("market not found")
	ErrNotTradable          = errors.New("market is not tradable")
	ErrInvalidKey           = errors.New("invalid private key")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrCredentialDerivation = errors.New("credential derivation failed")
	ErrRejected             = errors.New("order rejected by venue")
	ErrFailed               = errors.New("operation failed")
	ErrForbidden            = errors.New("forbidden")
	ErrLedgerWriteFailed    = errors.New("ledger write failed")
	ErrPendingUnconfirmed   = errors.New("transaction pending confirmation")
	ErrParse                = errors.New("unexpected response format")
	ErrSessionActive        = errors.New("session already active")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidUser          = errors.New("invalid user id")
	ErrInvalidQuery         = errors.New("invalid query")
)

// InsufficientGasError reports the exact native-token shortfall (in wei)
// for a transaction that was not attempted.
type InsufficientGasError struct {
	Required  *big.Int
	Available *big.Int
}

// Shortfall returns Required - Available.
func (e *InsufficientGasError) Shortfall() *big.Int {
	return new(big.Int).Sub(e.Required, e.Available)
}

func (e *InsufficientGasError) Error() string {
	return fmt.Sprintf("insufficient native balance for gas: need %s wei, have %s wei, short %s wei",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientGasError) Unwrap() error { return ErrInsufficientGas }

// InsufficientFundsError reports a stable-token balance below the requested
// trade amount.
type InsufficientFundsError struct {
	Required  string
	Available string
	Uncertain bool
}

func (e *InsufficientFundsError) Error() string {
	if e.Uncertain {
		return fmt.Sprintf("insufficient funds: need %s, balance could not be verified", e.Required)
	}
	return fmt.Sprintf("insufficient funds: need %s, have %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ParseError is returned when a third-party payload does not match the
// expected schema.
type ParseError struct {
	Source string
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %q: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// RejectedError carries the venue's reason for declining an order.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return "order rejected by venue: " + e.Message }

func (e *RejectedError) Unwrap() error { return ErrRejected }

// PendingError is returned when a broadcast transaction was not confirmed
// within the wait window. The transaction may still be mined.
type PendingError struct {
	TxHash string
}

func (e *PendingError) Error() string {
	return "transaction " + e.TxHash + " pending confirmation"
}

func (e *PendingError) Unwrap() error { return ErrPendingUnconfirmed }
