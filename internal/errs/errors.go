// Package errs defines the stable error taxonomy shared across the token
// trust core. Every error carries a short machine-readable code that is safe
// to return to callers; raw causes (store failures, crypto internals) are
// wrapped and logged but never exposed.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrWalletInactive      = errors.New("wallet is inactive")
	ErrDuplicateWallet     = errors.New("wallet already exists")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrEncryption          = errors.New("encryption failed")
	ErrDecryption          = errors.New("decryption failed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyFinalized    = errors.New("transaction already finalized")
	ErrPersistence         = errors.New("persistence failure")
)

// Code returns the stable, non-sensitive code for a core error. Unknown
// errors map to "internal" so callers never see wrapped causes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_failed"
	case errors.Is(err, ErrWalletInactive):
		return "wallet_inactive"
	case errors.Is(err, ErrDuplicateWallet):
		return "duplicate_wallet"
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, ErrEncryption):
		return "encryption_failed"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrAlreadyFinalized):
		return "transaction_already_finalized"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		var rle *RateLimitError
		if errors.As(err, &rle) {
			return "rate_limit_exceeded"
		}
		return "internal"
	}
}

// RateLimitError is returned when an operation is throttled. Reason is one
// of "in_cooldown", "window_exceeded" or "burst_exceeded".
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (retry after %s)", e.Reason, e.RetryAfter)
}

// IsRateLimited reports whether err is a throttling denial.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}
