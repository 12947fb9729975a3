// Package ledger is the single source of truth for balances and
// transactions. Records follow a strict state machine (pending to
// confirmed, failed or expired) and a commit applies the record and its
// balance updates in one atomic step, so balances can never drift from the
// sum of confirmed transactions.
package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"token-service/internal/errs"
	"token-service/internal/models"
)

// DefaultTokenType is used when the caller does not name a token type.
const DefaultTokenType = "PLAT"

// Store is the durable ledger. Implementations must guarantee that Commit
// is atomic (record status and balance rows change together or not at all)
// and that concurrent debits of one account serialize.
type Store interface {
	// Begin validates the intent and creates a pending record. Amount
	// must be positive; transfers and burns must be covered by the
	// debited user's confirmed balance or no record is created.
	Begin(ctx context.Context, fromUser, toUser string, amount uint64, tokenType string, op models.Operation, reason string) (*models.TransactionRecord, error)
	// Commit finalizes a pending record and applies its balance changes.
	// Committing an already confirmed record is idempotent. Sufficiency
	// is re-validated under the debited account's lock; on shortfall the
	// record is marked failed and errs.ErrInsufficientFunds returned.
	Commit(ctx context.Context, transactionID, externalSignature string) (*models.TransactionRecord, error)
	// Fail marks a pending record failed with a reason.
	Fail(ctx context.Context, transactionID, reason string) (*models.TransactionRecord, error)
	// ExpireStale transitions pending records older than maxAge to
	// expired and returns them.
	ExpireStale(ctx context.Context, maxAge time.Duration) ([]*models.TransactionRecord, error)

	Get(ctx context.Context, transactionID string) (*models.TransactionRecord, error)
	GetBalance(ctx context.Context, userID, tokenType string) (*models.TokenBalance, error)
	// GetTransactions pages a user's records newest-first.
	GetTransactions(ctx context.Context, userID string, limit int, cursor string) (*models.TransactionPage, error)
	// Statistics is computed from confirmed records only.
	Statistics(ctx context.Context, tokenType string) (*models.LedgerStatistics, error)

	HealthCheck(ctx context.Context) error
}

// ValidateIntent applies the shared begin-time checks.
func ValidateIntent(fromUser, toUser string, amount uint64, op models.Operation) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidAmount)
	}
	switch op {
	case models.OpMint:
		if toUser == "" {
			return fmt.Errorf("%w: mint requires a recipient", errs.ErrInvalidAmount)
		}
	case models.OpTransfer:
		if fromUser == "" || toUser == "" {
			return fmt.Errorf("%w: transfer requires both parties", errs.ErrInvalidAmount)
		}
		if fromUser == toUser {
			return fmt.Errorf("%w: transfer to self", errs.ErrInvalidAmount)
		}
	case models.OpBurn:
		if fromUser == "" {
			return fmt.Errorf("%w: burn requires an owner", errs.ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", errs.ErrInvalidAmount, op)
	}
	return nil
}

// EncodeCursor packs the sort position of the last record into an opaque
// page token.
func EncodeCursor(createdAt time.Time, transactionID string) string {
	raw := fmt.Sprintf("%d:%s", createdAt.UnixNano(), transactionID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. An empty cursor means "first page".
func DecodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	return time.Unix(0, nanos), parts[1], nil
}
