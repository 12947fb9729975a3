package models

import "time"

// TokenBalance is the confirmed balance for one (user, token type) pair.
// Invariant: balance equals the sum of confirmed mints and incoming
// transfers minus confirmed outgoing transfers and burns.
type TokenBalance struct {
	UserID           string    `db:"user_id" json:"user_id"`
	TokenType        string    `db:"token_type" json:"token_type"`
	Balance          uint64    `db:"balance" json:"balance"`
	LastUpdated      time.Time `db:"last_updated" json:"last_updated"`
	TransactionCount int64     `db:"transaction_count" json:"transaction_count"`
}
