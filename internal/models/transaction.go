package models

import "time"

// Operation is the kind of value movement a transaction records.
type Operation string

const (
	OpMint     Operation = "mint"
	OpTransfer Operation = "transfer"
	OpBurn     Operation = "burn"
)

// TxStatus follows a strict state machine: pending -> confirmed|failed, and
// pending -> expired via the background sweep. Terminal states never change.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxExpired   TxStatus = "expired"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s TxStatus) IsTerminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxExpired
}

// TransactionRecord is immutable once confirmed. Amount is in the smallest
// token unit. FromUser is empty for mints, ToUser is empty for burns.
type TransactionRecord struct {
	TransactionID     string     `db:"transaction_id" json:"transaction_id"`
	FromUser          string     `db:"from_user" json:"from_user,omitempty"`
	ToUser            string     `db:"to_user" json:"to_user,omitempty"`
	Amount            uint64     `db:"amount" json:"amount"`
	TokenType         string     `db:"token_type" json:"token_type"`
	Operation         Operation  `db:"operation" json:"operation"`
	Status            TxStatus   `db:"status" json:"status"`
	Reason            string     `db:"reason" json:"reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	ConfirmedAt       *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ExternalSignature string     `db:"external_signature" json:"external_signature,omitempty"`
	Fee               uint64     `db:"fee" json:"fee,omitempty"`
}

// TransactionPage is a newest-first page of records with an opaque cursor.
type TransactionPage struct {
	Records    []*TransactionRecord `json:"records"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// LedgerStatistics is computed from confirmed records only, never estimated.
type LedgerStatistics struct {
	TokenType         string `json:"token_type"`
	TotalSupply       uint64 `json:"total_supply"`
	CirculatingSupply uint64 `json:"circulating_supply"`
	HolderCount       int    `json:"holder_count"`
}
