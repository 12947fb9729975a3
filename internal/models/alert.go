package models

import "time"

// AlertLevel severity, lowest to highest.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

type Alert struct {
	AlertID              string     `json:"alert_id"`
	Level                AlertLevel `json:"level"`
	Title                string     `json:"title"`
	Message              string     `json:"message"`
	RuleID               string     `json:"rule_id"`
	RelatedTransactionID string     `json:"related_transaction_id,omitempty"`
	UserID               string     `json:"user_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	Resolved             bool       `json:"resolved"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// TransactionEvent is what the orchestration layer hands to the monitor
// after a transaction reaches a terminal state.
type TransactionEvent struct {
	EventBucket int                `json:"event_bucket"`
	EventDate   string             `json:"event_date"`
	TimeBucket  int64              `json:"time_bucket"`
	Record      *TransactionRecord `json:"record"`
	Outcome     string             `json:"outcome"`
	ObservedAt  time.Time          `json:"observed_at"`
}
