package monitor

import (
	"fmt"

	"token-service/internal/config"
	"token-service/internal/models"
)

// Rule inspects a single event together with the rolling aggregates for the
// affected user. A nil result means the rule did not fire. Rules are
// independent; every enabled rule is evaluated on every event.
type Rule interface {
	ID() string
	Evaluate(event *models.TransactionEvent, metrics *MetricsSnapshot) *models.Alert
}

// failedStreakRule fires when one user accumulates too many failed
// transactions inside the rolling window.
type failedStreakRule struct {
	threshold int
}

func (r *failedStreakRule) ID() string { return "failed_tx_streak" }

func (r *failedStreakRule) Evaluate(event *models.TransactionEvent, metrics *MetricsSnapshot) *models.Alert {
	if event.Outcome != string(models.TxFailed) {
		return nil
	}
	if metrics.FailedCount < r.threshold {
		return nil
	}
	userID := eventSubject(event)
	return &models.Alert{
		Level:   models.AlertError,
		Title:   "Repeated transaction failures",
		Message: fmt.Sprintf("user %s has %d failed transactions in the current window", userID, metrics.FailedCount),
		RuleID:  r.ID(),
		UserID:  userID,
	}
}

// largeTransferRule fires on any single transfer at or above the configured
// amount, regardless of outcome.
type largeTransferRule struct {
	amount uint64
}

func (r *largeTransferRule) ID() string { return "large_transfer" }

func (r *largeTransferRule) Evaluate(event *models.TransactionEvent, metrics *MetricsSnapshot) *models.Alert {
	if event.Record.Operation != models.OpTransfer {
		return nil
	}
	if event.Record.Amount < r.amount {
		return nil
	}
	return &models.Alert{
		Level:   models.AlertWarning,
		Title:   "Large transfer",
		Message: fmt.Sprintf("transfer of %d from %s to %s exceeds threshold %d", event.Record.Amount, event.Record.FromUser, event.Record.ToUser, r.amount),
		RuleID:  r.ID(),
		UserID:  event.Record.FromUser,
	}
}

// expiredIntentRule flags transactions the sweeper abandoned; an expiry means
// the external broadcast never reconciled.
type expiredIntentRule struct{}

func (r *expiredIntentRule) ID() string { return "expired_intent" }

func (r *expiredIntentRule) Evaluate(event *models.TransactionEvent, metrics *MetricsSnapshot) *models.Alert {
	if event.Outcome != string(models.TxExpired) {
		return nil
	}
	userID := eventSubject(event)
	return &models.Alert{
		Level:   models.AlertWarning,
		Title:   "Transaction expired",
		Message: fmt.Sprintf("transaction %s for user %s expired before confirmation", event.Record.TransactionID, userID),
		RuleID:  r.ID(),
		UserID:  userID,
	}
}

func defaultRules(cfg config.MonitorConfig) []Rule {
	return []Rule{
		&failedStreakRule{threshold: cfg.FailedTxThreshold},
		&largeTransferRule{amount: cfg.LargeTransferAmount},
		&expiredIntentRule{},
	}
}

// eventSubject is the user a rule attributes the event to: the debited party
// when there is one, otherwise the recipient.
func eventSubject(event *models.TransactionEvent) string {
	if event.Record.FromUser != "" {
		return event.Record.FromUser
	}
	return event.Record.ToUser
}
