package ratelimit

import (
	"context"
	"time"
)

// Denial reasons, in the order they are evaluated.
const (
	ReasonInCooldown     = "in_cooldown"
	ReasonWindowExceeded = "window_exceeded"
	ReasonBurstExceeded  = "burst_exceeded"
)

// Decision is the outcome of a limiter check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

// Limiter throttles operations per (user, rule). Allow is a combined
// check-and-reserve: the timestamp is recorded under the same critical
// section as the check, so two concurrent requests cannot both pass on the
// last remaining slot. Cancel releases a reservation whose operation failed,
// keeping aborted attempts from counting against the user.
type Limiter interface {
	// Allow evaluates the given rules in order; the first denial
	// short-circuits. On success one request is reserved under each rule.
	Allow(ctx context.Context, userID string, ruleIDs ...string) (Decision, error)
	// Check evaluates without reserving.
	Check(ctx context.Context, userID, ruleID string) (Decision, error)
	// Record appends a request timestamp outside of Allow, for callers
	// that sequence check and record themselves.
	Record(ctx context.Context, userID, ruleID string) error
	// Cancel removes the most recent reservation for (user, rule).
	Cancel(ctx context.Context, userID, ruleID string) error
	// Reset clears all state for a user across every rule.
	Reset(ctx context.Context, userID string) error

	Rules() *Registry
}
