package models

import "time"

// RateLimitRule mirrors config.RuleConfig as stored/served state. Updating
// a rule through the limiter resets the counters referencing it.
type RateLimitRule struct {
	RuleID      string        `json:"rule_id"`
	MaxRequests int           `json:"max_requests"`
	TimeWindow  time.Duration `json:"time_window"`
	BurstLimit  int           `json:"burst_limit"`
	BurstWindow time.Duration `json:"burst_window"`
	Cooldown    time.Duration `json:"cooldown"`
	Enabled     bool          `json:"enabled"`
}

// RateLimitState is the per (user, rule) sliding window. Timestamps older
// than the rule window are pruned on every check.
type RateLimitState struct {
	RequestTimestamps []time.Time `json:"request_timestamps"`
	CooldownUntil     *time.Time  `json:"cooldown_until,omitempty"`
}
