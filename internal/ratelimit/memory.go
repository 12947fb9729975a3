package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"token-service/internal/models"
	"token-service/internal/util"
)

// entry is the sliding-window state for one (user, rule) pair. Each entry
// carries its own mutex so unrelated users never contend.
type entry struct {
	mu    sync.Mutex
	state models.RateLimitState
}

// MemoryLimiter keeps limiter state in process memory. It is the default
// backend for single-instance deployments and for tests.
type MemoryLimiter struct {
	registry *Registry

	mu      sync.RWMutex // guards the entries map, not the entries
	entries map[string]*entry

	now func() time.Time
}

func NewMemoryLimiter(registry *Registry) *MemoryLimiter {
	l := &MemoryLimiter{
		registry: registry,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
	registry.onRuleReset = l.resetRule
	return l
}

func (l *MemoryLimiter) Rules() *Registry {
	return l.registry
}

func stateKey(userID, ruleID string) string {
	return userID + ":" + ruleID
}

func (l *MemoryLimiter) entryFor(userID, ruleID string) *entry {
	key := stateKey(userID, ruleID)

	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// Allow evaluates rules in order and reserves one slot under each on
// success. Reservations already taken are rolled back when a later rule
// denies, so a denied call never consumes quota.
func (l *MemoryLimiter) Allow(ctx context.Context, userID string, ruleIDs ...string) (Decision, error) {
	reserved := make([]string, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		decision := l.allowOne(userID, ruleID)
		if !decision.Allowed {
			for _, taken := range reserved {
				_ = l.Cancel(ctx, userID, taken)
			}
			return decision, nil
		}
		reserved = append(reserved, ruleID)
	}
	return allowed, nil
}

func (l *MemoryLimiter) allowOne(userID, ruleID string) Decision {
	rule := l.registry.Get(ruleID)
	if rule == nil || !rule.Enabled {
		return allowed
	}

	e := l.entryFor(userID, ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()

	decision := l.evaluate(e, rule)
	if decision.Allowed {
		e.state.RequestTimestamps = append(e.state.RequestTimestamps, l.now())
	}
	return decision
}

func (l *MemoryLimiter) Check(ctx context.Context, userID, ruleID string) (Decision, error) {
	rule := l.registry.Get(ruleID)
	if rule == nil || !rule.Enabled {
		return allowed, nil
	}

	e := l.entryFor(userID, ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.evaluate(e, rule), nil
}

// evaluate prunes stale timestamps and applies cooldown, window and burst
// checks in that order. Caller holds e.mu.
func (l *MemoryLimiter) evaluate(e *entry, rule *models.RateLimitRule) Decision {
	now := l.now()

	// Prune timestamps older than the window.
	cutoff := now.Add(-rule.TimeWindow)
	ts := e.state.RequestTimestamps
	keep := 0
	for ; keep < len(ts); keep++ {
		if ts[keep].After(cutoff) {
			break
		}
	}
	e.state.RequestTimestamps = ts[keep:]

	if until := e.state.CooldownUntil; until != nil {
		if now.Before(*until) {
			return Decision{Reason: ReasonInCooldown, RetryAfter: until.Sub(now)}
		}
		e.state.CooldownUntil = nil
	}

	if len(e.state.RequestTimestamps) >= rule.MaxRequests {
		cooldownUntil := now.Add(rule.Cooldown)
		e.state.CooldownUntil = &cooldownUntil
		util.Warn("Rate limit window exceeded",
			util.String("rule_id", rule.RuleID),
			util.Duration("cooldown", rule.Cooldown))
		return Decision{Reason: ReasonWindowExceeded, RetryAfter: rule.Cooldown}
	}

	// The incoming request would be the burst_limit-th in the burst window.
	if rule.BurstLimit > 1 && rule.BurstWindow > 0 {
		prior := rule.BurstLimit - 1
		if n := len(e.state.RequestTimestamps); n >= prior {
			oldest := e.state.RequestTimestamps[n-prior]
			if now.Sub(oldest) < rule.BurstWindow {
				return Decision{Reason: ReasonBurstExceeded, RetryAfter: rule.BurstWindow}
			}
		}
	}

	return allowed
}

func (l *MemoryLimiter) Record(ctx context.Context, userID, ruleID string) error {
	rule := l.registry.Get(ruleID)
	if rule == nil || !rule.Enabled {
		return nil
	}

	e := l.entryFor(userID, ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.RequestTimestamps = append(e.state.RequestTimestamps, l.now())
	return nil
}

func (l *MemoryLimiter) Cancel(ctx context.Context, userID, ruleID string) error {
	e := l.entryFor(userID, ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.state.RequestTimestamps); n > 0 {
		e.state.RequestTimestamps = e.state.RequestTimestamps[:n-1]
	}
	return nil
}

func (l *MemoryLimiter) Reset(ctx context.Context, userID string) error {
	prefix := userID + ":"

	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.entries {
		if strings.HasPrefix(key, prefix) {
			delete(l.entries, key)
		}
	}
	return nil
}

// resetRule drops all state for a rule after its definition changed.
func (l *MemoryLimiter) resetRule(ruleID string) {
	suffix := ":" + ruleID

	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.entries {
		if strings.HasSuffix(key, suffix) {
			delete(l.entries, key)
		}
	}
}
