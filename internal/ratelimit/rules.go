// Package ratelimit bounds the rate of sensitive operations per (user, rule)
// pair with sliding-window counters, burst detection and cooldown
// escalation. Two backends share the same rule registry: an in-process
// limiter with fine-grained per-key locking and a Redis-backed limiter for
// multi-instance deployments.
package ratelimit

import (
	"fmt"
	"sync"

	"token-service/internal/config"
	"token-service/internal/models"
	"token-service/internal/util"
)

// Registry holds the rule snapshot in registration order. ReplaceAll swaps
// the whole snapshot atomically; per-rule updates notify the owning limiter
// so counters referencing the rule are reset.
type Registry struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*models.RateLimitRule

	onRuleReset func(ruleID string)
}

func NewRegistry(cfg *config.RateLimitConfig) *Registry {
	r := &Registry{
		rules: make(map[string]*models.RateLimitRule),
	}
	for _, rc := range cfg.Rules {
		r.register(ruleFromConfig(rc))
	}
	return r
}

func ruleFromConfig(rc config.RuleConfig) *models.RateLimitRule {
	return &models.RateLimitRule{
		RuleID:      rc.RuleID,
		MaxRequests: rc.MaxRequests,
		TimeWindow:  rc.TimeWindow,
		BurstLimit:  rc.BurstLimit,
		BurstWindow: rc.BurstWindow,
		Cooldown:    rc.Cooldown,
		Enabled:     rc.Enabled,
	}
}

func (r *Registry) register(rule *models.RateLimitRule) {
	if _, exists := r.rules[rule.RuleID]; !exists {
		r.order = append(r.order, rule.RuleID)
	}
	r.rules[rule.RuleID] = rule
}

// AddRule registers a new rule. Registering an existing ID fails; use
// UpdateRule for that.
func (r *Registry) AddRule(rule *models.RateLimitRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.RuleID]; exists {
		return fmt.Errorf("rule %s already registered", rule.RuleID)
	}
	r.register(rule)
	util.Info("Rate limit rule added", util.String("rule_id", rule.RuleID))
	return nil
}

// UpdateRule replaces a rule definition and resets counters referencing it.
func (r *Registry) UpdateRule(rule *models.RateLimitRule) error {
	r.mu.Lock()
	if _, exists := r.rules[rule.RuleID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("rule %s not registered", rule.RuleID)
	}
	r.rules[rule.RuleID] = rule
	reset := r.onRuleReset
	r.mu.Unlock()

	if reset != nil {
		reset(rule.RuleID)
	}
	util.Info("Rate limit rule updated", util.String("rule_id", rule.RuleID))
	return nil
}

// SetEnabled toggles a rule without disturbing counters.
func (r *Registry) SetEnabled(ruleID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[ruleID]
	if !exists {
		return fmt.Errorf("rule %s not registered", ruleID)
	}
	updated := *rule
	updated.Enabled = enabled
	r.rules[ruleID] = &updated
	return nil
}

// Get returns the current definition of a rule, or nil if unknown.
func (r *Registry) Get(ruleID string) *models.RateLimitRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules[ruleID]
}

// RuleIDs returns rule IDs in registration order.
func (r *Registry) RuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
