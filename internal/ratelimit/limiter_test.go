package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"token-service/internal/config"
	"token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(rules ...config.RuleConfig) *Registry {
	return NewRegistry(&config.RateLimitConfig{Rules: rules})
}

func basicRule() config.RuleConfig {
	return config.RuleConfig{
		RuleID:      "transfer_ops",
		MaxRequests: 5,
		TimeWindow:  60 * time.Second,
		BurstLimit:  0,
		Cooldown:    30 * time.Second,
		Enabled:     true,
	}
}

// fakeClock lets tests advance limiter time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rules ...config.RuleConfig) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(testRegistry(rules...))
	l.now = clock.Now
	return l, clock
}

func TestAllow_SixthRequestDenied(t *testing.T) {
	l, _ := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should pass", i+1)
	}

	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonWindowExceeded, decision.Reason)
	assert.Equal(t, 30*time.Second, decision.RetryAfter)
}

func TestAllow_RecoversAfterCooldown(t *testing.T) {
	l, clock := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
	}
	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Still cooling down.
	clock.Advance(10 * time.Second)
	decision, err = l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.Equal(t, ReasonInCooldown, decision.Reason)

	// Cooldown elapsed and the window has rolled past the old timestamps.
	clock.Advance(55 * time.Second)
	decision, err = l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
	}

	// After the window passes, old timestamps are pruned.
	clock.Advance(61 * time.Second)
	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_BurstDetection(t *testing.T) {
	rule := basicRule()
	rule.MaxRequests = 100
	rule.BurstLimit = 3
	rule.BurstWindow = time.Second
	l, clock := newTestLimiter(rule)
	ctx := context.Background()

	// Two rapid requests are fine; the third within the burst window is not.
	for i := 0; i < 2; i++ {
		decision, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBurstExceeded, decision.Reason)

	// Spaced out, the same rate passes.
	clock.Advance(2 * time.Second)
	decision, err = l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_DisabledRuleAlwaysAllows(t *testing.T) {
	rule := basicRule()
	rule.Enabled = false
	l, _ := newTestLimiter(rule)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		decision, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestAllow_UsersIsolated(t *testing.T) {
	l, _ := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
	}
	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	decision, err = l.Allow(ctx, "bob", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_MultipleRulesShortCircuit(t *testing.T) {
	strict := basicRule()
	strict.RuleID = "strict"
	strict.MaxRequests = 1
	loose := basicRule()
	loose.RuleID = "loose"
	loose.MaxRequests = 100

	l, _ := newTestLimiter(strict, loose)
	ctx := context.Background()

	decision, err := l.Allow(ctx, "alice", "strict", "loose")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = l.Allow(ctx, "alice", "strict", "loose")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonWindowExceeded, decision.Reason)

	// The denial must not consume quota under the loose rule.
	state := l.entryFor("alice", "loose")
	assert.Len(t, state.state.RequestTimestamps, 1)
}

func TestCancel_ReleasesReservation(t *testing.T) {
	rule := basicRule()
	rule.MaxRequests = 1
	l, _ := newTestLimiter(rule)
	ctx := context.Background()

	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// Operation failed; the attempt must not count against the user.
	require.NoError(t, l.Cancel(ctx, "alice", "transfer_ops"))

	decision, err = l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestReset_ClearsUserState(t *testing.T) {
	l, _ := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, "alice"))

	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestUpdateRule_ResetsCounters(t *testing.T) {
	l, _ := newTestLimiter(basicRule())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "alice", "transfer_ops")
		require.NoError(t, err)
	}

	err := l.Rules().UpdateRule(&models.RateLimitRule{
		RuleID:      "transfer_ops",
		MaxRequests: 10,
		TimeWindow:  60 * time.Second,
		Cooldown:    30 * time.Second,
		Enabled:     true,
	})
	require.NoError(t, err)

	decision, err := l.Allow(ctx, "alice", "transfer_ops")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	l, _ := newTestLimiter(basicRule())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := l.Allow(ctx, "alice", "transfer_ops")
			assert.NoError(t, err)
			if decision.Allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowedCount)
}
