package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"token-service/internal/client"
	"token-service/internal/util"
)

const (
	windowKeyPrefix   = "rate_limit:"
	cooldownKeyPrefix = "cooldown:"
)

// allowScript implements the full check under a single atomic evaluation:
// prune, cooldown, window (escalating to a cooldown lock), burst, and an
// optional reservation. Returns {allowed, reason, retry_after_ms}.
const allowScript = `
	local window_key = KEYS[1]
	local cooldown_key = KEYS[2]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local burst_limit = tonumber(ARGV[4])
	local burst_window_ms = tonumber(ARGV[5])
	local cooldown_ms = tonumber(ARGV[6])
	local reserve = tonumber(ARGV[7])

	local cooldown_ttl = redis.call('PTTL', cooldown_key)
	if cooldown_ttl > 0 then
		return {0, 'in_cooldown', cooldown_ttl}
	end

	redis.call('ZREMRANGEBYSCORE', window_key, '-inf', now_ms - window_ms)
	local count = redis.call('ZCARD', window_key)

	if count >= max_requests then
		redis.call('SET', cooldown_key, '1', 'PX', cooldown_ms)
		return {0, 'window_exceeded', cooldown_ms}
	end

	if burst_limit > 1 and burst_window_ms > 0 then
		local prior = burst_limit - 1
		if count >= prior then
			local oldest = redis.call('ZRANGE', window_key, -prior, -prior, 'WITHSCORES')
			if oldest[2] ~= nil and now_ms - tonumber(oldest[2]) < burst_window_ms then
				return {0, 'burst_exceeded', burst_window_ms}
			end
		end
	end

	if reserve == 1 then
		redis.call('ZADD', window_key, now_ms, ARGV[8])
		redis.call('PEXPIRE', window_key, window_ms)
	end
	return {1, '', 0}
`

// RedisLimiter shares sliding-window state across service instances. The
// Lua script keeps check and reserve in one atomic step, mirroring the
// critical section of the in-process limiter.
type RedisLimiter struct {
	registry *Registry
	redis    *client.RedisClient
}

func NewRedisLimiter(registry *Registry, redisClient *client.RedisClient) *RedisLimiter {
	l := &RedisLimiter{
		registry: registry,
		redis:    redisClient,
	}
	registry.onRuleReset = l.resetRule
	return l
}

func (l *RedisLimiter) Rules() *Registry {
	return l.registry
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, ruleIDs ...string) (Decision, error) {
	reserved := make([]string, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		decision, err := l.run(ctx, userID, ruleID, true)
		if err != nil {
			return Decision{}, err
		}
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

func (l *RedisLimiter) Check(ctx context.Context, userID, ruleID string) (Decision, error) {
	return l.run(ctx, userID, ruleID, false)
}

func (l *RedisLimiter) run(ctx context.Context, userID, ruleID string, reserve bool) (Decision, error) {
	rule := l.registry.Get(ruleID)
	if rule == nil || !rule.Enabled {
		return allowed, nil
	}

	now := time.Now()
	reserveFlag := 0
	if reserve {
		reserveFlag = 1
	}

	result, err := l.redis.Eval(ctx, allowScript,
		[]string{l.windowKey(userID, ruleID), l.cooldownKey(userID, ruleID)},
		now.UnixMilli(),
		rule.TimeWindow.Milliseconds(),
		rule.MaxRequests,
		rule.BurstLimit,
		rule.BurstWindow.Milliseconds(),
		rule.Cooldown.Milliseconds(),
		reserveFlag,
		fmt.Sprintf("%d", now.UnixNano()),
	)
	if err != nil {
		util.Error("Rate limit script failed",
			util.String("rule_id", ruleID),
			util.ErrorField(err))
		return Decision{}, fmt.Errorf("rate limit evaluation: %w", err)
	}

	return parseScriptResult(result)
}

func parseScriptResult(result interface{}) (Decision, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	allowedFlag, _ := values[0].(int64)
	reason, _ := values[1].(string)
	retryMs, _ := values[2].(int64)

	if allowedFlag == 1 {
		return allowed, nil
	}
	return Decision{
		Reason:     reason,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (l *RedisLimiter) Record(ctx context.Context, userID, ruleID string) error {
	rule := l.registry.Get(ruleID)
	if rule == nil || !rule.Enabled {
		return nil
	}

	now := time.Now()
	member := redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	}
	if err := l.redis.Client.ZAdd(ctx, l.windowKey(userID, ruleID), member).Err(); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return l.redis.Client.PExpire(ctx, l.windowKey(userID, ruleID), rule.TimeWindow).Err()
}

func (l *RedisLimiter) Cancel(ctx context.Context, userID, ruleID string) error {
	// Drop the most recent reservation.
	return l.redis.Client.ZRemRangeByRank(ctx, l.windowKey(userID, ruleID), -1, -1).Err()
}

func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	patterns := []string{
		windowKeyPrefix + userID + ":*",
		cooldownKeyPrefix + userID + ":*",
	}
	for _, pattern := range patterns {
		if err := l.deleteMatching(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (l *RedisLimiter) resetRule(ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	patterns := []string{
		windowKeyPrefix + "*:" + ruleID,
		cooldownKeyPrefix + "*:" + ruleID,
	}
	for _, pattern := range patterns {
		if err := l.deleteMatching(ctx, pattern); err != nil {
			util.Error("Failed to reset rule counters",
				util.String("rule_id", ruleID),
				util.ErrorField(err))
		}
	}
}

func (l *RedisLimiter) deleteMatching(ctx context.Context, pattern string) error {
	cursor := uint64(0)
	for {
		keys, next, err := l.redis.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return fmt.Errorf("rate limit key scan: %w", err)
		}
		if err := l.redis.Del(ctx, keys...); err != nil {
			return fmt.Errorf("rate limit key delete: %w", err)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (l *RedisLimiter) windowKey(userID, ruleID string) string {
	return windowKeyPrefix + userID + ":" + ruleID
}

func (l *RedisLimiter) cooldownKey(userID, ruleID string) string {
	return cooldownKeyPrefix + userID + ":" + ruleID
}
