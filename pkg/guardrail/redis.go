package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding-window counter: prune expired members, count, optionally add.
// KEYS[1] = counter key
// ARGV[1] = window start (unix ms)
// ARGV[2] = now (unix ms)
// ARGV[3] = "1" to record an action, "0" to only count
// ARGV[4] = key TTL seconds
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local record = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)
if record == "1" then
    redis.call("ZADD", key, now, now .. ":" .. redis.call("INCR", key .. ":seq"))
    redis.call("EXPIRE", key .. ":seq", ttl)
end
local count = redis.call("ZCARD", key)
redis.call("EXPIRE", key, ttl)
return count
`)

// RedisState keeps guardrail counters in Redis so every API server and
// worker sees the same windows.
type RedisState struct {
	client *redis.Client
	prefix string
}

// NewRedisState wraps an existing client. prefix namespaces all keys
// (default "warden:gr:").
func NewRedisState(client *redis.Client, prefix string) *RedisState {
	if prefix == "" {
		prefix = "warden:gr:"
	}
	return &RedisState{client: client, prefix: prefix}
}

func (s *RedisState) key(k string) string { return s.prefix + k }

func windowTTL(windowMs int64) int64 {
	ttl := windowMs/1000 + 60
	if ttl < 60 {
		ttl = 60
	}
	return ttl
}

func (s *RedisState) RateCount(ctx context.Context, key string, windowMs int64, now time.Time) (int, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli()-windowMs, now.UnixMilli(), "0", windowTTL(windowMs)).Int()
	if err != nil {
		return 0, fmt.Errorf("redis rate count: %w", err)
	}
	return res, nil
}

func (s *RedisState) IncrRate(ctx context.Context, key string, windowMs int64, now time.Time) error {
	_, err := slidingWindowScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli()-windowMs, now.UnixMilli(), "1", windowTTL(windowMs)).Result()
	if err != nil {
		return fmt.Errorf("redis rate incr: %w", err)
	}
	return nil
}

func (s *RedisState) LastAction(ctx context.Context, key string) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis last action: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis last action: bad value %q", val)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisState) SetLastAction(ctx context.Context, key string, ts time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), strconv.FormatInt(ts.UnixMilli(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("redis set last action: %w", err)
	}
	return nil
}

// Activity members are "ms:cartridge:entity:exposure" scored by ms.
// Aggregation happens client-side after pruning.
func (s *RedisState) Activity(ctx context.Context, principalID string, windowMs int64, now time.Time) (Activity, error) {
	key := s.key("act:" + principalID)
	cutoff := now.UnixMilli() - windowMs

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	rangeCmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + strconv.FormatInt(cutoff, 10), Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return Activity{}, fmt.Errorf("redis activity: %w", err)
	}

	var act Activity
	entities := map[string]bool{}
	cartridges := map[string]bool{}
	for _, member := range rangeCmd.Val() {
		parts := strings.SplitN(member, ":", 4)
		if len(parts) != 4 {
			continue
		}
		act.RecentActionCount++
		if parts[1] != "" {
			cartridges[parts[1]] = true
		}
		if parts[2] != "" {
			entities[parts[2]] = true
		}
		if exp, err := strconv.ParseFloat(parts[3], 64); err == nil {
			act.CumulativeExposure += exp
		}
	}
	act.DistinctTargetEntities = len(entities)
	act.DistinctCartridges = len(cartridges)
	return act, nil
}

func (s *RedisState) RecordActivity(ctx context.Context, principalID, cartridgeID, entityID string, exposure float64, now time.Time) error {
	key := s.key("act:" + principalID)
	member := fmt.Sprintf("%d:%s:%s:%g", now.UnixMilli(), cartridgeID, entityID, exposure)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, time.Duration(CompositeWindowMs)*time.Millisecond+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record activity: %w", err)
	}
	return nil
}
