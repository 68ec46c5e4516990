package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript checks and increments several fixed-window
// counters atomically.
// KEYS[i]       = counter hash for tier i
// ARGV[3i-2]    = window start (unix seconds) for tier i
// ARGV[3i-1]    = ceiling for tier i
// ARGV[3i]      = TTL in milliseconds for tier i
// Returns {permitted, count_1, ..., count_n}.
var redisFixedWindowScript = redis.NewScript(`
local n = #KEYS
local counts = {}
local permitted = 1

for i = 1, n do
    local start = ARGV[3*i-2]
    local limit = tonumber(ARGV[3*i-1])
    local state = redis.call("HMGET", KEYS[i], "start", "count")
    local count = tonumber(state[2])
    if state[1] ~= start or not count or count < 0 then
        count = 0
    end
    if count >= limit then
        permitted = 0
    end
    counts[i] = count
end

for i = 1, n do
    if permitted == 1 then
        counts[i] = counts[i] + 1
    end
    redis.call("HSET", KEYS[i], "start", ARGV[3*i-2], "count", counts[i])
    redis.call("PEXPIRE", KEYS[i], ARGV[3*i])
end

local out = {permitted}
for i = 1, n do
    out[i+1] = counts[i]
end
return out
`)

// RedisCounterStore implements CounterStore with a Lua script so every tier
// is evaluated in one atomic server-side step.
type RedisCounterStore struct {
	client redis.UniversalClient
}

// NewRedisCounterStore wraps an existing client.
func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Take runs the fixed-window script over all tiers of key.
func (s *RedisCounterStore) Take(ctx context.Context, key string, tiers []Tier, now time.Time) (TakeResult, error) {
	keys := make([]string, len(tiers))
	args := make([]interface{}, 0, 3*len(tiers))
	for i, t := range tiers {
		// The hash tag keeps all tiers of a key in one cluster slot.
		keys[i] = fmt.Sprintf("ratelimit:{%s}:%s", key, t.Name)
		start := windowStart(now, t.Window)
		ttl := start.Add(t.Window).Sub(now) + time.Second
		args = append(args, start.Unix(), t.Limit, ttl.Milliseconds())
	}

	raw, err := redisFixedWindowScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return TakeResult{}, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := raw.([]interface{})
	if !ok || len(results) != len(tiers)+1 {
		return TakeResult{}, fmt.Errorf("invalid response from lua script")
	}

	permitted, _ := results[0].(int64)
	res := TakeResult{Permitted: permitted == 1, Tiers: make([]TierState, len(tiers))}
	for i, t := range tiers {
		count, _ := results[i+1].(int64)
		start := windowStart(now, t.Window)
		res.Tiers[i] = TierState{
			Tier:        t,
			Count:       count,
			WindowStart: start,
			ResetAt:     start.Add(t.Window),
			Exceeded:    !res.Permitted && count >= t.Limit,
		}
	}
	return res, nil
}

// Purge is a no-op; counter keys expire with their window.
func (s *RedisCounterStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}
