package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims entries older than the window, admits the call when
// the remaining count is below the limit and reports the oldest entry so the
// caller can tell when a slot frees up. Scores are unix milliseconds.
var slidingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local first = now
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// SlidingWindow implements Limiter with a Redis sorted set per key. Rejected
// calls are not recorded, so a caller hammering the limit is admitted again
// as soon as its oldest accepted call leaves the window.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
}

func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window < time.Millisecond {
		return true, max, now.Add(window), nil
	}

	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, now.Add(window), err
	}

	allowed, count, first := res[0] == 1, int(res[1]), res[2]
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, time.UnixMilli(first).Add(window), nil
}
