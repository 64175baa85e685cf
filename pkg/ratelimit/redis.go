package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLogScript keeps one sorted set per key scored by request time in
// milliseconds. It returns {allowed, count, oldest}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  count = count + 1
  allowed = 1
else
  count = count + 1
end
redis.call("PEXPIRE", key, window)
local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
	Now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "darkroom:rl:",
		Fallback: NewInMemory(window),
		Now:      time.Now,
	}
}

func (l *RedisLimiter) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Allow fails open to the in-memory fallback when Redis is unreachable.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := l.now()
	nowMs := now.UnixMilli()
	// Members must be unique across replicas sharing the key.
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := slidingLogScript.Run(ctx, l.Client, []string{l.Prefix + key}, nowMs, l.Window.Milliseconds(), limit, member).Result()
	if err != nil {
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.fallback(ctx, key, limit)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)
	reset := time.UnixMilli(oldest).UTC().Add(l.Window)
	d := Decision{
		Allowed: allowed == 1,
		Count:   int(count),
		Limit:   limit,
		ResetAt: reset,
	}
	if d.Allowed {
		d.Remaining = limit - int(count)
	} else {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: l.now().Add(l.Window)}
}
