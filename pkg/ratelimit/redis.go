package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and PEXPIRE run inside one script so the first request of a window
// always attaches the expiry, even under concurrent callers.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallbackAllow(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	redisKey := l.Prefix + key
	res, err := rateLimitScript.Run(ctx, l.Client, []string{redisKey}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.fallbackAllow(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallbackAllow(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

// Peek reads the current count and TTL without consuming quota.
func (l *RedisLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallbackPeek(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	redisKey := l.Prefix + key
	count, err := l.Client.Get(ctx, redisKey).Int()
	if err != nil {
		if err == redis.Nil {
			return decide(0, limit, time.Now().UTC().Add(l.Window))
		}
		return l.fallbackPeek(key, limit)
	}
	ttl, err := l.Client.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.Window
	}
	return decide(count, limit, time.Now().UTC().Add(ttl))
}

// Sweep only matters for the in-memory fallback; Redis keys expire on their own.
func (l *RedisLimiter) Sweep(idle time.Duration) int {
	if l.Fallback == nil {
		return 0
	}
	return l.Fallback.Sweep(idle)
}

func (l *RedisLimiter) fallbackAllow(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return decide(0, limit, time.Now().UTC().Add(l.Window))
}

func (l *RedisLimiter) fallbackPeek(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Peek(key, limit)
	}
	return decide(0, limit, time.Now().UTC().Add(l.Window))
}
