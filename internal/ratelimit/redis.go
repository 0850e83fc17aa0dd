package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// slidingWindowScript records a hit in a per-key ZSET and returns the
// hit count within the window. Old entries are trimmed on every call so
// keys stay bounded.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return redis.call("ZCARD", key)
`

// RedisLimiter implements sliding-window limiting on a shared Redis,
// safe across multiple instances.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(slidingWindowScript),
	}
}

func (l *RedisLimiter) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("rate limiter not configured")
	}
	if key == "" {
		return false, errors.New("rate limiter key is empty")
	}

	count, err := l.script.Run(ctx, l.client,
		[]string{"ratelimit:" + key},
		time.Now().UnixMilli(),
		window.Milliseconds(),
		uuid.NewString(),
	).Int64()
	if err != nil {
		return false, err
	}
	return count <= int64(limit), nil
}

var _ Limiter = (*RedisLimiter)(nil)
