package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/clock"
	"github.com/mooose/corrector/internal/config"
)

// NewLimiter selects the Redis limiter when an address is configured,
// otherwise the in-memory one.
func NewLimiter(cfg config.Config, log *zap.Logger) Limiter {
	if addr := cfg.RateLimit.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		log.Info("rate limiter using redis", zap.String("addr", addr))
		return NewRedisLimiter(client)
	}

	log.Info("rate limiter using process memory")
	return NewMemoryLimiter(clock.System())
}

var Module = fx.Module("ratelimit",
	fx.Provide(NewLimiter),
)
