package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/shared/utils"
)

// RedisRateLimiter is a fixed-window limiter shared by every relay instance
// pointed at the same Redis.
type RedisRateLimiter struct {
	Redis  redis.Cmdable
	Prefix string
	Limit  int
	Window time.Duration
	log    *zap.SugaredLogger
}

func NewRedisRateLimiter(r redis.Cmdable, prefix string, perMinute int, log *zap.SugaredLogger) *RedisRateLimiter {
	return &RedisRateLimiter{Redis: r, Prefix: prefix, Limit: perMinute, Window: time.Minute, log: log}
}

func (r *RedisRateLimiter) Handler() fiber.Handler {
	return r.MiddlewareByKey(callerKey)
}

func (r *RedisRateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		key := fmt.Sprintf("%s:ratelimit:%s", r.Prefix, keyFunc(c))

		var incr *redis.IntCmd
		_, err := r.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.Incr(ctx, key)
			p.ExpireNX(ctx, key, r.Window)
			return nil
		})
		if err != nil {
			// fail open
			if r.log != nil {
				r.log.Warnw("rate limiter unavailable", "err", err)
			}
			return c.Next()
		}
		if incr.Val() > int64(r.Limit) {
			return utils.JSONError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}
