package middleware

import (
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/chat-app/shared/utils"
)

// IPRateLimiter is an in-process token bucket per caller. Callers are keyed
// by authenticated user when JWTAuth ran first, by client IP otherwise.
type IPRateLimiter struct {
	buckets sync.Map // key -> *bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	log     *zap.SugaredLogger
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	mu   sync.Mutex
	used time.Time
}

func NewIPRateLimiter(perMinute, burst int, logger *zap.SugaredLogger) *IPRateLimiter {
	if burst <= 0 {
		burst = 5
	}
	l := &IPRateLimiter{
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		idle:  5 * time.Minute,
		log:   logger,
		stop:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *IPRateLimiter) allow(key string, now time.Time) bool {
	v, _ := l.buckets.LoadOrStore(key, &bucket{lim: rate.NewLimiter(l.limit, l.burst)})
	b := v.(*bucket)
	b.mu.Lock()
	b.used = now
	b.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep forgets callers idle for longer than l.idle.
func (l *IPRateLimiter) sweep() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.forgetIdle(now)
		}
	}
}

func (l *IPRateLimiter) forgetIdle(now time.Time) {
	cutoff := now.Add(-l.idle)
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		stale := b.used.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(k)
		}
		return true
	})
}

// Close stops the sweeper.
func (l *IPRateLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *IPRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := callerKey(c)
		if !l.allow(key, time.Now()) {
			if l.log != nil {
				l.log.Warnw("rate limit exceeded", "caller", key, "path", c.Path())
			}
			return utils.JSONError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

func callerKey(c *fiber.Ctx) string {
	if uid := UserID(c); uid != "" {
		return "user:" + uid
	}
	return "ip:" + clientIP(c)
}

func clientIP(c *fiber.Ctx) string {
	ip := c.IP()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if ip == "" {
		return "unknown"
	}
	return ip
}
