package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request: debug for successes, warn for
// client and server errors. Paths in skip are not logged.
func RequestLogger(log *zap.SugaredLogger, skip ...string) fiber.Handler {
	quiet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		quiet[p] = struct{}{}
	}
	return func(c *fiber.Ctx) error {
		if _, ok := quiet[c.Path()]; ok {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		kv := []any{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency", time.Since(start),
			"ip", clientIP(c),
		}
		if uid := UserID(c); uid != "" {
			kv = append(kv, "user", uid)
		}
		switch {
		case err != nil:
			log.Warnw("request failed", append(kv, "err", err)...)
		case status >= fiber.StatusBadRequest:
			log.Warnw("request", kv...)
		default:
			log.Debugw("request", kv...)
		}
		return err
	}
}
