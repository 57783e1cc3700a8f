package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a fixed window counter kept in Redis so every instance
// behind the load balancer shares the same budget.
type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
	logger *zap.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, perMinute int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  int64(perMinute),
		window: time.Minute,
		logger: logger,
	}
}

// Allow counts one request for key. Redis failures let the request through.
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	if r == nil || r.redis == nil || r.limit <= 0 {
		return true
	}
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, r.window)
	}
	return count <= r.limit
}

// ScanRateLimit throttles scan requests per gate. It must run after the
// gate has been authenticated.
func (r *RateLimiter) ScanRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return e.JSON(http.StatusForbidden, map[string]string{
				"error": "Access denied",
			})
		}

		var id string
		if caller, ok := CallerFrom(e); ok {
			id = caller.Subject
		} else {
			id = e.RealIP()
		}
		if !r.Allow(e.Request.Context(), fmt.Sprintf("scan:%s", id)) {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		}
		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
