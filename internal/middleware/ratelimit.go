package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/response"
)

// ErrTooManyRequests is returned once a client exceeds its request budget.
var ErrTooManyRequests = errors.New("RATE_LIMITED", "Too many requests", http.StatusTooManyRequests)

// RateLimitConfig bounds requests per key within a fixed window.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// Key derives the counter key; defaults to client IP and route.
	Key func(c *gin.Context) string
}

// RateLimit limits requests per key within a fixed window. A nil store falls back to
// process-local counters. Store failures let the request through.
func RateLimit(store RateStore, cfg RateLimitConfig) gin.HandlerFunc {
	if store == nil {
		store = NewMemoryRateStore()
	}
	keyFn := cfg.Key
	if keyFn == nil {
		keyFn = func(c *gin.Context) string {
			return c.ClientIP() + "|" + c.FullPath()
		}
	}

	return func(c *gin.Context) {
		if cfg.Requests <= 0 || cfg.Window <= 0 {
			c.Next()
			return
		}

		count, ttl, err := store.Increment(c.Request.Context(), keyFn(c), cfg.Window)
		if err != nil {
			logger.WithModule("http").Warn("rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, cfg.Requests-count)))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(ttl.Seconds())))

		if count > cfg.Requests {
			c.Header("Retry-After", strconv.Itoa(max(1, int(ttl.Seconds()))))
			response.Error(c, ErrTooManyRequests)
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserOrIPKey keys rate limits by authenticated user when known.
func UserOrIPKey(c *gin.Context) string {
	if userID := c.GetString(CtxUserIDKey); userID != "" {
		return "user:" + userID + "|" + c.FullPath()
	}
	return "ip:" + c.ClientIP() + "|" + c.FullPath()
}
