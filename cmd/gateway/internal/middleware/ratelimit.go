package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crestline-ai/llmgateway/internal/auth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter provides rate limiting middleware. The authoritative counter
// lives in Redis so limits are shared across gateway replicas; when Redis is
// unreachable it fails over to a local per-process token bucket instead of
// failing fully open, so a Redis outage degrades rate limiting rather than
// removing it.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	// Default limits (can be overridden per tenant/key). Stored as atomics
	// rather than plain ints so config.ConfigManager's features.yaml
	// hot-reload handler (wired in cmd/gateway/main.go) can call SetLimits
	// without taking the request path through a mutex.
	defaultRequestsPerMinute atomic.Int64
	defaultBurstSize         atomic.Int64

	fallbackMu       sync.Mutex
	fallbackLimiters map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter using the built-in defaults (60
// requests/minute, burst of 10).
func NewRateLimiter(redis *redis.Client, logger *zap.Logger) *RateLimiter {
	return NewRateLimiterWithLimits(redis, logger, 60, 10)
}

// NewRateLimiterWithLimits creates a rate limiter seeded from
// config.BudgetConfig.RateLimit (features.yaml / env), falling back to the
// built-in defaults when requestsPerMinute or burstSize is non-positive.
func NewRateLimiterWithLimits(redis *redis.Client, logger *zap.Logger, requestsPerMinute, burstSize int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = 10
	}
	rl := &RateLimiter{
		redis:            redis,
		logger:           logger,
		fallbackLimiters: make(map[string]*rate.Limiter),
	}
	rl.defaultRequestsPerMinute.Store(int64(requestsPerMinute))
	rl.defaultBurstSize.Store(int64(burstSize))
	return rl
}

// SetLimits updates the default limits in place. Existing fallback token
// buckets keep their old rate until they're next recreated; only new keys
// and Redis-backed checks see the new limit immediately.
func (rl *RateLimiter) SetLimits(requestsPerMinute, burstSize int) {
	if requestsPerMinute > 0 {
		rl.defaultRequestsPerMinute.Store(int64(requestsPerMinute))
	}
	if burstSize > 0 {
		rl.defaultBurstSize.Store(int64(burstSize))
	}
}

// fallbackLimiter returns (creating if needed) the local token bucket for
// key, used only while Redis is unavailable.
func (rl *RateLimiter) fallbackLimiter(key string) *rate.Limiter {
	rl.fallbackMu.Lock()
	defer rl.fallbackMu.Unlock()
	lim, ok := rl.fallbackLimiters[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.defaultRequestsPerMinute.Load()) / 60.0)
		lim = rate.NewLimiter(perSecond, int(rl.defaultBurstSize.Load()))
		rl.fallbackLimiters[key] = lim
	}
	return lim
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Get user context from auth middleware
		userCtx, ok := ctx.Value("user").(*auth.UserContext)
		if !ok {
			// If no user context, skip rate limiting (auth will handle it)
			next.ServeHTTP(w, r)
			return
		}

		// Create rate limit key based on user ID (per-user rate limiting)
		key := fmt.Sprintf("ratelimit:user:%s", userCtx.UserID.String())

		// Check rate limit
		allowed, remaining, resetAt := rl.checkRateLimit(ctx, key)

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.defaultRequestsPerMinute.Load()))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			// Rate limit exceeded
			rl.logger.Warn("Rate limit exceeded",
				zap.String("user_id", userCtx.UserID.String()),
				zap.String("tenant_id", userCtx.TenantID.String()),
				zap.String("path", r.URL.Path),
			)

			w.Header().Set("Retry-After", fmt.Sprintf("%d", resetAt.Unix()-time.Now().Unix()))
			rl.sendRateLimitError(w)
			return
		}

		// Continue with request
		next.ServeHTTP(w, r)
	})
}

// checkRateLimit checks if the request is allowed under rate limits
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute) // 1-minute window
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	// Use Redis INCR with expiry for simple rate limiting
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second) // Expire after window + buffer
	_, err := pipe.Exec(ctx)

	if err != nil {
		rl.logger.Warn("rate limit: redis unavailable, using local fallback bucket",
			zap.String("key", key), zap.Error(err))
		lim := rl.fallbackLimiter(key)
		if !lim.Allow() {
			return false, 0, now.Add(time.Second)
		}
		return true, int(rl.defaultRequestsPerMinute.Load()), window.Add(time.Minute)
	}

	limit := rl.defaultRequestsPerMinute.Load()
	count := incr.Val()
	remaining = int(limit - count)
	if remaining < 0 {
		remaining = 0
	}

	resetAt = window.Add(time.Minute)
	allowed = count <= limit

	return allowed, remaining, resetAt
}

// sendRateLimitError sends a rate limit exceeded error response
func (rl *RateLimiter) sendRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"error": "Rate limit exceeded",
		"message": "Too many requests. Please retry after the rate limit window resets.",
	}

	json.NewEncoder(w).Encode(response)
}

// ServeHTTP implements http.Handler interface
func (rl *RateLimiter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rl.sendRateLimitError(w)
}