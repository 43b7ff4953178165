package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	cbNameRedis         = "redis"
	cbServiceCacheLimit = "session-cache-ratelimit"
)

// RedisWrapper guards a go-redis v8 client with a circuit breaker, so a
// Redis outage rejects fast instead of stalling behind dial timeouts.
// cmd/gateway/main.go builds one only for the Redis health checker; the
// rate limiter and idempotency store call their Redis client directly.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker(cbNameRedis, GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(cbNameRedis, cbServiceCacheLimit, cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// guard runs fn through the breaker and records the outcome, leaving the
// caller to stuff cbErr into the right *redis.XxxCmd type when the breaker
// itself rejected the call (fn never ran).
func (rw *RedisWrapper) guard(ctx context.Context, fn func() error) error {
	cbErr := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(cbNameRedis, cbServiceCacheLimit, rw.cb.State(), cbErr == nil)
	return cbErr
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	cbErr := rw.guard(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	if cbErr != nil && (result == nil || result.Err() != cbErr) {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(cbErr)
	}
	return result
}

// Get wraps Redis Get with circuit breaker. redis.Nil (key miss) is not a
// breaker failure — an empty cache is an expected outcome, not an outage.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	cbErr := rw.guard(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	if cbErr != nil && (result == nil || result.Err() != cbErr) {
		result = redis.NewStringCmd(ctx)
		result.SetErr(cbErr)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	cbErr := rw.guard(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if cbErr != nil && (result == nil || result.Err() != cbErr) {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(cbErr)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	cbErr := rw.guard(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	if cbErr != nil && (result == nil || result.Err() != cbErr) {
		result = redis.NewIntCmd(ctx)
		result.SetErr(cbErr)
	}
	return result
}

// Keys wraps Redis Keys with circuit breaker
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	cbErr := rw.guard(ctx, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	})
	if cbErr != nil && (result == nil || result.Err() != cbErr) {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(cbErr)
	}
	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
