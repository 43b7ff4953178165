package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig is the environment-sourced shape of Config, kept
// separate so the three concrete dependencies this gateway guards
// (Postgres, Redis, upstream provider HTTP) each get independently tunable
// defaults without a gRPC- or connection-pool-specific variant the teacher
// carried for services this gateway doesn't have.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// GetRedisConfig returns the breaker configuration used by RedisWrapper.
func GetRedisConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
	}
}

// GetDatabaseConfig returns the breaker configuration guarding Postgres
// transactions for jobs, sessions, and the credit ledger.
func GetDatabaseConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
	}
}

// GetHTTPConfig returns the breaker configuration guarding outbound HTTP
// calls to upstream LLM providers (§4.D).
func GetHTTPConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		OnStateChange:    nil, // set by the wrapper's caller, e.g. metrics registration
	}
}

// Helper functions for environment variable parsing

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
