package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// ObservabilityConfig holds the logging knobs cmd/gateway/main.go reads when
// constructing its zap.Logger. There is no separate metrics section: the
// gateway always exposes Prometheus metrics on the main mux's /metrics
// route (cmd/gateway/main.go), so unlike the teacher there is no standalone
// metrics port to resolve.
type ObservabilityConfig struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Workflows     WorkflowsConfig     `mapstructure:"workflows"`
	Enforcement   EnforcementConfig   `mapstructure:"enforcement"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
}

// Load loads features.yaml from CONFIG_PATH or /app/config/features.yaml
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/features.yaml"); err == nil {
			cfgPath = "/app/config/features.yaml"
		} else {
			cfgPath = "config/features.yaml"
		}
	}

	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "features.yaml")
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// ConfigDir returns the directory Load reads features.yaml from, so
// cmd/gateway/main.go can point a config.ConfigManager (manager.go) at the
// same directory for hot-reload.
func ConfigDir() string {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/features.yaml"); err == nil {
			cfgPath = "/app/config/features.yaml"
		} else {
			cfgPath = "config/features.yaml"
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		return cfgPath
	}
	return filepath.Dir(cfgPath)
}

// BudgetConfig captures the knobs that size the gateway's circuit breakers
// and rate limiter, loaded from features.yaml or overridden by env vars.
// There is no backpressure sub-section: the teacher's backpressure
// threshold/delay gated its agent-to-agent message queue, and this
// gateway's stage DAG (internal/workflow.Orchestrator) has no equivalent
// queue to throttle — scheduleNextLocked already bounds concurrency via
// maxConcurrent, so a second, independent delay knob would have nothing to
// act on.
type BudgetConfig struct {
	CircuitBreaker struct {
		FailureThreshold int `mapstructure:"failure_threshold"`
		ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
		HalfOpenRequests int `mapstructure:"half_open_requests"`
	} `mapstructure:"circuit_breaker"`
	RateLimit struct {
		Requests   int `mapstructure:"requests"`
		IntervalMs int `mapstructure:"interval_ms"`
	} `mapstructure:"rate_limit"`
}

// WorkflowsConfig captures workflow-related knobs defined in features.yaml.
// There is no synthesis/tool-auto-selection section: those governed the
// teacher's multi-agent result merging and dynamic tool picker, neither of
// which this gateway's static stage DAG (internal/workflow.Definition) has
// — every stage's task type is fixed at RegisterDefinition time, not chosen
// at runtime.
type WorkflowsConfig struct {
	ToolExecution struct {
		// Parallelism bounds how many of a workflow's ready stages run
		// concurrently; resolved into internal/workflow.Orchestrator's
		// maxConcurrent via ResolveWorkflowRuntime.
		Parallelism int `mapstructure:"parallelism"`
	} `mapstructure:"tool_execution"`
}

// EnforcementConfig captures enforcement defaults coming from features.yaml
type EnforcementConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxTokens      int `mapstructure:"max_tokens"`

	RateLimiting struct {
		RPS int `mapstructure:"rps"`
	} `mapstructure:"rate_limiting"`

	CircuitBreaker struct {
		ErrorThreshold float64 `mapstructure:"error_threshold"`
		MinRequests    int     `mapstructure:"min_requests"`
		WindowSeconds  int     `mapstructure:"window_seconds"`
	} `mapstructure:"circuit_breaker"`
}

// GatewayConfig represents gateway-specific toggles
type GatewayConfig struct {
	SkipAuth *bool `mapstructure:"skip_auth"`
}

// BudgetFromEnvOrDefaults returns merged budget config using env overrides
// first, then the config file, with sensible defaults. cmd/gateway/main.go
// feeds the result into circuitbreaker.NewHTTPWrapperWithConfig (guarding
// upstream provider calls) and middleware.NewRateLimiterWithLimits.
func BudgetFromEnvOrDefaults(f *Features) BudgetConfig {
	bc := BudgetConfig{}
	bc.CircuitBreaker.FailureThreshold = 5
	bc.CircuitBreaker.ResetTimeoutMs = 60000
	bc.CircuitBreaker.HalfOpenRequests = 1
	// rate-limit defaults disabled (0); NewRateLimiterWithLimits falls back
	// to its own built-in default when given a non-positive value.

	if f != nil {
		if f.Budget.CircuitBreaker.FailureThreshold > 0 {
			bc.CircuitBreaker.FailureThreshold = f.Budget.CircuitBreaker.FailureThreshold
		}
		if f.Budget.CircuitBreaker.ResetTimeoutMs > 0 {
			bc.CircuitBreaker.ResetTimeoutMs = f.Budget.CircuitBreaker.ResetTimeoutMs
		}
		if f.Budget.CircuitBreaker.HalfOpenRequests > 0 {
			bc.CircuitBreaker.HalfOpenRequests = f.Budget.CircuitBreaker.HalfOpenRequests
		}
		if f.Budget.RateLimit.Requests > 0 {
			bc.RateLimit.Requests = f.Budget.RateLimit.Requests
		}
		if f.Budget.RateLimit.IntervalMs > 0 {
			bc.RateLimit.IntervalMs = f.Budget.RateLimit.IntervalMs
		}
	}

	if v := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.FailureThreshold = x
		}
	}
	if v := os.Getenv("CIRCUIT_RESET_TIMEOUT_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.ResetTimeoutMs = x
		}
	}
	if v := os.Getenv("CIRCUIT_HALF_OPEN_REQUESTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.HalfOpenRequests = x
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.RateLimit.Requests = x
		}
	}
	if v := os.Getenv("RATE_LIMIT_INTERVAL_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.RateLimit.IntervalMs = x
		}
	}

	return bc
}

// WorkflowRuntimeConfig represents resolved workflow-related runtime settings.
type WorkflowRuntimeConfig struct {
	ToolParallelism        int
	ToolParallelismFromEnv bool
}

// ResolveWorkflowRuntime merges features.yaml defaults with environment
// overrides into the knob cmd/gateway/main.go passes to
// internal/workflow.New's maxConcurrent parameter.
func ResolveWorkflowRuntime(f *Features) WorkflowRuntimeConfig {
	cfg := WorkflowRuntimeConfig{
		ToolParallelism: 4,
	}

	if f != nil && f.Workflows.ToolExecution.Parallelism > 0 {
		cfg.ToolParallelism = f.Workflows.ToolExecution.Parallelism
	}

	if v := os.Getenv("WORKFLOW_MAX_CONCURRENT_STAGES"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ToolParallelism = n
			cfg.ToolParallelismFromEnv = true
		}
	}

	return cfg
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
