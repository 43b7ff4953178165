// Package pricing implements the cost model (§4.E): a data-driven, exact-
// decimal charge computation from a JSON rate table keyed by model id.
// Cost is always computed from these local rates, never from a
// provider-reported cost figure, so that billing stays isolated from
// upstream volatility.
package pricing

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	pmetrics "github.com/crestline-ai/llmgateway/internal/metrics"
)

// MaxTokens is the upper bound (inclusive) on any single token count
// accepted by Compute.
const MaxTokens int64 = 1_000_000_000

var (
	minPrice = decimal.New(1, -6) // 0.000001
	maxPrice = decimal.New(1000, 0)
	million  = decimal.New(1, 6)
	// maxBucketCost bounds one cost bucket: MAX_PRICE worth of tokens at
	// the million-token rate.
	maxBucketCost = maxPrice.Mul(million)
)

// Usage is the provider usage a charge is computed from.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// rates holds one model's pricing fields. A nil field means "no distinct
// rate configured"; callers fall back to the base input/output rate.
type rates struct {
	input             *decimal.Decimal
	output            *decimal.Decimal
	cacheWrite        *decimal.Decimal
	cacheRead         *decimal.Decimal
	cachedInput       *decimal.Decimal
	inputLongContext  *decimal.Decimal
	outputLongContext *decimal.Decimal
	longContextThresh int64
}

// config is the loaded, parsed rate table.
type config struct {
	models map[string]rates
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
	loadedPath  string
)

// defaultPaths mirrors the search-with-fallback pattern used elsewhere in
// this module: an operator-supplied table wins over the built-in defaults
// baked into this binary.
var defaultPaths = []string{
	os.Getenv("PRICING_CONFIG_PATH"),
	"/app/config/pricing.json",
	"./config/pricing.json",
	"../../config/pricing.json",
	"../../../config/pricing.json",
}

// findUpConfig searches parent directories for config/pricing.json
// starting at the working directory.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "pricing.json")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked loads the configuration; caller must hold mu for writing.
func loadLocked() {
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		c, err := parse(data)
		if err != nil {
			log.Printf("WARNING: failed to parse pricing config from %s: %v", p, err)
			continue
		}
		loaded = c
		loadedPath = p
		initialized = true
		log.Printf("Loaded pricing configuration from %s", p)
		return
	}
	if path, ok := findUpConfig(); ok {
		if data, err := os.ReadFile(path); err == nil {
			if c, err := parse(data); err == nil {
				loaded = c
				loadedPath = path
				initialized = true
				log.Printf("Loaded pricing configuration from %s", path)
				return
			}
		}
	}
	loaded = defaultTable()
	loadedPath = ""
	initialized = true
}

func parse(data []byte) (*config, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	c := &config{models: make(map[string]rates)}
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		c.models[key.String()] = ratesFromJSON(value)
		return true
	})
	return c, nil
}

func ratesFromJSON(m gjson.Result) rates {
	return rates{
		input:             decimalField(m, "input_per_million"),
		output:            decimalField(m, "output_per_million"),
		cacheWrite:        decimalField(m, "cache_write_per_million"),
		cacheRead:         decimalField(m, "cache_read_per_million"),
		cachedInput:       decimalField(m, "cached_input_per_million"),
		inputLongContext:  decimalField(m, "input_long_context_per_million"),
		outputLongContext: decimalField(m, "output_long_context_per_million"),
		longContextThresh: m.Get("long_context_threshold").Int(),
	}
}

// decimalField parses field's literal JSON number text through
// decimal.NewFromString rather than float64, so rate lookups never
// introduce binary-floating-point rounding ahead of Compute's exact
// arithmetic.
func decimalField(m gjson.Result, field string) *decimal.Decimal {
	f := m.Get(field)
	if !f.Exists() {
		return nil
	}
	d, err := decimal.NewFromString(f.Raw)
	if err != nil {
		return nil
	}
	return &d
}

func dec(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

// defaultTable is the built-in fallback used when no pricing.json is found
// on any searched path.
func defaultTable() *config {
	return &config{models: map[string]rates{
		"gateway-chat": {
			input:  dec("3"),
			output: dec("15"),
		},
		"gateway-complex": {
			input:  dec("5"),
			output: dec("25"),
		},
	}}
}

func get() *config {
	mu.RLock()
	if initialized {
		c := loaded
		mu.RUnlock()
		return c
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of the configured pricing table. Thread-safe.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// ModifiedTime returns the mtime of the pricing file in use, best-effort.
func ModifiedTime() time.Time {
	mu.RLock()
	path := loadedPath
	mu.RUnlock()
	if path == "" {
		return time.Time{}
	}
	if st, err := os.Stat(path); err == nil {
		return st.ModTime()
	}
	return time.Time{}
}

func validateTokenCount(n int64, field string) error {
	if n < 0 {
		return fmt.Errorf("pricing: %s is negative: %d", field, n)
	}
	if n > MaxTokens {
		return fmt.Errorf("pricing: %s exceeds MAX_TOKENS: %d", field, n)
	}
	return nil
}

func validateRate(rate *decimal.Decimal, field, model string) (decimal.Decimal, error) {
	if rate == nil {
		pmetrics.PricingFallbacks.WithLabelValues("missing_rate").Inc()
		return decimal.Zero, fmt.Errorf("pricing: model %q missing required rate %s", model, field)
	}
	if rate.LessThan(minPrice) || rate.GreaterThan(maxPrice) {
		return decimal.Zero, fmt.Errorf("pricing: model %q rate %s=%s out of bounds [%s,%s]", model, field, rate.String(), minPrice.String(), maxPrice.String())
	}
	return *rate, nil
}

func bucketCost(tokens int64, rate decimal.Decimal) (decimal.Decimal, error) {
	cost := decimal.NewFromInt(tokens).Mul(rate).Div(million)
	if cost.LessThan(decimal.Zero) || cost.GreaterThan(maxBucketCost) {
		return decimal.Zero, fmt.Errorf("pricing: bucket cost %s out of bounds", cost.String())
	}
	return cost, nil
}

// Compute implements the §4.E algorithm: validates token counts, selects
// base or long-context rates, computes each of the four cost buckets, and
// returns their exact decimal sum.
func Compute(model string, usage Usage) (decimal.Decimal, error) {
	if err := validateTokenCount(usage.PromptTokens, "prompt_tokens"); err != nil {
		return decimal.Zero, err
	}
	if err := validateTokenCount(usage.CompletionTokens, "completion_tokens"); err != nil {
		return decimal.Zero, err
	}
	if err := validateTokenCount(usage.CacheReadTokens, "cache_read_tokens"); err != nil {
		return decimal.Zero, err
	}
	if err := validateTokenCount(usage.CacheWriteTokens, "cache_write_tokens"); err != nil {
		return decimal.Zero, err
	}

	c := get()
	r, ok := c.models[model]
	if !ok {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		return decimal.Zero, fmt.Errorf("pricing: unknown model %q", model)
	}

	total := usage.PromptTokens + usage.CompletionTokens
	useLongContext := r.longContextThresh > 0 && total > r.longContextThresh

	inputRate := r.input
	outputRate := r.output
	if useLongContext {
		if r.inputLongContext != nil {
			inputRate = r.inputLongContext
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("long_context_input_missing").Inc()
		}
		if r.outputLongContext != nil {
			outputRate = r.outputLongContext
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("long_context_output_missing").Inc()
		}
	}

	sum := decimal.Zero

	baseInput := usage.PromptTokens - usage.CacheReadTokens - usage.CacheWriteTokens
	if baseInput < 0 {
		baseInput = 0
	}
	if baseInput > 0 {
		rate, err := validateRate(inputRate, "input_per_million", model)
		if err != nil {
			return decimal.Zero, err
		}
		cost, err := bucketCost(baseInput, rate)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(cost)
	}

	if usage.CacheWriteTokens > 0 {
		rate := r.cacheWrite
		if rate == nil {
			rate = inputRate
			pmetrics.PricingFallbacks.WithLabelValues("cache_write_fallback_input").Inc()
		}
		validated, err := validateRate(rate, "cache_write_per_million", model)
		if err != nil {
			return decimal.Zero, err
		}
		cost, err := bucketCost(usage.CacheWriteTokens, validated)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(cost)
	}

	if usage.CacheReadTokens > 0 {
		rate := r.cacheRead
		if rate == nil {
			rate = r.cachedInput
			if rate != nil {
				pmetrics.PricingFallbacks.WithLabelValues("cache_read_fallback_cached_input").Inc()
			}
		}
		if rate == nil {
			rate = inputRate
			pmetrics.PricingFallbacks.WithLabelValues("cache_read_fallback_input").Inc()
		}
		validated, err := validateRate(rate, "cache_read_per_million", model)
		if err != nil {
			return decimal.Zero, err
		}
		cost, err := bucketCost(usage.CacheReadTokens, validated)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(cost)
	}

	if usage.CompletionTokens > 0 {
		rate, err := validateRate(outputRate, "output_per_million", model)
		if err != nil {
			return decimal.Zero, err
		}
		cost, err := bucketCost(usage.CompletionTokens, rate)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(cost)
	}

	return sum, nil
}

// HasModel reports whether the loaded table carries pricing for model.
func HasModel(model string) bool {
	c := get()
	_, ok := c.models[model]
	return ok
}

// ValidateMap validates a raw pricing config map for the config manager's
// hot-reload validator hook.
func ValidateMap(m map[string]interface{}) error {
	for model, v := range m {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"input_per_million", "output_per_million", "cache_write_per_million", "cache_read_per_million", "cached_input_per_million", "input_long_context_per_million", "output_long_context_per_million"} {
			raw, ok := entry[field]
			if !ok {
				continue
			}
			n, ok := raw.(float64)
			if !ok {
				continue
			}
			if n < 0 {
				return fmt.Errorf("pricing: %s.%s must be >= 0", model, field)
			}
		}
	}
	return nil
}
