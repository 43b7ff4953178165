package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func resetState(t *testing.T, models map[string]rates) {
	t.Helper()
	mu.Lock()
	loaded = &config{models: models}
	initialized = true
	loadedPath = ""
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		initialized = false
		loaded = nil
		mu.Unlock()
	})
}

func testRates() map[string]rates {
	return map[string]rates{
		"gpt-test": {
			input:             dec("3"),
			output:            dec("15"),
			cacheWrite:        dec("3.75"),
			cacheRead:         dec("0.3"),
			inputLongContext:  dec("6"),
			outputLongContext: dec("30"),
			longContextThresh: 1000,
		},
		"no-cache-rates": {
			input:  dec("1"),
			output: dec("2"),
		},
	}
}

func TestComputeBaseRates(t *testing.T) {
	resetState(t, testRates())

	got, err := Compute("no-cache-rates", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := decimal.RequireFromString("3") // 1 + 2, no long-context threshold
	if !got.Equal(want) {
		t.Errorf("Compute() = %s, want %s", got, want)
	}
}

func TestComputeRoundTripNoCache(t *testing.T) {
	resetState(t, testRates())

	usage := Usage{PromptTokens: 200, CompletionTokens: 50}
	got, err := Compute("gpt-test", usage)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	input := decimal.RequireFromString("3")
	output := decimal.RequireFromString("15")
	want := decimal.NewFromInt(usage.PromptTokens).Mul(input).Div(million).
		Add(decimal.NewFromInt(usage.CompletionTokens).Mul(output).Div(million))
	if !got.Equal(want) {
		t.Errorf("Compute() = %s, want %s", got, want)
	}
}

func TestComputeCacheReadAndWrite(t *testing.T) {
	resetState(t, testRates())

	// prompt includes 100 cache-read and 50 cache-write tokens; base input
	// is prompt - cache_read - cache_write.
	usage := Usage{PromptTokens: 1000, CompletionTokens: 0, CacheReadTokens: 100, CacheWriteTokens: 50}
	got, err := Compute("gpt-test", usage)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	baseInput := decimal.NewFromInt(850).Mul(decimal.RequireFromString("3")).Div(million)
	cacheWrite := decimal.NewFromInt(50).Mul(decimal.RequireFromString("3.75")).Div(million)
	cacheRead := decimal.NewFromInt(100).Mul(decimal.RequireFromString("0.3")).Div(million)
	want := baseInput.Add(cacheWrite).Add(cacheRead)
	if !got.Equal(want) {
		t.Errorf("Compute() = %s, want %s", got, want)
	}
}

func TestComputeCacheFallsBackToInputRate(t *testing.T) {
	resetState(t, testRates())

	usage := Usage{PromptTokens: 1000, CacheReadTokens: 100, CacheWriteTokens: 50}
	got, err := Compute("no-cache-rates", usage)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// With no distinct cache rates, every prompt token (base + cache) is
	// priced at the base input rate.
	want := decimal.NewFromInt(1000).Mul(decimal.RequireFromString("1")).Div(million)
	if !got.Equal(want) {
		t.Errorf("Compute() = %s, want %s", got, want)
	}
}

func TestComputeLongContextThreshold(t *testing.T) {
	resetState(t, testRates())

	// Exactly at the threshold: base rates still apply ("greater than",
	// not "greater than or equal").
	atThreshold, err := Compute("gpt-test", Usage{PromptTokens: 500, CompletionTokens: 500})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	wantBase := decimal.NewFromInt(500).Mul(decimal.RequireFromString("3")).Div(million).
		Add(decimal.NewFromInt(500).Mul(decimal.RequireFromString("15")).Div(million))
	if !atThreshold.Equal(wantBase) {
		t.Errorf("at threshold: Compute() = %s, want %s (base rates)", atThreshold, wantBase)
	}

	// One token past the threshold: long-context rates apply.
	overThreshold, err := Compute("gpt-test", Usage{PromptTokens: 500, CompletionTokens: 501})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	wantLong := decimal.NewFromInt(500).Mul(decimal.RequireFromString("6")).Div(million).
		Add(decimal.NewFromInt(501).Mul(decimal.RequireFromString("30")).Div(million))
	if !overThreshold.Equal(wantLong) {
		t.Errorf("over threshold: Compute() = %s, want %s (long-context rates)", overThreshold, wantLong)
	}
}

func TestComputeRejectsExcessiveTokenCount(t *testing.T) {
	resetState(t, testRates())

	if _, err := Compute("gpt-test", Usage{PromptTokens: MaxTokens + 1}); err == nil {
		t.Error("expected error for token count exceeding MAX_TOKENS")
	}
	if _, err := Compute("gpt-test", Usage{PromptTokens: MaxTokens}); err != nil {
		t.Errorf("MAX_TOKENS itself should be accepted: %v", err)
	}
}

func TestComputeRejectsNegativeTokenCount(t *testing.T) {
	resetState(t, testRates())

	if _, err := Compute("gpt-test", Usage{PromptTokens: -1}); err == nil {
		t.Error("expected error for negative token count")
	}
}

func TestComputeUnknownModel(t *testing.T) {
	resetState(t, testRates())

	if _, err := Compute("does-not-exist", Usage{PromptTokens: 10}); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestComputeRejectsOutOfBoundsRate(t *testing.T) {
	resetState(t, map[string]rates{
		"too-expensive": {input: dec("5000"), output: dec("15")},
	})

	if _, err := Compute("too-expensive", Usage{PromptTokens: 10}); err == nil {
		t.Error("expected error for rate exceeding MAX_PRICE")
	}
}

func TestHasModel(t *testing.T) {
	resetState(t, testRates())

	if !HasModel("gpt-test") {
		t.Error("HasModel(gpt-test) = false, want true")
	}
	if HasModel("nonexistent") {
		t.Error("HasModel(nonexistent) = true, want false")
	}
}

func TestModifiedTimeNoPanic(t *testing.T) {
	_ = ModifiedTime()
}
