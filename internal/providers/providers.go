// Package providers implements the per-provider chunk transformers (§4.B):
// stateless adapters that turn one raw upstream JSON chunk into a
// canonical ContentChunk, a silent Ignore, a terminal Done, or a
// StreamError. Each transformer carries only the model id it stamps onto
// outgoing chunks; it holds no other state and is safe to share across
// concurrent streams.
package providers

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/crestline-ai/llmgateway/internal/events"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
)

// ResultKind tags the outcome of transforming one raw chunk.
type ResultKind int

const (
	ResultTransformed ResultKind = iota
	ResultIgnore
	ResultDone
)

// TransformResult is the tagged variant returned by TransformChunk.
type TransformResult struct {
	Kind  ResultKind
	Chunk events.ContentChunk
}

func Transformed(c events.ContentChunk) TransformResult {
	return TransformResult{Kind: ResultTransformed, Chunk: c}
}

func Ignore() TransformResult { return TransformResult{Kind: ResultIgnore} }

func Done() TransformResult { return TransformResult{Kind: ResultDone} }

// Usage is the provider-reported token usage extracted from a chunk. The
// billing-relevant fields (Prompt/Completion/CacheRead/CacheWrite) feed
// pricing.Compute directly; the rest is observability-only rich usage
// metadata (grounded in original_source's openai.rs UsageMetadata and
// google.rs's thoughts_tokens/prompt_tokens_details) that rides along on
// the ledger transaction but never affects cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int

	ReasoningTokens   int
	AudioTokens       int
	ImageTokens       int
	SystemFingerprint string
	ModelVersion      string
	ResponseID        string
	Provider          string
}

// Metadata flattens Usage's non-billing fields into a JSON-able map for
// attachment to a ledger transaction's metadata column. Zero-value fields
// are omitted so a provider that never reports them doesn't pollute every
// transaction with empty strings and zeros.
func (u Usage) Metadata() map[string]interface{} {
	m := map[string]interface{}{}
	if u.ReasoningTokens != 0 {
		m["reasoning_tokens"] = u.ReasoningTokens
	}
	if u.AudioTokens != 0 {
		m["audio_tokens"] = u.AudioTokens
	}
	if u.ImageTokens != 0 {
		m["image_tokens"] = u.ImageTokens
	}
	if u.SystemFingerprint != "" {
		m["system_fingerprint"] = u.SystemFingerprint
	}
	if u.ModelVersion != "" {
		m["model_version"] = u.ModelVersion
	}
	if u.ResponseID != "" {
		m["response_id"] = u.ResponseID
	}
	if u.Provider != "" {
		m["provider"] = u.Provider
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Transformer is the capability set every provider adapter implements.
type Transformer interface {
	// TransformChunk parses one raw SSE data payload into a TransformResult,
	// or returns a *gatewayerr.Error (kind StreamError) on unrecoverable
	// malformed input. Chunks that merely can't be confidently parsed
	// return Ignore, not an error.
	TransformChunk(raw []byte) (TransformResult, error)
	// ExtractUsageFromChunk returns the usage carried by raw, if any.
	// Extraction is idempotent from the caller's perspective: the most
	// recently returned non-nil usage should always win.
	ExtractUsageFromChunk(raw []byte) (*Usage, bool)
	// HandleErrorChunk returns a StreamError if raw is a provider error
	// chunk, else nil.
	HandleErrorChunk(raw []byte) error
	// ExtractTextDelta returns the verbatim text content of raw, if any.
	ExtractTextDelta(raw []byte) (string, bool)
}

// Name identifies a supported upstream provider.
type Name string

const (
	OpenAIStyle Name = "openai" // also xAI, DeepSeek, OpenRouter: identical shape
	XAI         Name = "xai"
	DeepSeek    Name = "deepseek"
	OpenRouter  Name = "openrouter"
	Google      Name = "google"
	Anthropic   Name = "anthropic"
)

// New returns the transformer for the named provider, stamping modelID on
// every outgoing chunk.
func New(name Name, modelID string) (Transformer, error) {
	switch name {
	case OpenAIStyle, XAI, DeepSeek, OpenRouter:
		return &openAIStyle{modelID: modelID}, nil
	case Google:
		return &gemini{modelID: modelID}, nil
	case Anthropic:
		// Anthropic's native streaming is not spoken directly; requests
		// are routed through OpenRouter, which re-emits the OpenAI-style
		// shape. This adapter preserves the contract only.
		return &openAIStyle{modelID: modelID}, nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
}

// errorChunk reports whether raw carries a top-level `error` object, the
// one error shape common to every provider in this pack.
func errorChunk(raw []byte) (string, bool) {
	result := gjson.GetBytes(raw, "error")
	if !result.Exists() {
		return "", false
	}
	if msg := result.Get("message"); msg.Exists() {
		return msg.String(), true
	}
	if result.Type == gjson.String {
		return result.String(), true
	}
	return result.Raw, true
}

func handleErrorChunk(raw []byte) error {
	if msg, ok := errorChunk(raw); ok {
		return gatewayerr.ProviderError(msg)
	}
	return nil
}
