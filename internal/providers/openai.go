package providers

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/crestline-ai/llmgateway/internal/events"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
)

// openAIStyle transforms chunks shaped like OpenAI's chat-completions
// streaming API: `choices[].delta.content`, a trailing finish-reason-only
// chunk, then a trailing usage-only chunk, then the `[DONE]` sentinel.
// xAI, DeepSeek, and OpenRouter all emit this same shape.
type openAIStyle struct {
	modelID string
}

var doneSentinel = []byte("[DONE]")

// responsesAPIEventTypes is the Responses-API event shape (supplemented
// from original_source's openai.rs, which handles both this and the
// legacy Chat Completions delta shape): `type` carries the event kind
// instead of choices[].delta being the only signal.
const (
	responsesEventTextDelta = "response.output_text.delta"
	responsesEventCompleted = "response.completed"
	responsesEventFailed    = "response.failed"
	responsesEventCancelled = "response.cancelled"
)

func (p *openAIStyle) TransformChunk(raw []byte) (TransformResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Ignore(), nil
	}
	if bytes.Equal(trimmed, doneSentinel) {
		return Done(), nil
	}

	if err := handleErrorChunk(trimmed); err != nil {
		return TransformResult{}, err
	}

	parsed := gjson.ParseBytes(trimmed)
	if !parsed.Exists() {
		return Ignore(), nil
	}

	if result, handled, err := p.transformResponsesEvent(parsed); handled {
		return result, err
	}

	choices := parsed.Get("choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		// No choices at all: either a usage-only chunk or unparseable noise.
		// Usage is extracted separately by ExtractUsageFromChunk; either way
		// this chunk contributes no content.
		return Ignore(), nil
	}

	id := parsed.Get("id").String()
	if id == "" {
		id = "chatcmpl-" + p.modelID
	}

	outChoices := make([]events.Choice, 0, len(choices.Array()))
	sawContent := false
	for _, c := range choices.Array() {
		delta := c.Get("delta")
		content := delta.Get("content")
		role := delta.Get("role").String()
		if !content.Exists() && role == "" {
			// finish-reason-only chunk: drop silently. The terminal signal
			// is the [DONE] sentinel or upstream EOF, never this; a later
			// usage-only chunk is ignored too (see above).
			continue
		}
		sawContent = sawContent || content.Exists()
		outChoices = append(outChoices, events.Choice{
			Index: int(c.Get("index").Int()),
			Delta: events.Delta{
				Role:    role,
				Content: content.String(),
			},
		})
	}

	if len(outChoices) == 0 {
		return Ignore(), nil
	}
	_ = sawContent

	return Transformed(events.ContentChunk{
		ID:      id,
		Model:   p.modelID,
		Choices: outChoices,
	}), nil
}

func (p *openAIStyle) ExtractUsageFromChunk(raw []byte) (*Usage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneSentinel) {
		return nil, false
	}
	parsed := gjson.ParseBytes(trimmed)

	// Responses-API shape nests usage inside the response object.
	usage := parsed.Get("usage")
	if !usage.Exists() {
		usage = parsed.Get("response.usage")
	}
	if !usage.Exists() {
		return nil, false
	}

	promptTokens := usage.Get("prompt_tokens")
	if !promptTokens.Exists() {
		promptTokens = usage.Get("input_tokens")
	}
	completionTokens := usage.Get("completion_tokens")
	if !completionTokens.Exists() {
		completionTokens = usage.Get("output_tokens")
	}

	u := &Usage{
		PromptTokens:     int(promptTokens.Int()),
		CompletionTokens: int(completionTokens.Int()),
		Provider:         "openai",
		ResponseID:       parsed.Get("id").String(),
		SystemFingerprint: parsed.Get("system_fingerprint").String(),
		ModelVersion:      parsed.Get("model").String(),
	}
	if u.ResponseID == "" {
		u.ResponseID = parsed.Get("response.id").String()
	}
	// Cache tokens nest under prompt_tokens_details in the OpenAI shape;
	// OpenRouter/xAI/DeepSeek echo the same nesting for cached providers.
	if details := usage.Get("prompt_tokens_details"); details.Exists() {
		u.CacheReadTokens = int(details.Get("cached_tokens").Int())
		u.AudioTokens += int(details.Get("audio_tokens").Int())
	}
	if details := usage.Get("input_tokens_details"); details.Exists() {
		u.CacheReadTokens = int(details.Get("cached_tokens").Int())
	}
	if details := usage.Get("completion_tokens_details"); details.Exists() {
		u.CacheWriteTokens = int(details.Get("cache_write_tokens").Int())
		u.ReasoningTokens = int(details.Get("reasoning_tokens").Int())
		u.AudioTokens += int(details.Get("audio_tokens").Int())
	}
	if details := usage.Get("output_tokens_details"); details.Exists() {
		u.ReasoningTokens = int(details.Get("reasoning_tokens").Int())
	}
	return u, true
}

// transformResponsesEvent handles the Responses-API event shape
// (`type: response.output_text.delta|completed|failed|cancelled`) for
// providers that emit it instead of (or alongside) the legacy Chat
// Completions delta shape. handled is false when raw carries no
// recognized `type` field, so the caller falls through to the legacy path.
func (p *openAIStyle) transformResponsesEvent(parsed gjson.Result) (TransformResult, bool, error) {
	eventType := parsed.Get("type").String()
	switch eventType {
	case responsesEventTextDelta:
		delta := parsed.Get("delta").String()
		if delta == "" {
			return Ignore(), true, nil
		}
		id := parsed.Get("item_id").String()
		if id == "" {
			id = "resp-" + p.modelID
		}
		return Transformed(events.ContentChunk{
			ID:    id,
			Model: p.modelID,
			Choices: []events.Choice{{
				Index: int(parsed.Get("output_index").Int()),
				Delta: events.Delta{Content: delta},
			}},
		}), true, nil
	case responsesEventCompleted:
		return Done(), true, nil
	case responsesEventFailed, responsesEventCancelled:
		msg := parsed.Get("response.error.message").String()
		if msg == "" {
			msg = eventType
		}
		return TransformResult{}, true, gatewayerr.ProviderError(msg)
	default:
		return TransformResult{}, false, nil
	}
}

func (p *openAIStyle) HandleErrorChunk(raw []byte) error {
	return handleErrorChunk(bytes.TrimSpace(raw))
}

func (p *openAIStyle) ExtractTextDelta(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneSentinel) {
		return "", false
	}
	var out bytes.Buffer
	found := false
	for _, c := range gjson.GetBytes(trimmed, "choices").Array() {
		content := c.Get("delta.content")
		if content.Exists() {
			out.WriteString(content.String())
			found = true
		}
	}
	return out.String(), found
}
