package providers

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/crestline-ai/llmgateway/internal/events"
)

// gemini transforms Google's Gemini streaming shape:
// `candidates[].content.parts[].text`, with `usageMetadata` appearing
// cumulatively across chunks.
type gemini struct {
	modelID string
}

func (p *gemini) TransformChunk(raw []byte) (TransformResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Ignore(), nil
	}
	if err := handleErrorChunk(trimmed); err != nil {
		return TransformResult{}, err
	}

	parsed := gjson.ParseBytes(trimmed)
	candidates := parsed.Get("candidates")
	if !candidates.IsArray() || len(candidates.Array()) == 0 {
		return Ignore(), nil
	}

	outChoices := make([]events.Choice, 0, len(candidates.Array()))
	anyContent := false
	allStoppedEmpty := true

	for i, c := range candidates.Array() {
		parts := c.Get("content.parts")
		var text strings.Builder
		hasParts := false
		if parts.IsArray() {
			for _, part := range parts.Array() {
				// Concatenate every text part verbatim, including thinking
				// parts: losing any part would silently drop model output.
				if t := part.Get("text"); t.Exists() {
					text.WriteString(t.String())
					hasParts = true
				}
			}
		}

		finishReason := c.Get("finishReason").String()
		if hasParts {
			allStoppedEmpty = false
			anyContent = true
			outChoices = append(outChoices, events.Choice{
				Index: i,
				Delta: events.Delta{Role: "assistant", Content: text.String()},
			})
		} else if finishReason != "STOP" {
			allStoppedEmpty = false
		}
	}

	if len(outChoices) == 0 && allStoppedEmpty && len(candidates.Array()) > 0 {
		return Done(), nil
	}
	if !anyContent {
		return Ignore(), nil
	}

	return Transformed(events.ContentChunk{
		ID:      parsed.Get("responseId").String(),
		Model:   p.modelID,
		Choices: outChoices,
	}), nil
}

func (p *gemini) ExtractUsageFromChunk(raw []byte) (*Usage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	parsed := gjson.ParseBytes(trimmed)
	meta := parsed.Get("usageMetadata")
	if !meta.Exists() {
		return nil, false
	}
	return &Usage{
		PromptTokens:      int(meta.Get("promptTokenCount").Int()),
		CompletionTokens:  int(meta.Get("candidatesTokenCount").Int()),
		CacheReadTokens:   int(meta.Get("cachedContentTokenCount").Int()),
		ReasoningTokens:   int(meta.Get("thoughtsTokenCount").Int()),
		Provider:          "google",
		ResponseID:        parsed.Get("responseId").String(),
		ModelVersion:      parsed.Get("modelVersion").String(),
	}, true
}

func (p *gemini) HandleErrorChunk(raw []byte) error {
	return handleErrorChunk(bytes.TrimSpace(raw))
}

func (p *gemini) ExtractTextDelta(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	var out strings.Builder
	found := false
	for _, c := range gjson.GetBytes(trimmed, "candidates").Array() {
		for _, part := range c.Get("content.parts").Array() {
			if t := part.Get("text"); t.Exists() {
				out.WriteString(t.String())
				found = true
			}
		}
	}
	return out.String(), found
}
