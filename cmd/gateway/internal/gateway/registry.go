// Package gateway assembles the HTTP surface of the LLM gateway: the
// OpenAI-compatible chat-completion endpoint (§6) and the workflow
// control actions the desktop client drives. It wires together the
// already-independent components (providers, stream, ledger, pricing,
// tracker, job, workflow, session, sequencer) the way the teacher's
// cmd/gateway/internal/openai package wired its own handler, streamer,
// and registry, but over this module's own domain.
package gateway

import (
	"fmt"
	"os"

	"github.com/crestline-ai/llmgateway/internal/providers"
)

// ModelRoute resolves a client-facing model id to the upstream provider
// that serves it, the pricing-table key that prices it, and the
// completions endpoint to forward the (OpenAI-shaped) request body to.
// Per-provider request/response shape translation below the chunk level
// is an out-of-scope collaborator (spec §1); every route here forwards
// the same OpenAI-compatible JSON body the gateway received, since every
// supported upstream except native Anthropic accepts that shape directly
// and Anthropic is, per §4.B, routed through OpenRouter in this
// implementation.
type ModelRoute struct {
	Provider     providers.Name
	PricingModel string
	URL          string
	APIKeyEnv    string
}

// ModelRegistry maps client-facing model ids to ModelRoutes.
type ModelRegistry struct {
	routes map[string]ModelRoute
}

// NewModelRegistry returns a registry seeded with the default routes for
// every provider named in spec §1: OpenAI, Anthropic, Google, xAI,
// DeepSeek, and OpenRouter.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{routes: map[string]ModelRoute{
		"gpt-4o": {
			Provider: providers.OpenAIStyle, PricingModel: "gpt-4o",
			URL: "https://api.openai.com/v1/chat/completions", APIKeyEnv: "OPENAI_API_KEY",
		},
		"gpt-4o-mini": {
			Provider: providers.OpenAIStyle, PricingModel: "gpt-4o-mini",
			URL: "https://api.openai.com/v1/chat/completions", APIKeyEnv: "OPENAI_API_KEY",
		},
		"grok-beta": {
			Provider: providers.XAI, PricingModel: "grok-beta",
			URL: "https://api.x.ai/v1/chat/completions", APIKeyEnv: "XAI_API_KEY",
		},
		"deepseek-chat": {
			Provider: providers.DeepSeek, PricingModel: "deepseek-chat",
			URL: "https://api.deepseek.com/chat/completions", APIKeyEnv: "DEEPSEEK_API_KEY",
		},
		"gemini-1.5-pro": {
			Provider: providers.Google, PricingModel: "gemini-1.5-pro",
			URL: "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-pro:streamGenerateContent",
			APIKeyEnv: "GOOGLE_API_KEY",
		},
		"claude-3-5-sonnet-20241022": {
			Provider: providers.Anthropic, PricingModel: "claude-3-5-sonnet-20241022",
			URL: "https://openrouter.ai/api/v1/chat/completions", APIKeyEnv: "OPENROUTER_API_KEY",
		},
		"openrouter/auto": {
			Provider: providers.OpenRouter, PricingModel: "openrouter/auto",
			URL: "https://openrouter.ai/api/v1/chat/completions", APIKeyEnv: "OPENROUTER_API_KEY",
		},
	}}
}

// Register adds or overrides a route, for operator-supplied model config.
func (r *ModelRegistry) Register(model string, route ModelRoute) {
	r.routes[model] = route
}

// Resolve looks up the route for model, and the API key configured for it.
func (r *ModelRegistry) Resolve(model string) (ModelRoute, string, error) {
	route, ok := r.routes[model]
	if !ok {
		return ModelRoute{}, "", fmt.Errorf("gateway: unknown model %q", model)
	}
	key := os.Getenv(route.APIKeyEnv)
	return route, key, nil
}
