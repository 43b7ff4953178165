package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/auth"
	"github.com/crestline-ai/llmgateway/internal/events"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
	"github.com/crestline-ai/llmgateway/internal/ledger"
	"github.com/crestline-ai/llmgateway/internal/pricing"
	"github.com/crestline-ai/llmgateway/internal/providers"
	"github.com/crestline-ai/llmgateway/internal/stream"
	"github.com/crestline-ai/llmgateway/internal/tracker"
)

// chatMessage is one OpenAI-compatible chat message (§6 gateway request).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the gateway's inbound request shape (§6).
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      *bool         `json:"stream,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TaskType    string        `json:"task_type,omitempty"`
}

// estimateTokens is the coarse, non-tokenizing estimate §1's Non-goals
// call for: roughly four characters per token, the same ballpark every
// OpenAI-compatible provider's own docs quote for English text.
func estimateTokens(chars int) int64 {
	n := int64(chars) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// httpDoer is satisfied by both *http.Client and
// *circuitbreaker.HTTPWrapper, so ChatHandler's upstream calls run through
// the breaker without this package importing circuitbreaker directly.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatHandler implements the gateway request contract (§6): it resolves
// the target provider, pre-authorizes estimated cost, streams the
// provider's SSE bytes through the canonical pipeline, and writes the
// canonical wire format back to the caller.
type ChatHandler struct {
	Models  *ModelRegistry
	Ledger  *ledger.Ledger
	Tracker *tracker.Tracker
	Client  httpDoer
	Logger  *zap.Logger
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userCtx, err := auth.GetUserContext(ctx)
	if err != nil {
		h.writeError(w, gatewayerr.Auth("missing authenticated user context"))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		h.writeError(w, gatewayerr.Validation("model and messages are required"))
		return
	}

	route, apiKey, err := h.Models.Resolve(req.Model)
	if err != nil {
		h.writeError(w, gatewayerr.Config("unknown model referenced by request: %s", req.Model).
			WithHint("configure a route for this model or choose a supported one"))
		return
	}

	requestID := uuid.New().String()

	var promptChars int
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	estPromptTokens := estimateTokens(promptChars)
	estOutTokens := int64(256)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		estOutTokens = int64(*req.MaxTokens)
	}
	estimatedCost, err := pricing.Compute(route.PricingModel, pricing.Usage{
		PromptTokens:     estPromptTokens,
		CompletionTokens: estOutTokens,
	})
	if err != nil {
		h.writeError(w, gatewayerr.Config("pricing: %v", err))
		return
	}

	if _, err := h.Ledger.InitiateApiCharge(ctx, userCtx.UserID, requestID, estimatedCost); err != nil {
		if err == ledger.ErrInsufficientCredit {
			h.writeError(w, gatewayerr.Validation("insufficient credit for estimated cost %s", estimatedCost.String()))
			return
		}
		h.writeError(w, gatewayerr.Database(err, "reservation failed"))
		return
	}

	streaming := true
	entry := h.Tracker.TrackRequest(requestID, userCtx.UserID.String(), string(route.Provider), streaming)
	defer h.Tracker.Untrack(requestID)

	body, _ := json.Marshal(req)
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL, bytes.NewReader(body))
	if err != nil {
		h.writeError(w, gatewayerr.Internal(err, "building upstream request"))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		upstreamReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	upstreamResp, err := h.Client.Do(upstreamReq)
	if err != nil {
		h.writeError(w, gatewayerr.Network(err, "upstream request failed"))
		return
	}
	defer upstreamResp.Body.Close()
	if upstreamResp.StatusCode >= 400 {
		h.writeError(w, gatewayerr.External(fmt.Errorf("status %d", upstreamResp.StatusCode), "upstream provider error"))
		return
	}

	transformer, err := providers.New(route.Provider, req.Model)
	if err != nil {
		h.writeError(w, gatewayerr.Config("%v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, gatewayerr.Internal(nil, "response writer does not support flushing"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	handler := &stream.Handler{
		Transformer:  transformer,
		PricingModel: route.PricingModel,
		UserID:       userCtx.UserID,
		RequestID:    requestID,
		Cancel:       entry,
		Biller:       h.Ledger,
		Logger:       h.Logger,
		OnKeepAlive: func() {
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		},
	}

	for ev := range handler.Run(ctx, upstreamResp.Body) {
		writeSSE(w, ev)
		flusher.Flush()
	}
}

// writeSSE renders one canonical event in the wire format §6 defines.
func writeSSE(w http.ResponseWriter, ev events.Event) {
	name := ev.SSEEventName()
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (h *ChatHandler) writeError(w http.ResponseWriter, err *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gatewayerr.HTTPStatus(err.Kind))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    err.Kind,
			"message": err.Message,
			"hint":    err.Hint,
		},
	})
}
