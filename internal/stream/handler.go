// Package stream implements the stream handler (§4.D): the component that
// owns one provider transformer, the request's billing lifecycle, and its
// cancellation token, and turns raw upstream SSE bytes into the canonical
// event sequence §8 requires:
//
//	StreamStarted ContentChunk* UsageUpdate* (StreamCompleted | StreamCancelled | ErrorDetails)
//
// Upstream is read by a separate goroutine that hands SSE events to the
// handler over a one-slot channel, and the output channel buffers up to 8
// events — the same idiom the teacher's SSE proxy streamer uses for its
// line-reader goroutine. Upstream reads are therefore not paced one per
// downstream receive: they run ahead of the consumer by those buffers.
package stream

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/events"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
	"github.com/crestline-ai/llmgateway/internal/ledger"
	"github.com/crestline-ai/llmgateway/internal/pricing"
	"github.com/crestline-ai/llmgateway/internal/providers"
	"github.com/crestline-ai/llmgateway/internal/sse"
	"github.com/crestline-ai/llmgateway/internal/tracker"
)

// keepAliveInterval is the poll period for the idle-activity check (§4.D.3).
const keepAliveInterval = 15 * time.Second

// keepAliveIdleThreshold is how long the upstream must have been silent
// before the handler asks the transport to emit a protocol-level keep-alive.
const keepAliveIdleThreshold = 10 * time.Second

// Biller is the subset of the billing ledger (§4.F) the handler needs to
// finalize a reservation once authoritative usage is known.
type Biller interface {
	FinalizeApiCharge(ctx context.Context, userID uuid.UUID, requestID string, actualCost decimal.Decimal, usageMetadata map[string]interface{}) (*ledger.Transaction, error)
}

// Handler drives one upstream SSE byte stream through a provider
// transformer and billing finalization, emitting canonical events.
type Handler struct {
	Transformer  providers.Transformer
	PricingModel string // key into the pricing table; may differ from the model id stamped on chunks
	UserID       uuid.UUID
	RequestID    string
	Cancel       *tracker.Entry // optional; nil means the stream cannot be cancelled cooperatively
	Biller       Biller
	Logger       *zap.Logger

	// OnKeepAlive is invoked (outside the canonical event stream, per
	// §4.D.3) when the transport should write a protocol-level keep-alive
	// comment because the upstream has been silent past the threshold.
	// May be nil.
	OnKeepAlive func()
}

type rawFrame struct {
	data []byte
	err  error
}

// Run drives upstream to completion, returning a channel of canonical
// events closed after exactly one terminal event. The first value sent is
// always StreamStarted (§4.D.1).
func (h *Handler) Run(ctx context.Context, upstream io.Reader) <-chan events.Event {
	out := make(chan events.Event, 8)
	go h.run(ctx, upstream, out)
	return out
}

func (h *Handler) run(ctx context.Context, upstream io.Reader, out chan<- events.Event) {
	defer close(out)
	out <- events.Started(h.RequestID)

	rawCh := make(chan rawFrame, 1)
	reader := sse.NewReader(upstream)
	go func() {
		defer close(rawCh)
		for {
			ev, err := reader.Next()
			if err != nil {
				select {
				case rawCh <- rawFrame{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case rawCh <- rawFrame{data: []byte(ev.Data)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var lastUsage providers.Usage
	var sawUsage bool
	lastActivity := time.Now()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var cancelDone <-chan struct{}
	if h.Cancel != nil {
		cancelDone = h.Cancel.Done()
	}

	for {
		select {
		case <-ctx.Done():
			h.emitCancelled(out, "context canceled")
			return

		case <-cancelDone:
			_, reason := h.Cancel.Cancelled()
			h.emitCancelled(out, reason)
			return

		case <-keepAlive.C:
			if time.Since(lastActivity) >= keepAliveIdleThreshold && h.OnKeepAlive != nil {
				h.OnKeepAlive()
			}

		case frame, ok := <-rawCh:
			if !ok {
				// Reader goroutine exited without sending; treat as EOF.
				h.finishOnDone(ctx, out, lastUsage, sawUsage)
				return
			}
			lastActivity = time.Now()

			if frame.err != nil {
				if frame.err == io.EOF {
					h.finishOnDone(ctx, out, lastUsage, sawUsage)
					return
				}
				h.emitError(out, gatewayerr.Network(frame.err, "stream: upstream read failed"))
				return
			}

			if err := h.Transformer.HandleErrorChunk(frame.data); err != nil {
				h.emitError(out, err)
				return
			}

			if u, ok := h.Transformer.ExtractUsageFromChunk(frame.data); ok {
				lastUsage = *u
				sawUsage = true
				out <- events.Usage(usageUpdate(lastUsage, nil))
			}

			result, err := h.Transformer.TransformChunk(frame.data)
			if err != nil {
				h.emitError(out, err)
				return
			}
			switch result.Kind {
			case providers.ResultTransformed:
				out <- events.Chunk(result.Chunk)
			case providers.ResultDone:
				h.finishOnDone(ctx, out, lastUsage, sawUsage)
				return
			case providers.ResultIgnore:
				// no-op: chunk carried no forwardable content
			}
		}
	}
}

func usageUpdate(u providers.Usage, cost *string) events.UsageUpdate {
	return events.UsageUpdate{
		TokensIn:      u.PromptTokens,
		TokensOut:     u.CompletionTokens,
		CacheRead:     u.CacheReadTokens,
		CacheWrite:    u.CacheWriteTokens,
		EstimatedCost: cost,
	}
}

// finishOnDone implements §4.D.5: on transformer Done or provider EOF, emit
// exactly one StreamCompleted carrying the last observed usage (zero if
// none), after computing final cost and spawning a detached finalize call.
// Finalize failure is logged but never reaches the caller.
func (h *Handler) finishOnDone(ctx context.Context, out chan<- events.Event, usage providers.Usage, sawUsage bool) {
	pricingUsage := pricing.Usage{
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		CacheReadTokens:  int64(usage.CacheReadTokens),
		CacheWriteTokens: int64(usage.CacheWriteTokens),
	}
	cost, err := pricing.Compute(h.PricingModel, pricingUsage)
	if err != nil {
		h.Logger.Error("stream: cost computation failed, finalizing with zero cost",
			zap.String("request_id", h.RequestID), zap.Error(err))
		cost = decimal.Zero
	}

	// Detached finalize: the ledger write happens on its own context so a
	// client disconnect never aborts billing, but failures never surface
	// to the stream's caller (§4.D.5, §7 billing error propagation).
	go func() {
		finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := h.Biller.FinalizeApiCharge(finalizeCtx, h.UserID, h.RequestID, cost, usage.Metadata()); err != nil {
			h.Logger.Error("stream: finalize failed, reservation left for expiry reaper",
				zap.String("request_id", h.RequestID), zap.Error(err))
		}
	}()

	_ = sawUsage // zero usage is a valid, billable outcome (§4.D.5)
	out <- events.Completed(events.StreamCompleted{
		RequestID:  h.RequestID,
		FinalCost:  cost.String(),
		TokensIn:   usage.PromptTokens,
		TokensOut:  usage.CompletionTokens,
		CacheRead:  usage.CacheReadTokens,
		CacheWrite: usage.CacheWriteTokens,
	})
}

// emitCancelled implements §4.D.4: no billing finalization fires on
// cancellation; the reservation is left for the expiry reaper (§4.F).
func (h *Handler) emitCancelled(out chan<- events.Event, reason string) {
	out <- events.Cancelled(h.RequestID, reason)
}

// emitError implements §4.D.6: any StreamError ends the stream with
// ErrorDetails; the reservation is likewise left to expire.
func (h *Handler) emitError(out chan<- events.Event, err error) {
	h.Logger.Warn("stream: terminating on error",
		zap.String("request_id", h.RequestID), zap.Error(err))
	out <- events.Err(h.RequestID, err.Error())
}
