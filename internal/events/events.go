// Package events defines the canonical streaming event model: the single
// on-wire shape every provider's raw chunks are normalized into before
// reaching a caller. No provider-specific field ever leaks past this
// package's boundary.
package events

// Event is the closed variant set a stream emits, in order, to a caller.
// Exactly one of the terminal fields (Completed, Cancelled, Error) is set
// on the event that ends a stream; all others are nil.
type Event struct {
	Started   *StreamStarted   `json:"-"`
	Chunk     *ContentChunk    `json:"-"`
	Usage     *UsageUpdate     `json:"-"`
	Cancelled *StreamCancelled `json:"-"`
	Error     *ErrorDetails    `json:"-"`
	Completed *StreamCompleted `json:"-"`
}

// StreamStarted is always the first event of a stream.
type StreamStarted struct {
	RequestID string `json:"request_id"`
}

// Delta carries the incremental content of one choice. Content is always
// text the caller can append verbatim; finish_reason is deliberately
// omitted — termination is signaled only by StreamCompleted.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Choice is one indexed delta within a ContentChunk.
type Choice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

// ContentChunk is a normalized piece of assistant output.
type ContentChunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// UsageUpdate carries the most recently observed usage; the most recent
// extraction always wins (extraction is idempotent).
type UsageUpdate struct {
	TokensIn       int      `json:"tokens_in"`
	TokensOut      int      `json:"tokens_out"`
	CacheRead      int      `json:"cache_read"`
	CacheWrite     int      `json:"cache_write"`
	EstimatedCost  *string  `json:"estimated_cost,omitempty"`
}

// StreamCancelled ends a stream with no billing finalization.
type StreamCancelled struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// ErrorDetails ends a stream on a StreamError.
type ErrorDetails struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// StreamCompleted is the sole success terminal event, carrying the final
// authoritative usage and cost used to finalize the billing reservation.
type StreamCompleted struct {
	RequestID  string `json:"request_id"`
	FinalCost  string `json:"final_cost"`
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
	CacheRead  int    `json:"cache_read"`
	CacheWrite int    `json:"cache_write"`
}

func Started(requestID string) Event { return Event{Started: &StreamStarted{RequestID: requestID}} }

func Chunk(c ContentChunk) Event { return Event{Chunk: &c} }

func Usage(u UsageUpdate) Event { return Event{Usage: &u} }

func Cancelled(requestID, reason string) Event {
	return Event{Cancelled: &StreamCancelled{RequestID: requestID, Reason: reason}}
}

func Err(requestID, message string) Event {
	return Event{Error: &ErrorDetails{RequestID: requestID, Error: message}}
}

func Completed(c StreamCompleted) Event { return Event{Completed: &c} }

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Completed != nil || e.Cancelled != nil || e.Error != nil
}

// SSEEventName returns the `event:` field name used on the wire (§6); the
// zero value "" means a default (unnamed) SSE event carrying a ContentChunk.
func (e Event) SSEEventName() string {
	switch {
	case e.Started != nil:
		return "stream_started"
	case e.Usage != nil:
		return "usage_update"
	case e.Cancelled != nil:
		return "stream_cancelled"
	case e.Error != nil:
		return "error_details"
	case e.Completed != nil:
		return "stream_completed"
	default:
		return ""
	}
}

// Payload returns the struct to be JSON-marshaled as the SSE `data:` field.
func (e Event) Payload() interface{} {
	switch {
	case e.Started != nil:
		return e.Started
	case e.Chunk != nil:
		return e.Chunk
	case e.Usage != nil:
		return e.Usage
	case e.Cancelled != nil:
		return e.Cancelled
	case e.Error != nil:
		return e.Error
	case e.Completed != nil:
		return e.Completed
	default:
		return nil
	}
}
