// Package tracker implements the request tracker (§4.G): a process-wide
// registry of in-flight gateway requests keyed by request id, exposing
// cooperative cancellation. Cancellation never interrupts a goroutine
// directly; it sets a flag and closes the entry's Done channel, which the
// stream handler's select loop checks on every iteration,
// matching the rest of this module's pull-driven suspension model (§5).
package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one tracked request's liveness record.
type Entry struct {
	RequestID string
	UserID    string
	Provider  string
	Streaming bool
	CreatedAt time.Time

	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
}

// newEntry returns an Entry in the live state.
func newEntry(requestID, userID, provider string, streaming bool) *Entry {
	return &Entry{
		RequestID: requestID,
		UserID:    userID,
		Provider:  provider,
		Streaming: streaming,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Cancel marks the entry cancelled with reason, idempotently. Returns false
// if the entry was already cancelled.
func (e *Entry) Cancel(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.cancelled = true
	e.reason = reason
	close(e.done)
	return true
}

// Cancelled reports whether Cancel has fired, and if so, with what reason.
// The stream handler reads the reason from here once Done has fired.
func (e *Entry) Cancelled() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled, e.reason
}

// Done returns a channel closed when the entry is cancelled, for use in a
// select alongside the SSE read and the keep-alive timer.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// isDone reports whether Done's channel has closed, without blocking.
func (e *Entry) isDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Tracker is the process-wide `request_id -> Entry` map (§4.G), guarded by
// a single exclusive lock per the shared-resource rule in §5: never held
// across a suspension point.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// New returns an empty Tracker.
func New(logger *zap.Logger) *Tracker {
	return &Tracker{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// TrackRequest registers requestID as live and returns its Entry. Callers
// must call Untrack when the request ends, successfully or not.
func (t *Tracker) TrackRequest(requestID, userID, provider string, streaming bool) *Entry {
	e := newEntry(requestID, userID, provider, streaming)
	t.mu.Lock()
	t.entries[requestID] = e
	t.mu.Unlock()
	return e
}

// Untrack removes requestID from the live map. It does not cancel it —
// callers that want cancellation-on-removal should call CancelRequest first.
func (t *Tracker) Untrack(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// CancelRequest signals cancellation for requestID, returning false if the
// request is not tracked or was already cancelled.
func (t *Tracker) CancelRequest(requestID, reason string) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	ok = e.Cancel(reason)
	if ok {
		t.logger.Info("tracker: request cancelled",
			zap.String("request_id", requestID), zap.String("reason", reason))
	}
	return ok
}

// IsActive reports whether requestID is currently tracked and not yet
// cancelled.
func (t *Tracker) IsActive(requestID string) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	cancelled, _ := e.Cancelled()
	return !cancelled
}

// Get returns the tracked Entry for requestID, if any.
func (t *Tracker) Get(requestID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	return e, ok
}

// PurgeOlderThan removes every tracked entry created before the cutoff
// (now - age), without touching entries that are still cancellable and
// live. Intended to run on a periodic reaper tick (§5); this only sweeps
// bookkeeping for requests whose stream already ended without Untrack
// having been called (e.g. after a panic-recovered handler) — an entry
// that hasn't been cancelled is assumed still in flight and is left alone
// no matter its age, since deleting it would make a later CancelRequest
// silently no-op against a request that's actually still running.
func (t *Tracker) PurgeOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	t.mu.Lock()
	defer t.mu.Unlock()
	purged := 0
	for id, e := range t.entries {
		if !e.isDone() {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			delete(t.entries, id)
			purged++
		}
	}
	if purged > 0 {
		t.logger.Info("tracker: purged stale entries", zap.Int("count", purged))
	}
	return purged
}

// Len reports the number of currently tracked requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
