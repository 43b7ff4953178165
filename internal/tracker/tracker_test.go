package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCancelRequestSignalsDone(t *testing.T) {
	tr := New(zap.NewNop())
	entry := tr.TrackRequest("req-1", "user-1", "openai-style", true)

	select {
	case <-entry.Done():
		t.Fatal("entry should not be done before cancellation")
	default:
	}

	assert.True(t, tr.CancelRequest("req-1", "client disconnected"))
	select {
	case <-entry.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel did not close after Cancel")
	}

	cancelled, reason := entry.Cancelled()
	assert.True(t, cancelled)
	assert.Equal(t, "client disconnected", reason)
}

func TestCancelRequestIsIdempotent(t *testing.T) {
	tr := New(zap.NewNop())
	tr.TrackRequest("req-1", "user-1", "openai-style", true)

	assert.True(t, tr.CancelRequest("req-1", "first"))
	assert.False(t, tr.CancelRequest("req-1", "second"))

	_, reason := func() (bool, string) {
		e, _ := tr.Get("req-1")
		return e.Cancelled()
	}()
	assert.Equal(t, "first", reason)
}

func TestCancelRequestUnknownReturnsFalse(t *testing.T) {
	tr := New(zap.NewNop())
	assert.False(t, tr.CancelRequest("does-not-exist", "whatever"))
}

func TestIsActiveReflectsCancellation(t *testing.T) {
	tr := New(zap.NewNop())
	tr.TrackRequest("req-1", "user-1", "google", false)
	assert.True(t, tr.IsActive("req-1"))

	tr.CancelRequest("req-1", "timeout")
	assert.False(t, tr.IsActive("req-1"))
}

func TestUntrackRemovesEntryWithoutCancelling(t *testing.T) {
	tr := New(zap.NewNop())
	entry := tr.TrackRequest("req-1", "user-1", "google", false)
	tr.Untrack("req-1")

	_, ok := tr.Get("req-1")
	assert.False(t, ok)
	cancelled, _ := entry.Cancelled()
	assert.False(t, cancelled)
}

func TestPurgeOlderThanRemovesStaleEntriesOnly(t *testing.T) {
	tr := New(zap.NewNop())
	old := tr.TrackRequest("old", "user-1", "google", false)
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.Cancel("finished")
	fresh := tr.TrackRequest("fresh", "user-1", "google", false)
	fresh.Cancel("finished")

	purged := tr.PurgeOlderThan(time.Minute)
	assert.Equal(t, 1, purged)

	_, ok := tr.Get("old")
	assert.False(t, ok)
	_, ok = tr.Get("fresh")
	assert.True(t, ok)
}

func TestLenReflectsTrackedCount(t *testing.T) {
	tr := New(zap.NewNop())
	assert.Equal(t, 0, tr.Len())
	tr.TrackRequest("a", "u", "google", false)
	tr.TrackRequest("b", "u", "google", false)
	assert.Equal(t, 2, tr.Len())
	tr.Untrack("a")
	assert.Equal(t, 1, tr.Len())
}
