// Package sequencer implements the task update sequencer (§4.K): one
// actor per session, owning a message channel, that guarantees a single
// writer order for task-description edits arriving from the desktop
// editor and from remote (background-job) sources at the same time.
package sequencer

import (
	"context"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/session"
)

// Source distinguishes who produced a TaskDescription/ExternalTaskDescription.
type Source string

const (
	SourceDesktopUser Source = "desktop_user"
	SourceRemote      Source = "remote"
)

// Kind is the tag of a sequencer Message.
type Kind string

const (
	KindStartTaskEdit          Kind = "start_task_edit"
	KindEndTaskEdit            Kind = "end_task_edit"
	KindExternalTaskDescription Kind = "external_task_description"
	KindTaskDescription        Kind = "task_description"
	KindMergeInstructions      Kind = "merge_instructions"
)

// Message is one actor mailbox entry (§4.K).
type Message struct {
	Kind    Kind
	Content string
	Source  Source
}

const (
	// EditTTL bounds how long an unrefreshed StartTaskEdit keeps the
	// editor treated as actively typing before a stale edit session is
	// forced closed.
	EditTTL = 5000 * time.Millisecond
	// UserActivityWindow is the user-activity window length. The merge
	// does not consult it: the latest desktop-user content is used as
	// "ours" however long ago it arrived.
	UserActivityWindow = 1200 * time.Millisecond
	coalesceWait        = 150 * time.Millisecond
	mailboxBuffer        = 64
)

// Actor is the per-session task-update sequencer.
type Actor struct {
	sessionID string
	cache     *session.Cache
	logger    *zap.Logger
	in        chan Message

	pendingMergeInstructions string
	editActive               bool
	lastEditHeartbeat        time.Time
	pendingRemoteTaskDesc    *string
	lastCommittedTask        string
	lastUserActivityTs       time.Time
	lastUserContent          string
}

// NewActor returns an Actor for sessionID. Call Run in its own goroutine
// to start processing; Send enqueues a message without blocking the
// caller on actor processing.
func NewActor(sessionID string, cache *session.Cache, logger *zap.Logger) *Actor {
	return &Actor{
		sessionID: sessionID,
		cache:     cache,
		logger:    logger,
		in:        make(chan Message, mailboxBuffer),
	}
}

// Send enqueues msg. It blocks only if the mailbox is full, which would
// indicate a stuck actor loop.
func (a *Actor) Send(msg Message) {
	a.in <- msg
}

// Run drives the actor loop until ctx is cancelled (§4.K, §5: suspends on
// its channel recv plus the 150ms coalescing timer).
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.in:
			if !ok {
				return
			}
			a.processBatch(ctx, msg)
		}
	}
}

// processBatch handles msg, then coalesces any further messages arriving
// within 150ms before committing exactly once (§4.K).
func (a *Actor) processBatch(ctx context.Context, first Message) {
	pendingCommit := a.handle(ctx, first)

	timer := time.NewTimer(coalesceWait)
	defer timer.Stop()
drain:
	for {
		select {
		case <-timer.C:
			break drain
		case m2, ok := <-a.in:
			if !ok {
				break drain
			}
			if a.handle(ctx, m2) {
				pendingCommit = true
			}
		case <-ctx.Done():
			return
		}
	}

	if a.editActive && time.Since(a.lastEditHeartbeat) > EditTTL {
		a.handle(ctx, Message{Kind: KindEndTaskEdit})
	}

	if pendingCommit {
		a.mergeAndCommit(ctx, a.lastCommittedTask)
	}
}

// handle applies one message to actor state and reports whether it
// requires a commit at the end of this batch.
func (a *Actor) handle(ctx context.Context, msg Message) bool {
	switch msg.Kind {
	case KindStartTaskEdit:
		a.editActive = true
		a.lastEditHeartbeat = time.Now()
		return false

	case KindEndTaskEdit:
		a.editActive = false
		if a.pendingRemoteTaskDesc != nil {
			theirs := *a.pendingRemoteTaskDesc
			a.pendingRemoteTaskDesc = nil
			a.mergeAndCommit(ctx, theirs)
		}
		return false

	case KindExternalTaskDescription:
		if a.editActive {
			a.pendingRemoteTaskDesc = &msg.Content
		} else {
			a.mergeAndCommit(ctx, msg.Content)
		}
		return false

	case KindTaskDescription:
		if msg.Source == SourceDesktopUser {
			a.lastUserContent = msg.Content
			a.lastUserActivityTs = time.Now()
		}
		return true

	case KindMergeInstructions:
		a.pendingMergeInstructions = msg.Content
		return false

	default:
		return false
	}
}

// mergeAndCommit runs the three-way merge (§4.K) with base =
// last_committed_task, ours = the most recent desktop-user content (or
// base, if the user has not typed anything yet), theirs = the incoming
// value, and commits the result through the session cache, which emits
// the field-validated event carrying the merged content's SHA-256 (§4.J).
func (a *Actor) mergeAndCommit(ctx context.Context, theirs string) {
	base := a.lastCommittedTask
	ours := a.lastUserContent
	if ours == "" {
		ours = base
	}

	merged := threeWayMerge(base, ours, theirs)
	if merged == a.lastCommittedTask {
		return
	}
	a.lastCommittedTask = merged
	if err := a.cache.UpdateTaskDescriptionCanonical(ctx, a.sessionID, merged); err != nil {
		a.logger.Warn("sequencer: commit failed", zap.String("session_id", a.sessionID), zap.Error(err))
	}
}

// threeWayMerge implements the §4.K merge rules. When none of the
// trivial-equality shortcuts apply, it rebases ours' edits (relative to
// base) onto theirs; if any hunk fails to apply cleanly, ours wins
// outright, biasing toward the editor actively typing.
func threeWayMerge(base, ours, theirs string) string {
	if ours == theirs {
		return ours
	}
	if ours == base {
		return theirs
	}
	if theirs == base {
		return ours
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, ours)
	merged, applied := dmp.PatchApply(patches, theirs)
	for _, ok := range applied {
		if !ok {
			return ours
		}
	}
	return merged
}
