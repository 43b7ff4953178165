package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind distinguishes the three notifications the cache emits (§4.J).
type EventKind string

const (
	EventSessionUpdated EventKind = "session-updated"
	EventFilesUpdated   EventKind = "files-updated"
	EventFieldValidated EventKind = "field-validated"
)

// Event is one cache-level notification. ContentHash/ContentLength are
// populated only for EventFieldValidated.
type Event struct {
	Kind          EventKind
	SessionID     string
	Revision      int64
	ContentHash   string
	ContentLength int
}

// Repository hydrates a session from and persists it to durable storage
// (Postgres, via db.SessionArchive snapshots in the concrete
// implementation). The cache is the source of truth while a session is
// warm; the repository only sees point-in-time snapshots on flush.
type Repository interface {
	Hydrate(ctx context.Context, sessionID string) (*Session, error)
	Persist(ctx context.Context, s *Session, revision int64) error
}

// CachedSession is one map entry: the session plus the cache-level dirty
// bookkeeping (§4.J) that a Session itself does not need to carry once
// persisted.
type CachedSession struct {
	Session        *Session
	DirtyFields    bool
	DirtyFiles     bool
	LastModifiedMs int64
	LastFlushedMs  int64
	Revision       int64
}

func (c *CachedSession) dirty() bool {
	return c.DirtyFields || c.DirtyFiles
}

// Cache is the process-wide `session_id -> CachedSession` map (§4.J),
// guarded by a single readers-writers lock per §5's shared-resource rule.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*CachedSession
	repo    Repository
	logger  *zap.Logger

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewCache returns an empty Cache backed by repo.
func NewCache(repo Repository, logger *zap.Logger) *Cache {
	return &Cache{
		entries:     make(map[string]*CachedSession),
		repo:        repo,
		logger:      logger,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of cache events; cancel releases it.
func (c *Cache) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
	}
}

func (c *Cache) publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// GetSession implements §4.J get_session: returns a snapshot, hydrating
// from the repository on a cache miss and inserting with dirty flags
// false.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	c.mu.RLock()
	entry, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if ok {
		return entry.Session.clone(), nil
	}

	s, err := c.repo.Hydrate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[sessionID]; ok {
		// Lost the race to another hydration; the winner's copy is
		// authoritative.
		return existing.Session.clone(), nil
	}
	c.entries[sessionID] = &CachedSession{
		Session:        s,
		LastModifiedMs: s.LastModifiedAt.UnixMilli(),
		Revision:       s.Revision,
	}
	return s.clone(), nil
}

// UpsertSession implements §4.J upsert_session: diffs updated against
// the cached copy, marks dirty_fields on any scalar change and
// dirty_files on any file-set change, bumps the revision, and emits
// session-updated.
func (c *Cache) UpsertSession(ctx context.Context, updated *Session) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[updated.ID]
	if !ok {
		cp := updated.clone()
		cp.Revision++
		cp.LastModifiedAt = time.Now()
		entry = &CachedSession{
			Session:        cp,
			DirtyFields:    true,
			DirtyFiles:     true,
			LastModifiedMs: cp.LastModifiedAt.UnixMilli(),
			Revision:       cp.Revision,
		}
		c.entries[updated.ID] = entry
		c.publish(Event{Kind: EventSessionUpdated, SessionID: updated.ID, Revision: entry.Revision})
		return entry.Session.clone(), nil
	}

	cur := entry.Session
	scalarChanged := cur.DisplayName != updated.DisplayName ||
		cur.ProjectDirectory != updated.ProjectDirectory ||
		cur.TaskDescription != updated.TaskDescription ||
		cur.MergeInstructions != updated.MergeInstructions
	filesChanged := !setEqual(cur.IncludedFiles, updated.IncludedFiles) ||
		!setEqual(cur.ExcludedFiles, updated.ExcludedFiles)

	if !scalarChanged && !filesChanged {
		return cur.clone(), nil
	}

	cp := updated.clone()
	cp.Revision = cur.Revision + 1
	cp.LastModifiedAt = time.Now()
	cp.DirtyFields = entry.DirtyFields || scalarChanged
	cp.DirtyFiles = entry.DirtyFiles || filesChanged
	entry.Session = cp
	entry.DirtyFields = cp.DirtyFields
	entry.DirtyFiles = cp.DirtyFiles
	entry.LastModifiedMs = cp.LastModifiedAt.UnixMilli()
	entry.Revision = cp.Revision

	c.publish(Event{Kind: EventSessionUpdated, SessionID: updated.ID, Revision: entry.Revision})
	return cp.clone(), nil
}

// UpdateTaskDescriptionCanonical implements §4.J
// update_task_description_canonical: idempotent short-circuit on
// identical content, otherwise sets task_description, marks
// dirty_fields, and emits session-updated plus field-validated carrying
// the new content's SHA-256 and byte length.
func (c *Cache) UpdateTaskDescriptionCanonical(ctx context.Context, sessionID, content string) error {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.GetSession(ctx, sessionID); err != nil {
			return err
		}
		c.mu.Lock()
		entry = c.entries[sessionID]
		c.mu.Unlock()
	}

	c.mu.Lock()
	if entry.Session.TaskDescription == content {
		c.mu.Unlock()
		return nil
	}
	cp := entry.Session.clone()
	cp.TaskDescription = content
	cp.Revision++
	cp.LastModifiedAt = time.Now()
	entry.Session = cp
	entry.DirtyFields = true
	entry.LastModifiedMs = cp.LastModifiedAt.UnixMilli()
	entry.Revision = cp.Revision
	c.mu.Unlock()

	c.publish(Event{Kind: EventSessionUpdated, SessionID: sessionID, Revision: entry.Revision})
	sum := sha256.Sum256([]byte(content))
	c.publish(Event{
		Kind:          EventFieldValidated,
		SessionID:     sessionID,
		Revision:      entry.Revision,
		ContentHash:   hex.EncodeToString(sum[:]),
		ContentLength: len(content),
	})
	return nil
}

// UpdateFilesDelta implements §4.J update_files_delta: enforces the
// included/excluded disjointness invariant by applying every removal
// before any addition, and never lets a path land in both sets.
func (c *Cache) UpdateFilesDelta(ctx context.Context, sessionID string, addIncluded, removeIncluded, addExcluded, removeExcluded []string) error {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.GetSession(ctx, sessionID); err != nil {
			return err
		}
		c.mu.Lock()
		entry = c.entries[sessionID]
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := entry.Session.clone()

	for _, p := range removeIncluded {
		delete(cp.IncludedFiles, p)
	}
	for _, p := range removeExcluded {
		delete(cp.ExcludedFiles, p)
	}
	for _, p := range addIncluded {
		delete(cp.ExcludedFiles, p)
		cp.IncludedFiles[p] = struct{}{}
	}
	for _, p := range addExcluded {
		delete(cp.IncludedFiles, p)
		cp.ExcludedFiles[p] = struct{}{}
	}

	cp.Revision = entry.Revision + 1
	cp.LastModifiedAt = time.Now()
	entry.Session = cp
	entry.DirtyFiles = true
	entry.LastModifiedMs = cp.LastModifiedAt.UnixMilli()
	entry.Revision = cp.Revision

	c.publish(Event{Kind: EventFilesUpdated, SessionID: sessionID, Revision: entry.Revision})
	return nil
}

// MergeIncludedRespectingExclusions implements §4.J
// merge_included_respecting_exclusions: only adds files absent from the
// excluded set, returns exactly the files it added, and marks dirty only
// when that list is non-empty.
func (c *Cache) MergeIncludedRespectingExclusions(ctx context.Context, sessionID string, files []string) ([]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
		c.mu.Lock()
		entry = c.entries[sessionID]
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := entry.Session.clone()

	var added []string
	for _, f := range files {
		if _, excluded := cp.ExcludedFiles[f]; excluded {
			continue
		}
		if _, present := cp.IncludedFiles[f]; present {
			continue
		}
		cp.IncludedFiles[f] = struct{}{}
		added = append(added, f)
	}
	if len(added) == 0 {
		return nil, nil
	}

	cp.Revision = entry.Revision + 1
	cp.LastModifiedAt = time.Now()
	entry.Session = cp
	entry.DirtyFiles = true
	entry.LastModifiedMs = cp.LastModifiedAt.UnixMilli()
	entry.Revision = cp.Revision

	c.publish(Event{Kind: EventFilesUpdated, SessionID: sessionID, Revision: entry.Revision})
	return added, nil
}

// StartFlushLoop runs the debounced write-back task (§4.J flush cycle)
// until ctx is cancelled: every interval, every dirty entry is snapshotted
// (including its revision), persisted through the repository, and its
// dirty flags are cleared only if the revision has not advanced between
// the snapshot and the clear — any edit racing the flush re-marks dirty
// and survives to the next cycle.
func (c *Cache) StartFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx)
		}
	}
}

func (c *Cache) flushOnce(ctx context.Context) {
	type pending struct {
		id       string
		snapshot *Session
		revision int64
	}

	c.mu.RLock()
	var due []pending
	for id, entry := range c.entries {
		if entry.dirty() {
			due = append(due, pending{id: id, snapshot: entry.Session.clone(), revision: entry.Revision})
		}
	}
	c.mu.RUnlock()

	for _, p := range due {
		if err := c.repo.Persist(ctx, p.snapshot, p.revision); err != nil {
			c.logger.Error("session: flush failed, leaving dirty for retry",
				zap.String("session_id", p.id), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if entry, ok := c.entries[p.id]; ok && entry.Revision == p.revision {
			entry.DirtyFields = false
			entry.DirtyFiles = false
			entry.LastFlushedMs = time.Now().UnixMilli()
			entry.Session.LastFlushedAt = time.Now()
		}
		c.mu.Unlock()
	}
}

// Flush forces one immediate flush cycle, used on graceful shutdown.
func (c *Cache) Flush(ctx context.Context) {
	c.flushOnce(ctx)
}
