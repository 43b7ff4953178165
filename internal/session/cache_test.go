package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepository is an in-memory Repository stand-in so cache tests never
// touch a real database.
type fakeRepository struct {
	sessions map[string]*Session
	persisted []struct {
		id       string
		revision int64
	}
	onPersist func()
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{sessions: make(map[string]*Session)}
}

func (f *fakeRepository) Hydrate(ctx context.Context, sessionID string) (*Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (f *fakeRepository) Persist(ctx context.Context, s *Session, revision int64) error {
	f.sessions[s.ID] = s.clone()
	f.persisted = append(f.persisted, struct {
		id       string
		revision int64
	}{s.ID, revision})
	if f.onPersist != nil {
		f.onPersist()
	}
	return nil
}

func TestGetSessionHydratesOnMiss(t *testing.T) {
	repo := newFakeRepository()
	seed := New("sess-1", "My Project", "/home/user/proj")
	repo.sessions["sess-1"] = seed

	cache := NewCache(repo, zap.NewNop())
	got, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "My Project", got.DisplayName)

	// Second call must come from cache, not repo, and not mutate the
	// returned clone.
	got.DisplayName = "mutated locally"
	again, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "My Project", again.DisplayName)
}

func TestGetSessionMissingReturnsNotFound(t *testing.T) {
	cache := NewCache(newFakeRepository(), zap.NewNop())
	_, err := cache.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpsertSessionMarksDirtyFieldsOnScalarChange(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())

	cur, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)

	cur.DisplayName = "Renamed"
	updated, err := cache.UpsertSession(context.Background(), cur)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)

	cache.mu.RLock()
	entry := cache.entries["sess-1"]
	cache.mu.RUnlock()
	assert.True(t, entry.DirtyFields)
	assert.False(t, entry.DirtyFiles)
	assert.Equal(t, int64(1), entry.Revision)
}

func TestUpsertSessionNoopWhenUnchanged(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())

	cur, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	_, err = cache.UpsertSession(context.Background(), cur)
	require.NoError(t, err)

	cache.mu.RLock()
	entry := cache.entries["sess-1"]
	cache.mu.RUnlock()
	assert.False(t, entry.DirtyFields)
	assert.False(t, entry.DirtyFiles)
	assert.Equal(t, int64(0), entry.Revision)
}

func TestUpdateTaskDescriptionCanonicalShortCircuitsOnIdenticalContent(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())
	_, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)

	require.NoError(t, cache.UpdateTaskDescriptionCanonical(context.Background(), "sess-1", "do the thing"))
	cache.mu.RLock()
	firstRevision := cache.entries["sess-1"].Revision
	cache.mu.RUnlock()

	require.NoError(t, cache.UpdateTaskDescriptionCanonical(context.Background(), "sess-1", "do the thing"))
	cache.mu.RLock()
	secondRevision := cache.entries["sess-1"].Revision
	cache.mu.RUnlock()
	assert.Equal(t, firstRevision, secondRevision)
}

func TestUpdateFilesDeltaKeepsSetsDisjoint(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())
	_, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)

	err = cache.UpdateFilesDelta(context.Background(), "sess-1", []string{"a.go"}, nil, nil, nil)
	require.NoError(t, err)

	// Moving a.go to excluded must remove it from included.
	err = cache.UpdateFilesDelta(context.Background(), "sess-1", nil, nil, []string{"a.go"}, nil)
	require.NoError(t, err)

	got, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	_, inIncluded := got.IncludedFiles["a.go"]
	_, inExcluded := got.ExcludedFiles["a.go"]
	assert.False(t, inIncluded)
	assert.True(t, inExcluded)
}

func TestMergeIncludedRespectingExclusionsSkipsExcluded(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())
	_, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)

	require.NoError(t, cache.UpdateFilesDelta(context.Background(), "sess-1", nil, nil, []string{"secret.env"}, nil))

	added, err := cache.MergeIncludedRespectingExclusions(context.Background(), "sess-1", []string{"main.go", "secret.env"})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, added)

	added, err = cache.MergeIncludedRespectingExclusions(context.Background(), "sess-1", []string{"main.go"})
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestFlushLoopClearsDirtyOnlyWhenRevisionUnchanged(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())
	cur, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	cur.DisplayName = "Renamed"
	_, err = cache.UpsertSession(context.Background(), cur)
	require.NoError(t, err)

	cache.flushOnce(context.Background())

	cache.mu.RLock()
	entry := cache.entries["sess-1"]
	cache.mu.RUnlock()
	assert.False(t, entry.DirtyFields)
	assert.Len(t, repo.persisted, 1)
}

func TestFlushLoopRetainsDirtyWhenRevisionAdvancesDuringFlush(t *testing.T) {
	repo := newFakeRepository()
	repo.sessions["sess-1"] = New("sess-1", "Proj", "/a/b")
	cache := NewCache(repo, zap.NewNop())
	cur, err := cache.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	cur.DisplayName = "Renamed"
	_, err = cache.UpsertSession(context.Background(), cur)
	require.NoError(t, err)

	// Simulate a second edit landing between the flush's snapshot and its
	// clear, by bumping the revision from inside Persist, after flushOnce
	// has taken its snapshot and before it clears the dirty flags.
	repo.onPersist = func() {
		cache.mu.Lock()
		cache.entries["sess-1"].Revision++
		cache.mu.Unlock()
	}

	cache.flushOnce(context.Background())

	cache.mu.RLock()
	entry := cache.entries["sess-1"]
	cache.mu.RUnlock()
	assert.True(t, entry.DirtyFields, "a revision bump mid-flush must not clear dirty")
}

func TestStartFlushLoopStopsOnContextCancel(t *testing.T) {
	repo := newFakeRepository()
	cache := NewCache(repo, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.StartFlushLoop(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartFlushLoop did not stop after context cancellation")
	}
}
