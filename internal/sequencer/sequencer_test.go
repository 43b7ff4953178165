package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/session"
)

type fakeRepo struct {
	s *session.Session
}

func (f *fakeRepo) Hydrate(ctx context.Context, sessionID string) (*session.Session, error) {
	return f.s, nil
}

func (f *fakeRepo) Persist(ctx context.Context, s *session.Session, revision int64) error {
	return nil
}

func newTestActor(t *testing.T, sessionID string) (*Actor, *session.Cache) {
	t.Helper()
	s := session.New(sessionID, "proj", "/a/b")
	cache := session.NewCache(&fakeRepo{s: s}, zap.NewNop())
	_, err := cache.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return NewActor(sessionID, cache, zap.NewNop()), cache
}

func runActor(t *testing.T, a *Actor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	return cancel
}

func TestThreeWayMergeOursEqualsTheirs(t *testing.T) {
	assert.Equal(t, "same", threeWayMerge("base", "same", "same"))
}

func TestThreeWayMergeRemoteWinsWhenLocalUnchanged(t *testing.T) {
	assert.Equal(t, "remote edit", threeWayMerge("base", "base", "remote edit"))
}

func TestThreeWayMergeLocalWinsWhenRemoteUnchanged(t *testing.T) {
	assert.Equal(t, "local edit", threeWayMerge("base", "local edit", "base"))
}

func TestThreeWayMergeAppliesNonConflictingPatch(t *testing.T) {
	base := "Implement the search feature."
	ours := "Implement the search feature quickly."
	theirs := "Please implement the search feature."
	merged := threeWayMerge(base, ours, theirs)
	assert.NotEqual(t, ours, merged)
	assert.Contains(t, merged, "Please")
}

func TestTaskDescriptionFromDesktopUserCommits(t *testing.T) {
	actor, cache := newTestActor(t, "sess-1")
	cancel := runActor(t, actor)
	defer cancel()

	actor.Send(Message{Kind: KindTaskDescription, Content: "build the thing", Source: SourceDesktopUser})

	require.Eventually(t, func() bool {
		s, err := cache.GetSession(context.Background(), "sess-1")
		return err == nil && s.TaskDescription == "build the thing"
	}, time.Second, 10*time.Millisecond)
}

func TestExternalTaskDescriptionStashedDuringActiveEdit(t *testing.T) {
	actor, cache := newTestActor(t, "sess-2")
	cancel := runActor(t, actor)
	defer cancel()

	actor.Send(Message{Kind: KindStartTaskEdit})
	actor.Send(Message{Kind: KindExternalTaskDescription, Content: "remote update", Source: SourceRemote})

	time.Sleep(250 * time.Millisecond)
	s, err := cache.GetSession(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Empty(t, s.TaskDescription, "remote update must not commit while an edit is active")

	actor.Send(Message{Kind: KindEndTaskEdit})
	require.Eventually(t, func() bool {
		s, err := cache.GetSession(context.Background(), "sess-2")
		return err == nil && s.TaskDescription == "remote update"
	}, time.Second, 10*time.Millisecond)
}

func TestExternalTaskDescriptionCommitsImmediatelyWithoutActiveEdit(t *testing.T) {
	actor, cache := newTestActor(t, "sess-3")
	cancel := runActor(t, actor)
	defer cancel()

	actor.Send(Message{Kind: KindExternalTaskDescription, Content: "remote update", Source: SourceRemote})

	require.Eventually(t, func() bool {
		s, err := cache.GetSession(context.Background(), "sess-3")
		return err == nil && s.TaskDescription == "remote update"
	}, time.Second, 10*time.Millisecond)
}
