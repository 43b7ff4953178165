package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/db"
)

// fakeJobs is an in-memory JobCreator recording every call so tests can
// assert on stage ordering and cascade cancellation.
type fakeJobs struct {
	mu        sync.Mutex
	created   []string // stage names, in call order
	cancelled []uuid.UUID
	idByStage map[string]uuid.UUID
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{idByStage: make(map[string]uuid.UUID)}
}

func (f *fakeJobs) CreateStageJob(ctx context.Context, wf *WorkflowState, stage StageDefinition) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, stage.StageName)
	id := uuid.New()
	f.idByStage[stage.StageName] = id
	return id, nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func linearDefinition() *Definition {
	return &Definition{
		Name: "linear",
		Stages: []StageDefinition{
			{StageName: "discover", TaskType: db.TaskTypePathDiscovery},
			{StageName: "plan", TaskType: db.TaskTypePlanGeneration, Dependencies: []string{"discover"}},
		},
	}
}

func fanInDefinition() *Definition {
	return &Definition{
		Name: "fan-in",
		Stages: []StageDefinition{
			{StageName: "a", TaskType: db.TaskTypeFileRelevance},
			{StageName: "b", TaskType: db.TaskTypeFileRelevance},
			{StageName: "c", TaskType: db.TaskTypePlanGeneration, Dependencies: []string{"a", "b"}},
		},
	}
}

func TestStartWorkflowOnlyStartsEntryStages(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, ok := o.Get(wfID)
	require.True(t, ok)
	require.Len(t, wf.Stages, 1)
	assert.Equal(t, "discover", wf.Stages[0].StageName)
	assert.Equal(t, StatusRunning, wf.Status)
}

func TestOnJobFinishedSuccessSchedulesNextStage(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	discoverJobID := wf.Stages[0].JobID

	require.NoError(t, o.OnJobFinished(context.Background(), wfID, discoverJobID, OutcomeSuccess))

	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 2)
	assert.Equal(t, "plan", wf.Stages[1].StageName)
	assert.Equal(t, StatusRunning, wf.Status)
}

func TestWorkflowCompletesWhenAllStagesFinish(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeSuccess))

	wf, _ = o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[1].JobID, OutcomeSuccess))

	wf, _ = o.Get(wfID)
	assert.Equal(t, StatusCompleted, wf.Status)
	assert.NotNil(t, wf.CompletedAt)
}

func TestFanInStageWaitsForBothDependencies(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(fanInDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "fan-in", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.Len(t, wf.Stages, 2) // both entry stages a, b start together

	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeSuccess))
	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 2, "stage c must not start until both a and b complete")

	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[1].JobID, OutcomeSuccess))
	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 3)
	assert.Equal(t, "c", wf.Stages[2].StageName)
}

func TestOnJobFinishedFailureCascadeCancelsSiblingStages(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(fanInDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "fan-in", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeFailure))

	wf, _ = o.Get(wfID)
	assert.Equal(t, StatusFailed, wf.Status)
	assert.Equal(t, StageStatusFailed, wf.Stages[0].Status)
	assert.Equal(t, StageStatusCanceled, wf.Stages[1].Status)
	assert.Len(t, jobs.cancelled, 1)
}

func TestPauseWorkflowWithholdsNewStagesUntilResume(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	require.NoError(t, o.PauseWorkflow(wfID))
	wf, _ := o.Get(wfID)
	discoverJobID := wf.Stages[0].JobID

	require.NoError(t, o.OnJobFinished(context.Background(), wfID, discoverJobID, OutcomeSuccess))
	wf, _ = o.Get(wfID)
	assert.Len(t, wf.Stages, 1, "no new stage should start while paused")
	assert.Equal(t, StatusPaused, wf.Status)

	require.NoError(t, o.ResumeWorkflow(context.Background(), wfID))
	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 2)
	assert.Equal(t, StatusRunning, wf.Status)
}

func TestCancelWorkflowCancelsAllNonTerminalStages(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(fanInDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "fan-in", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	require.NoError(t, o.CancelWorkflow(context.Background(), wfID, "user requested"))
	wf, _ := o.Get(wfID)
	assert.Equal(t, StatusCanceled, wf.Status)
	assert.Len(t, jobs.cancelled, 2)
}

func TestRetryStageCreatesNewJobForFailedStage(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	originalJobID := wf.Stages[0].JobID
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, originalJobID, OutcomeFailure))

	newJobID, err := o.RetryStage(context.Background(), wfID, originalJobID)
	require.NoError(t, err)
	assert.NotEqual(t, originalJobID, newJobID)

	wf, _ = o.Get(wfID)
	assert.Equal(t, StageStatusRunning, wf.Stages[0].Status)
	assert.Equal(t, newJobID, wf.Stages[0].JobID)
	assert.Equal(t, StatusRunning, wf.Status)
}

func TestMaxConcurrentLimitsSimultaneousStagesWithinAWorkflow(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 1, zap.NewNop())
	o.RegisterDefinition(&Definition{
		Name: "fan-out",
		Stages: []StageDefinition{
			{StageName: "root", TaskType: db.TaskTypePathDiscovery},
			{StageName: "b", TaskType: db.TaskTypeFileRelevance, Dependencies: []string{"root"}},
			{StageName: "c", TaskType: db.TaskTypeFileRelevance, Dependencies: []string{"root"}},
		},
	})

	wfID, err := o.StartWorkflow(context.Background(), "fan-out", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeSuccess))

	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 2, "max_concurrent=1 must only start one of the ready stages b and c")
	assert.Equal(t, "b", wf.Stages[1].StageName)
}

func TestStartWorkflowUnknownDefinitionFails(t *testing.T) {
	o := New(newFakeJobs(), 4, zap.NewNop())
	_, err := o.StartWorkflow(context.Background(), "does-not-exist", "sess-1", "task", "/proj", nil, nil)
	require.Error(t, err)
}

func TestSubscribePublishesWorkflowEvents(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(linearDefinition())

	ch, cancel := o.Subscribe()
	defer cancel()

	wfID, err := o.StartWorkflow(context.Background(), "linear", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeSuccess))

	select {
	case ev := <-ch:
		assert.Equal(t, wfID, ev.WorkflowID)
	default:
		t.Fatal("expected at least one published event")
	}
}

func TestEntryStagesStartInDefinitionOrder(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(fanInDefinition())

	_, err := o.StartWorkflow(context.Background(), "fan-in", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	require.Len(t, jobs.created, 2)
	assert.Equal(t, []string{"a", "b"}, jobs.created)
}

func TestDependsOnJobIDsReferenceDependencyStageJobs(t *testing.T) {
	jobs := newFakeJobs()
	o := New(jobs, 4, zap.NewNop())
	o.RegisterDefinition(fanInDefinition())

	wfID, err := o.StartWorkflow(context.Background(), "fan-in", "sess-1", "task", "/proj", nil, nil)
	require.NoError(t, err)

	wf, _ := o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[0].JobID, OutcomeSuccess))
	wf, _ = o.Get(wfID)
	require.NoError(t, o.OnJobFinished(context.Background(), wfID, wf.Stages[1].JobID, OutcomeSuccess))

	wf, _ = o.Get(wfID)
	require.Len(t, wf.Stages, 3)
	c := wf.Stages[2]
	require.Len(t, c.DependsOnJobIDs, 2)
	assert.Contains(t, c.DependsOnJobIDs, wf.Stages[0].JobID)
	assert.Contains(t, c.DependsOnJobIDs, wf.Stages[1].JobID)
}
