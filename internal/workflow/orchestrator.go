// Package workflow implements the workflow orchestrator (§4.I): a static
// DAG of stage definitions scheduled at runtime against a process-wide
// map of WorkflowState guarded by a single exclusive lock, held only
// while mutating (§5). Cyclic references between a workflow and the jobs
// it spawns are broken by identifier-only references (§9): this package
// never imports the job executor, only a narrow JobCreator interface.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/db"
)

// Status is a workflow's lifecycle state (§3 WorkflowState).
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// StageStatus is one stage job's progress within a running workflow.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusCanceled  StageStatus = "canceled"
)

// StageDefinition is one DAG node of a WorkflowDefinition: a task type and
// the stage names it depends on.
type StageDefinition struct {
	StageName    string
	TaskType     db.TaskType
	Dependencies []string // stage names within the same definition
}

// Definition is a static DAG: an ordered set of stages. Order matters —
// the scheduler starts ready stages in definition order (§4.I step 5).
type Definition struct {
	Name   string
	Stages []StageDefinition
}

func (d *Definition) entryStages() []StageDefinition {
	var entries []StageDefinition
	for _, s := range d.Stages {
		if len(s.Dependencies) == 0 {
			entries = append(entries, s)
		}
	}
	return entries
}

func (d *Definition) stage(name string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.StageName == name {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// StageJobState is one entry of a running workflow's stage jobs list
// (§3 WorkflowState). DependsOnJobIDs generalizes the spec's singular
// "depends-on job id" to the set of dependency stages' job ids, since a
// stage may join multiple predecessors (§8 scenario 5, stages B and C
// both feeding D) — the invariant "every depends_on references another
// stage job within the same workflow state" holds per entry in this set.
type StageJobState struct {
	StageName      string
	TaskType       db.TaskType
	JobID          uuid.UUID
	DependsOnJobIDs []uuid.UUID
	Status         StageStatus
}

// WorkflowState is the in-memory aggregation of one running workflow
// (§3). It is the orchestrator's unit of locking granularity: callers
// only ever see snapshots copied out from under the map lock.
type WorkflowState struct {
	WorkflowID       string
	DefinitionName   string
	SessionID        string
	TaskDescription  string
	ProjectDirectory string
	ExcludedPaths    []string
	Status           Status
	Stages           []*StageJobState
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	ErrorMessage     *string
	Timeout          *time.Duration
}

func (w *WorkflowState) stageByName(name string) *StageJobState {
	for _, s := range w.Stages {
		if s.StageName == name {
			return s
		}
	}
	return nil
}

func (w *WorkflowState) stageByJobID(id uuid.UUID) *StageJobState {
	for _, s := range w.Stages {
		if s.JobID == id {
			return s
		}
	}
	return nil
}

func (w *WorkflowState) runningCount() int {
	n := 0
	for _, s := range w.Stages {
		if s.Status == StageStatusRunning {
			n++
		}
	}
	return n
}

// JobOutcome reports how a stage's job ended.
type JobOutcome string

const (
	OutcomeSuccess JobOutcome = "success"
	OutcomeFailure JobOutcome = "failure"
)

// JobCreator is the narrow capability the orchestrator needs from the job
// executor: create a job for a stage and return its id. It never learns
// about WorkflowState beyond what this call needs (§9 cyclic-reference
// break: workflows store job ids, jobs store workflow id in metadata,
// neither owns the other).
type JobCreator interface {
	CreateStageJob(ctx context.Context, wf *WorkflowState, stage StageDefinition) (uuid.UUID, error)
	CancelJob(ctx context.Context, jobID uuid.UUID, reason string) error
}

// Event is a workflow-level notification emitted on state transitions.
type Event struct {
	WorkflowID string
	Status     Status
	StageName  string
}

// Orchestrator holds every running WorkflowState and the static
// definitions it can start (§4.I).
type Orchestrator struct {
	mu            sync.Mutex
	workflows     map[string]*WorkflowState
	definitions   map[string]*Definition
	maxConcurrent int
	jobs          JobCreator
	logger        *zap.Logger

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

// New returns an Orchestrator. maxConcurrent bounds how many stage jobs a
// single workflow may have running when the scheduler starts later stages
// (§4.I step 4); the default is 4. Entry stages are all started by
// StartWorkflow regardless of it.
func New(jobs JobCreator, maxConcurrent int, logger *zap.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		workflows:     make(map[string]*WorkflowState),
		definitions:   make(map[string]*Definition),
		maxConcurrent: maxConcurrent,
		jobs:          jobs,
		logger:        logger,
		subscribers:   make(map[chan Event]struct{}),
	}
}

// SetMaxConcurrent updates the per-workflow stage concurrency bound in
// place, letting cmd/gateway/main.go's features.yaml hot-reload handler
// (config.ConfigManager) apply a new config.WorkflowsConfig.ToolExecution.Parallelism
// without restarting the gateway. Values <= 0 are ignored.
func (o *Orchestrator) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.maxConcurrent = n
	o.mu.Unlock()
}

// RegisterDefinition makes a DAG definition available to StartWorkflow.
func (o *Orchestrator) RegisterDefinition(def *Definition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.Name] = def
}

// Subscribe returns a channel of workflow-level events; cancel releases it.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	o.subMu.Lock()
	o.subscribers[ch] = struct{}{}
	o.subMu.Unlock()
	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subscribers[ch]; ok {
			delete(o.subscribers, ch)
			close(ch)
		}
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StartWorkflow implements §4.I start_workflow: locates the definition,
// creates a Running WorkflowState, and — within the same critical section
// — creates a job for every entry stage (those with no dependencies).
func (o *Orchestrator) StartWorkflow(
	ctx context.Context,
	definitionName, sessionID, taskDescription, projectDirectory string,
	excludedPaths []string,
	timeout *time.Duration,
) (string, error) {
	o.mu.Lock()
	def, ok := o.definitions[definitionName]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("workflow: unknown definition %q", definitionName)
	}

	wf := &WorkflowState{
		WorkflowID:       uuid.New().String(),
		DefinitionName:   definitionName,
		SessionID:        sessionID,
		TaskDescription:  taskDescription,
		ProjectDirectory: projectDirectory,
		ExcludedPaths:    excludedPaths,
		Status:           StatusRunning,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
		Timeout:          timeout,
	}
	o.workflows[wf.WorkflowID] = wf

	// Every entry stage (no dependencies) starts unconditionally; maxConcurrent
	// only throttles how many of the *later* stages scheduleNextLocked admits
	// once these finish. Truncating here would silently drop entry stages
	// from wf.Stages with no error or log line.
	for _, stage := range def.entryStages() {
		if err := o.startStageLocked(ctx, wf, stage); err != nil {
			wf.Status = StatusFailed
			msg := err.Error()
			wf.ErrorMessage = &msg
			o.mu.Unlock()
			return wf.WorkflowID, fmt.Errorf("workflow: failed to start entry stage %q: %w", stage.StageName, err)
		}
	}
	o.mu.Unlock()
	return wf.WorkflowID, nil
}

// startStageLocked creates a job for stage and appends its StageJobState.
// Caller must hold o.mu.
func (o *Orchestrator) startStageLocked(ctx context.Context, wf *WorkflowState, stage StageDefinition) error {
	var dependsOn []uuid.UUID
	for _, depName := range stage.Dependencies {
		if dep := wf.stageByName(depName); dep != nil {
			dependsOn = append(dependsOn, dep.JobID)
		}
	}
	jobID, err := o.jobs.CreateStageJob(ctx, wf, stage)
	if err != nil {
		return err
	}
	wf.Stages = append(wf.Stages, &StageJobState{
		StageName:       stage.StageName,
		TaskType:        stage.TaskType,
		JobID:           jobID,
		DependsOnJobIDs: dependsOn,
		Status:          StageStatusRunning,
	})
	wf.UpdatedAt = time.Now()
	return nil
}

// scheduleNextLocked implements the §4.I next-stage scheduling algorithm.
// Caller must hold o.mu.
func (o *Orchestrator) scheduleNextLocked(ctx context.Context, wf *WorkflowState) {
	if wf.Status != StatusRunning {
		return
	}
	def := o.definitions[wf.DefinitionName]
	if def == nil {
		return
	}

	started := make(map[string]bool)
	for _, s := range wf.Stages {
		started[s.StageName] = true
	}

	var ready []StageDefinition
	for _, stage := range def.Stages {
		if started[stage.StageName] {
			continue
		}
		allDepsComplete := true
		for _, depName := range stage.Dependencies {
			dep := wf.stageByName(depName)
			if dep == nil || dep.Status != StageStatusCompleted {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, stage)
		}
	}

	available := o.maxConcurrent - wf.runningCount()
	if available <= 0 {
		return
	}
	for i, stage := range ready {
		if i >= available {
			break
		}
		if err := o.startStageLocked(ctx, wf, stage); err != nil {
			o.logger.Error("workflow: failed to start stage",
				zap.String("workflow_id", wf.WorkflowID), zap.String("stage", stage.StageName), zap.Error(err))
			wf.Status = StatusFailed
			msg := err.Error()
			wf.ErrorMessage = &msg
			o.publish(Event{WorkflowID: wf.WorkflowID, Status: StatusFailed, StageName: stage.StageName})
			return
		}
		o.publish(Event{WorkflowID: wf.WorkflowID, Status: StatusRunning, StageName: stage.StageName})
	}

	if len(ready) == 0 && wf.runningCount() == 0 {
		wf.Status = StatusCompleted
		now := time.Now()
		wf.CompletedAt = &now
		o.publish(Event{WorkflowID: wf.WorkflowID, Status: StatusCompleted})
	}
}

// OnJobFinished implements §4.I: a stage's job reached a terminal state.
// Success marks the stage complete and schedules the next wave; failure
// on a stage marks the whole workflow Failed and cascade-cancels every
// other non-terminal job.
func (o *Orchestrator) OnJobFinished(ctx context.Context, workflowID string, jobID uuid.UUID, outcome JobOutcome) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, ok := o.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	stage := wf.stageByJobID(jobID)
	if stage == nil {
		return fmt.Errorf("workflow: job %s not part of workflow %s", jobID, workflowID)
	}

	switch outcome {
	case OutcomeSuccess:
		stage.Status = StageStatusCompleted
		wf.UpdatedAt = time.Now()
		o.scheduleNextLocked(ctx, wf)
	case OutcomeFailure:
		stage.Status = StageStatusFailed
		wf.Status = StatusFailed
		wf.UpdatedAt = time.Now()
		msg := fmt.Sprintf("stage %q failed", stage.StageName)
		wf.ErrorMessage = &msg
		o.cascadeCancelLocked(ctx, wf, "upstream stage failed")
		o.publish(Event{WorkflowID: workflowID, Status: StatusFailed, StageName: stage.StageName})
	}
	return nil
}

func (o *Orchestrator) cascadeCancelLocked(ctx context.Context, wf *WorkflowState, reason string) {
	for _, s := range wf.Stages {
		if s.Status == StageStatusRunning || s.Status == StageStatusPending {
			if err := o.jobs.CancelJob(ctx, s.JobID, reason); err != nil {
				o.logger.Warn("workflow: cascade cancel failed",
					zap.String("workflow_id", wf.WorkflowID), zap.String("stage", s.StageName), zap.Error(err))
			}
			s.Status = StageStatusCanceled
		}
	}
}

// CancelWorkflow implements §4.I cancel_workflow: cancels every
// non-terminal job of the workflow and marks it Canceled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	o.cascadeCancelLocked(ctx, wf, reason)
	wf.Status = StatusCanceled
	now := time.Now()
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	o.publish(Event{WorkflowID: workflowID, Status: StatusCanceled})
	return nil
}

// PauseWorkflow flips Running -> Paused (§4.I). In-flight jobs keep
// running; only new stage starts are withheld.
func (o *Orchestrator) PauseWorkflow(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	if wf.Status != StatusRunning {
		return fmt.Errorf("workflow: cannot pause workflow in state %s", wf.Status)
	}
	wf.Status = StatusPaused
	wf.UpdatedAt = time.Now()
	return nil
}

// ResumeWorkflow flips Paused -> Running and immediately invokes the
// next-stage scheduler (§4.I).
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	if wf.Status != StatusPaused {
		return fmt.Errorf("workflow: cannot resume workflow in state %s", wf.Status)
	}
	wf.Status = StatusRunning
	wf.UpdatedAt = time.Now()
	o.scheduleNextLocked(ctx, wf)
	return nil
}

// RetryStage implements §4.I retry: resets a Failed stage to a fresh job
// with the same dependency resolution and re-enqueues it. Successor
// stages are left untouched.
func (o *Orchestrator) RetryStage(ctx context.Context, workflowID string, failedStageJobID uuid.UUID) (uuid.UUID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return uuid.Nil, fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	stage := wf.stageByJobID(failedStageJobID)
	if stage == nil {
		return uuid.Nil, fmt.Errorf("workflow: job %s not part of workflow %s", failedStageJobID, workflowID)
	}
	if stage.Status != StageStatusFailed {
		return uuid.Nil, fmt.Errorf("workflow: stage %q is not failed (status %s)", stage.StageName, stage.Status)
	}
	def := o.definitions[wf.DefinitionName]
	stageDef, ok := def.stage(stage.StageName)
	if !ok {
		return uuid.Nil, fmt.Errorf("workflow: definition %q has no stage %q", wf.DefinitionName, stage.StageName)
	}

	newJobID, err := o.jobs.CreateStageJob(ctx, wf, stageDef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("workflow: retry failed: %w", err)
	}
	stage.JobID = newJobID
	stage.Status = StageStatusRunning
	wf.UpdatedAt = time.Now()
	if wf.Status == StatusFailed {
		wf.Status = StatusRunning
		wf.ErrorMessage = nil
	}
	o.publish(Event{WorkflowID: workflowID, Status: wf.Status, StageName: stage.StageName})
	return newJobID, nil
}

// Get returns a copy of the workflow's current stage list and status.
func (o *Orchestrator) Get(workflowID string) (*WorkflowState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, false
	}
	cp := *wf
	cp.Stages = append([]*StageJobState(nil), wf.Stages...)
	return &cp, true
}
