package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/db"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
	"github.com/crestline-ai/llmgateway/internal/job"
	"github.com/crestline-ai/llmgateway/internal/tracker"
	"github.com/crestline-ai/llmgateway/internal/workflow"
)

// StageRunner executes one stage job's actual work and returns its
// accumulated response. Per-task request construction and the LLM/
// filesystem call itself are an out-of-scope collaborator (spec §1: "per-
// provider request/response shape translation below the chunk level...
// treated as opaque"); DefaultStageRunner is a no-op stand-in a real
// deployment replaces with a dispatcher into the chat-completion pipeline
// keyed by TaskType.
type StageRunner func(ctx context.Context, j *db.Job) (string, error)

// DefaultStageRunner completes a stage job immediately with an empty
// response. It exists so the orchestrator's DAG scheduling, retry, and
// cancellation logic are fully exercised without requiring a live
// upstream provider call for every stage of every workflow definition.
func DefaultStageRunner(ctx context.Context, j *db.Job) (string, error) {
	return "", nil
}

// filesystemTaskTypes are the db.TaskTypes that never touch pricing or
// the billing ledger (§3 BackgroundJob api_type invariant).
var filesystemTaskTypes = map[db.TaskType]bool{
	db.TaskTypeFileSearch:       true,
	db.TaskTypeDirectoryListing: true,
	db.TaskTypeFileRead:         true,
	db.TaskTypeFileWrite:        true,
}

// StageExecutor implements workflow.JobCreator (§9: cyclic references
// between workflow and job store are broken by identifier-only
// references) by creating a job.Repository row per stage and running it
// through a pluggable StageRunner, reporting the outcome back to the
// orchestrator by workflow and job id alone.
type StageExecutor struct {
	Jobs         *job.Repository
	Tracker      *tracker.Tracker
	Runner       StageRunner
	Logger       *zap.Logger
	orchestrator *workflow.Orchestrator
}

// SetOrchestrator wires the orchestrator this executor reports stage
// outcomes to. Must be called once, after both are constructed (the
// orchestrator's own constructor requires a JobCreator).
func (e *StageExecutor) SetOrchestrator(o *workflow.Orchestrator) {
	e.orchestrator = o
}

// CreateStageJob implements workflow.JobCreator.
func (e *StageExecutor) CreateStageJob(ctx context.Context, wf *workflow.WorkflowState, stage workflow.StageDefinition) (uuid.UUID, error) {
	apiType := db.ApiTypeLLM
	if filesystemTaskTypes[stage.TaskType] {
		apiType = db.ApiTypeFilesystem
	}
	j := &db.Job{
		WorkflowID:    wf.WorkflowID,
		WorkflowStage: stage.StageName,
		SessionID:     wf.SessionID,
		RequestID:     uuid.New().String(),
		Kind:          string(stage.TaskType),
		ApiType:       apiType,
		TaskType:      stage.TaskType,
		Metadata: db.JSONB{
			"taskDescription": wf.TaskDescription,
		},
	}
	created, err := e.Jobs.Create(ctx, j)
	if err != nil {
		return uuid.Nil, err
	}
	go e.run(created, wf.WorkflowID)
	return created.ID, nil
}

// CancelJob implements workflow.JobCreator.
func (e *StageExecutor) CancelJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	j, err := e.Jobs.Get(ctx, jobID)
	if err != nil {
		if err == job.ErrJobNotFound {
			return nil
		}
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}
	e.Tracker.CancelRequest(j.RequestID, reason)
	return e.Jobs.UpdateStatus(ctx, jobID, db.JobStatusCanceled, &reason)
}

func (e *StageExecutor) run(j *db.Job, workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := e.Jobs.UpdateStatus(ctx, j.ID, db.JobStatusRunning, nil); err != nil {
		e.Logger.Error("stage executor: mark running failed", zap.String("job_id", j.ID.String()), zap.Error(err))
	}

	runner := e.Runner
	if runner == nil {
		runner = DefaultStageRunner
	}
	response, runErr := runner(ctx, j)

	outcome := workflow.OutcomeSuccess
	status := db.JobStatusCompleted
	var errMsg *string
	if runErr != nil {
		outcome = workflow.OutcomeFailure
		status = db.JobStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	} else if err := e.Jobs.UpdateJobStreamState(ctx, j.ID, response, nil, nil); err != nil {
		e.Logger.Error("stage executor: write response failed", zap.String("job_id", j.ID.String()), zap.Error(err))
	}

	if err := e.Jobs.UpdateStatus(ctx, j.ID, status, errMsg); err != nil {
		e.Logger.Error("stage executor: terminal status update failed", zap.String("job_id", j.ID.String()), zap.Error(err))
	}

	if workflowID != "" && e.orchestrator != nil {
		if err := e.orchestrator.OnJobFinished(ctx, workflowID, j.ID, outcome); err != nil {
			e.Logger.Warn("stage executor: orchestrator did not accept outcome",
				zap.String("workflow_id", workflowID), zap.String("job_id", j.ID.String()), zap.Error(err))
		}
	}
}

// WorkflowHandler implements the workflow control actions of §6.
type WorkflowHandler struct {
	Orchestrator *workflow.Orchestrator
	Jobs         *job.Repository
	Executor     *StageExecutor
	Logger       *zap.Logger
}

type startWorkflowRequest struct {
	SessionID        string   `json:"sessionId"`
	TaskDescription  string   `json:"taskDescription"`
	ProjectDirectory string   `json:"projectDirectory"`
	ExcludedPaths    []string `json:"excludedPaths,omitempty"`
	TimeoutMs        *int     `json:"timeoutMs,omitempty"`
}

func (req *startWorkflowRequest) timeout() *time.Duration {
	if req.TimeoutMs == nil {
		return nil
	}
	d := time.Duration(*req.TimeoutMs) * time.Millisecond
	return &d
}

// FindRelevantFiles implements actions.findRelevantFiles (§6).
func (h *WorkflowHandler) FindRelevantFiles(w http.ResponseWriter, r *http.Request) {
	h.startNamedWorkflow(w, r, "find_relevant_files")
}

// DeepResearch implements actions.deepResearch (§6).
func (h *WorkflowHandler) DeepResearch(w http.ResponseWriter, r *http.Request) {
	h.startNamedWorkflow(w, r, "deep_research")
}

func (h *WorkflowHandler) startNamedWorkflow(w http.ResponseWriter, r *http.Request, definition string) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	if req.SessionID == "" || req.ProjectDirectory == "" {
		writeJSONError(w, gatewayerr.Validation("sessionId and projectDirectory are required"))
		return
	}
	workflowID, err := h.Orchestrator.StartWorkflow(r.Context(), definition, req.SessionID,
		req.TaskDescription, req.ProjectDirectory, req.ExcludedPaths, req.timeout())
	if err != nil {
		writeJSONError(w, gatewayerr.Internal(err, "starting workflow"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflowId": workflowID})
}

type createImplementationPlanRequest struct {
	SessionID        string   `json:"sessionId"`
	TaskDescription  string   `json:"taskDescription"`
	ProjectDirectory string   `json:"projectDirectory"`
	RelevantFiles    []string `json:"relevantFiles"`
}

// CreateImplementationPlan implements actions.createImplementationPlan (§6).
func (h *WorkflowHandler) CreateImplementationPlan(w http.ResponseWriter, r *http.Request) {
	var req createImplementationPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, gatewayerr.Validation("sessionId is required"))
		return
	}
	j := &db.Job{
		SessionID: req.SessionID,
		RequestID: uuid.New().String(),
		Kind:      string(db.TaskTypePlanGeneration),
		ApiType:   db.ApiTypeLLM,
		TaskType:  db.TaskTypePlanGeneration,
		Metadata: db.JSONB{
			"taskDescription":  req.TaskDescription,
			"projectDirectory": req.ProjectDirectory,
			"relevantFiles":    req.RelevantFiles,
		},
	}
	created, err := h.Jobs.Create(r.Context(), j)
	if err != nil {
		writeJSONError(w, gatewayerr.Database(err, "creating job"))
		return
	}
	go h.Executor.run(created, "")
	writeJSON(w, http.StatusOK, map[string]string{"jobId": created.ID.String()})
}

type mergePlansRequest struct {
	SessionID         string   `json:"sessionId"`
	SourceJobIDs      []string `json:"sourceJobIds"`
	MergeInstructions string   `json:"mergeInstructions,omitempty"`
}

// MergePlans implements actions.mergePlans (§6). Multiple streams may
// target the same resulting job id only in this case (§4.H concurrency).
func (h *WorkflowHandler) MergePlans(w http.ResponseWriter, r *http.Request) {
	var req mergePlansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	if req.SessionID == "" || len(req.SourceJobIDs) == 0 {
		writeJSONError(w, gatewayerr.Validation("sessionId and sourceJobIds are required"))
		return
	}
	j := &db.Job{
		SessionID: req.SessionID,
		RequestID: uuid.New().String(),
		Kind:      "merged-plan",
		ApiType:   db.ApiTypeLLM,
		TaskType:  db.TaskTypePlanGeneration,
		Metadata: db.JSONB{
			"sourceJobIds":      req.SourceJobIDs,
			"mergeInstructions": req.MergeInstructions,
		},
	}
	created, err := h.Jobs.Create(r.Context(), j)
	if err != nil {
		writeJSONError(w, gatewayerr.Database(err, "creating job"))
		return
	}
	go h.Executor.run(created, "")
	writeJSON(w, http.StatusOK, map[string]string{"jobId": created.ID.String()})
}

// RetryWorkflowStage implements actions.retryWorkflowStage (§6).
func (h *WorkflowHandler) RetryWorkflowStage(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	stageJobID, err := uuid.Parse(r.PathValue("jobId"))
	if err != nil {
		writeJSONError(w, gatewayerr.Validation("invalid job id: %v", err))
		return
	}
	newJobID, err := h.Orchestrator.RetryStage(r.Context(), workflowID, stageJobID)
	if err != nil {
		writeJSONError(w, gatewayerr.Validation("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"newJobId": newJobID.String()})
}

// CancelWorkflowStage implements actions.cancelWorkflowStage (§6). A
// single stage cancellation cascades to the job executor only; the
// workflow itself keeps running other stages.
func (h *WorkflowHandler) CancelWorkflowStage(w http.ResponseWriter, r *http.Request) {
	stageJobID, err := uuid.Parse(r.PathValue("jobId"))
	if err != nil {
		writeJSONError(w, gatewayerr.Validation("invalid job id: %v", err))
		return
	}
	if err := h.Executor.CancelJob(r.Context(), stageJobID, "canceled by user"); err != nil {
		writeJSONError(w, gatewayerr.Internal(err, "canceling stage"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CancelWorkflow cancels every non-terminal job of a running workflow.
func (h *WorkflowHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "canceled by user"
	}
	if err := h.Orchestrator.CancelWorkflow(r.Context(), workflowID, body.Reason); err != nil {
		writeJSONError(w, gatewayerr.Validation("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gatewayerr.HTTPStatus(err.Kind))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    err.Kind,
			"message": err.Message,
			"hint":    err.Hint,
		},
	})
}

// Definitions returns the static workflow DAGs the desktop client can
// start (§6 findRelevantFiles, deepResearch), grounded in spec §1's four
// named workflow stages (regex synthesis, file relevance filtering, path
// discovery, plan generation). find_relevant_files is a linear
// three-stage chain; deep_research has two independent entry stages
// feeding a join.
func Definitions() []*workflow.Definition {
	return []*workflow.Definition{
		{
			Name: "find_relevant_files",
			Stages: []workflow.StageDefinition{
				{StageName: "regex_synthesis", TaskType: db.TaskTypeRegexSynthesis},
				{StageName: "path_discovery", TaskType: db.TaskTypePathDiscovery, Dependencies: []string{"regex_synthesis"}},
				{StageName: "file_relevance", TaskType: db.TaskTypeFileRelevance, Dependencies: []string{"path_discovery"}},
			},
		},
		{
			Name: "deep_research",
			Stages: []workflow.StageDefinition{
				{StageName: "file_search", TaskType: db.TaskTypeFileSearch},
				{StageName: "directory_listing", TaskType: db.TaskTypeDirectoryListing},
				{StageName: "summarize", TaskType: db.TaskTypeSummarization, Dependencies: []string{"file_search", "directory_listing"}},
			},
		},
	}
}
