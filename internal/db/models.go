package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// JobStatus is the job state machine's current state.
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusQueued      JobStatus = "queued"
	JobStatusAcked       JobStatus = "acknowledged_by_worker"
	JobStatusPreparing   JobStatus = "preparing"
	JobStatusRunning     JobStatus = "running"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusCompletedByTag   JobStatus = "completed_by_tag"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCanceled         JobStatus = "canceled"
)

// IsTerminal reports whether status is one of the job state machine's
// terminal states. Retrying a job always creates a new job row rather than
// transitioning a terminal one backwards.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedByTag, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// ApiType distinguishes an LLM-backed job from a local filesystem job
// (the latter never touches pricing or the billing ledger).
type ApiType string

const (
	ApiTypeLLM        ApiType = "llm"
	ApiTypeFilesystem ApiType = "filesystem"
)

// TaskType is the closed set of background job kinds the gateway runs.
type TaskType string

const (
	TaskTypeRegexSynthesis   TaskType = "regex_synthesis"
	TaskTypeFileRelevance    TaskType = "file_relevance"
	TaskTypePathDiscovery    TaskType = "path_discovery"
	TaskTypePlanGeneration   TaskType = "plan_generation"
	TaskTypeChatCompletion   TaskType = "chat_completion"
	TaskTypeSummarization    TaskType = "summarization"
	TaskTypeCodeGeneration   TaskType = "code_generation"
	TaskTypeCodeReview       TaskType = "code_review"
	TaskTypeTestGeneration   TaskType = "test_generation"
	TaskTypeCommitMessage    TaskType = "commit_message"
	TaskTypeDiffExplanation  TaskType = "diff_explanation"
	TaskTypeFileSearch       TaskType = "file_search"
	TaskTypeDirectoryListing TaskType = "directory_listing"
	TaskTypeFileRead         TaskType = "file_read"
	TaskTypeFileWrite        TaskType = "file_write"
)

// Job represents a single background workflow-stage execution tracked by the
// gateway: a regex synthesis run, a file relevance filter pass, a path
// discovery sweep, or a plan generation step.
type Job struct {
	ID           uuid.UUID  `db:"id"`
	WorkflowID   string     `db:"workflow_id"` // the DAG run this job belongs to
	WorkflowStage string    `db:"workflow_stage"` // the DAG stage name this job executes
	UserID       *uuid.UUID `db:"user_id"`
	SessionID    string     `db:"session_id"`
	RequestID    string     `db:"request_id"` // correlates with the billing ledger and request tracker
	Kind         string     `db:"kind"`        // e.g. "regex_synthesis", "file_relevance", "path_discovery", "plan_generation"
	ApiType      ApiType    `db:"api_type"`
	TaskType     TaskType   `db:"task_type"`
	Status       JobStatus  `db:"status"`
	RetryOfJobID *uuid.UUID `db:"retry_of_job_id"` // set when this job supersedes a failed one

	Input    JSONB  `db:"input"`
	Result   JSONB  `db:"result"`
	Response string `db:"response"` // accumulated streaming response text; append-only while the job is live

	// StreamState accumulates reconnect-safe stream progress: last sequence
	// number delivered, partial content buffer, provider response id.
	StreamState JSONB `db:"stream_state"`

	ErrorMessage *string `db:"error_message"`

	Temperature     *float64 `db:"temperature"`
	MaxOutputTokens *int     `db:"max_output_tokens"`

	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	CachedTokens     int    `db:"cached_tokens"`
	TotalTokens      int    `db:"total_tokens"`
	TotalCostUSD     string `db:"total_cost_usd"` // decimal string, exact arithmetic lives in pricing

	Visible bool `db:"visible"` // surfaced to the desktop UI job list
	Cleared bool `db:"cleared"` // dismissed by the user, hidden but retained

	Metadata    JSONB      `db:"metadata"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// JobFilter provides filtering options for job queries.
type JobFilter struct {
	UserID     *uuid.UUID
	SessionID  *string
	WorkflowID *string
	Status     *JobStatus
	Limit      int
	Offset     int
}

// SessionArchive represents a periodic snapshot of an authoritative
// in-process session, written back once the session's debounced flush
// cycle fires or on graceful shutdown.
type SessionArchive struct {
	ID        uuid.UUID  `db:"id"`
	SessionID string     `db:"session_id"`
	UserID    *uuid.UUID `db:"user_id"`

	SnapshotData JSONB `db:"snapshot_data"`
	Revision     int64 `db:"revision"`

	SessionStartedAt time.Time  `db:"session_started_at"`
	SnapshotTakenAt  time.Time  `db:"snapshot_taken_at"`
	TTLExpiresAt     *time.Time `db:"ttl_expires_at"`
}
