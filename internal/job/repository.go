// Package job implements the job repository (§4.H): persistence for
// BackgroundJob records, with atomic stream-state writes and a granular
// event fanout to interested subscribers, grounded in the teacher's
// sqlx + lib/pq persistence layer (internal/db) and its Redis Streams
// subscriber-channel idiom (internal/streaming.Manager).
package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/circuitbreaker"
	"github.com/crestline-ai/llmgateway/internal/db"
)

// ErrJobNotFound is returned when a job id has no matching row.
var ErrJobNotFound = errors.New("job: not found")

// UsageUpdate carries the optional usage/cost columns a stream-state write
// may also update in the same transaction (§4.H update_job_stream_state).
type UsageUpdate struct {
	TokensSent       *int
	TokensReceived   *int
	CacheWriteTokens *int
	CacheReadTokens  *int
	ActualCostUSD    *string
}

// EventKind is the closed set of granular events emitted after a
// stream-state write commits (§4.H step 5). Each fires only when its
// corresponding value actually changed.
type EventKind string

const (
	EventResponseAppended EventKind = "response_appended"
	EventStreamProgress   EventKind = "stream_progress"
	EventTokensUpdated    EventKind = "tokens_updated"
	EventCostUpdated      EventKind = "cost_updated"
)

// Event is one granular job update, delivered to subscribers of JobID.
type Event struct {
	JobID uuid.UUID
	Kind  EventKind
	Job   *db.Job
}

// Repository persists db.Job rows and fans out granular update events.
// Concurrency: the only case where multiple streams target the same job
// id is the merged-plan workflow stage (§4.H); every write locks its row
// within a single transaction so concurrent writers serialize there.
type Repository struct {
	client *db.Client

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan Event]struct{}
	logger      *zap.Logger
}

// New returns a job Repository backed by client.
func New(client *db.Client, logger *zap.Logger) *Repository {
	return &Repository{
		client:      client,
		subscribers: make(map[uuid.UUID]map[chan Event]struct{}),
		logger:      logger,
	}
}

// Create inserts a new job row in the `created` state (§4.5).
func (r *Repository) Create(ctx context.Context, j *db.Job) (*db.Job, error) {
	j.ID = uuid.New()
	j.Status = db.JobStatusCreated
	if j.Metadata == nil {
		j.Metadata = db.JSONB{}
	}
	if j.Input == nil {
		j.Input = db.JSONB{}
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := r.client.GetDB().ExecContext(ctx, `
		INSERT INTO jobs
			(id, workflow_id, workflow_stage, user_id, session_id, request_id, kind,
			 api_type, task_type, status, retry_of_job_id, input, metadata,
			 temperature, max_output_tokens, visible, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, j.ID, j.WorkflowID, j.WorkflowStage, j.UserID, j.SessionID, j.RequestID, j.Kind,
		j.ApiType, j.TaskType, j.Status, j.RetryOfJobID, j.Input, j.Metadata,
		j.Temperature, j.MaxOutputTokens, true, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("job: insert: %w", err)
	}
	j.Visible = true
	return j, nil
}

// Get loads a job by id.
func (r *Repository) Get(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	sqlxDB := sqlx.NewDb(r.client.GetDB(), "postgres")
	var j db.Job
	err := sqlxDB.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: get: %w", err)
	}
	return &j, nil
}

// UpdateStatus transitions a job's status, stamping started_at/completed_at
// as appropriate to the job state machine (§4.5). A job in a terminal
// status cannot transition again; retries create a fresh job (see Retry
// in the workflow package) rather than resetting a terminal row.
func (r *Repository) UpdateStatus(ctx context.Context, jobID uuid.UUID, status db.JobStatus, errMsg *string) error {
	return r.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var cur db.JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return err
		}
		if cur.IsTerminal() {
			return fmt.Errorf("job: %s already terminal (%s), cannot transition to %s", jobID, cur, status)
		}

		now := time.Now()
		var startedAt, completedAt interface{}
		if status == db.JobStatusRunning && cur != db.JobStatusRunning {
			startedAt = now
		}
		if status.IsTerminal() {
			completedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = $2, error_message = $3, updated_at = $4,
				started_at = COALESCE(started_at, $5), completed_at = COALESCE($6, completed_at)
			WHERE id = $1
		`, jobID, status, errMsg, now, startedAt, completedAt)
		return err
	})
}

// UpdateJobStreamState implements §4.H update_job_stream_state: within one
// transaction it locks the row, merges `taskData` into the existing
// metadata JSON, and issues a single dynamic UPDATE covering response,
// metadata, updated_at, and any provided usage columns. It then emits
// granular events for every value that actually changed.
func (r *Repository) UpdateJobStreamState(
	ctx context.Context,
	jobID uuid.UUID,
	accumulatedResponse string,
	usage *UsageUpdate,
	streamProgress *float64,
) error {
	var changed []EventKind
	var afterJob db.Job

	err := r.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var prevResponse sql.NullString
		var metaRaw []byte
		var prevPrompt sql.NullInt64
		var prevCost sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(response, ''), COALESCE(metadata, '{}'), prompt_tokens, total_cost_usd FROM jobs WHERE id = $1 FOR UPDATE`,
			jobID,
		).Scan(&prevResponse, &metaRaw, &prevPrompt, &prevCost); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return err
		}

		metaJSON := string(metaRaw)
		if !gjson.Valid(metaJSON) {
			metaJSON = "{}"
		}
		if !gjson.Get(metaJSON, "taskData").IsObject() {
			metaJSON, _ = sjson.Set(metaJSON, "taskData", map[string]interface{}{})
		}
		metaJSON, _ = sjson.Set(metaJSON, "taskData.responseLength", len(accumulatedResponse))
		metaJSON, _ = sjson.Set(metaJSON, "taskData.lastStreamUpdateTime", time.Now().Format(time.RFC3339Nano))
		if streamProgress != nil {
			if prev := gjson.Get(metaJSON, "taskData.streamProgress"); !prev.Exists() || prev.Float() != *streamProgress {
				changed = append(changed, EventStreamProgress)
			}
			metaJSON, _ = sjson.Set(metaJSON, "taskData.streamProgress", *streamProgress)
		}
		if usage != nil {
			if usage.TokensReceived != nil {
				metaJSON, _ = sjson.Set(metaJSON, "taskData.tokensReceived", *usage.TokensReceived)
			}
			if usage.TokensSent != nil {
				metaJSON, _ = sjson.Set(metaJSON, "taskData.tokensTotal", *usage.TokensSent)
			}
			if usage.ActualCostUSD != nil {
				metaJSON, _ = sjson.Set(metaJSON, "taskData.estimatedCost", *usage.ActualCostUSD)
			}
		}

		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("job: re-marshal metadata: %w", err)
		}

		if prevResponse.String != accumulatedResponse {
			changed = append(changed, EventResponseAppended)
		}

		setCols := []string{"response = $2", "metadata = $3", "updated_at = $4"}
		args := []interface{}{jobID, accumulatedResponse, db.JSONB(meta), time.Now()}
		argn := 5
		if usage != nil {
			if usage.TokensSent != nil {
				setCols = append(setCols, fmt.Sprintf("prompt_tokens = $%d", argn))
				args = append(args, *usage.TokensSent)
				argn++
				if !prevPrompt.Valid || prevPrompt.Int64 != int64(*usage.TokensSent) {
					changed = append(changed, EventTokensUpdated)
				}
			}
			if usage.TokensReceived != nil {
				setCols = append(setCols, fmt.Sprintf("completion_tokens = $%d", argn))
				args = append(args, *usage.TokensReceived)
				argn++
			}
			if usage.CacheWriteTokens != nil || usage.CacheReadTokens != nil {
				write, read := 0, 0
				if usage.CacheWriteTokens != nil {
					write = *usage.CacheWriteTokens
				}
				if usage.CacheReadTokens != nil {
					read = *usage.CacheReadTokens
				}
				setCols = append(setCols, fmt.Sprintf("cached_tokens = $%d", argn))
				args = append(args, write+read)
				argn++
			}
			if usage.ActualCostUSD != nil {
				setCols = append(setCols, fmt.Sprintf("total_cost_usd = $%d", argn))
				args = append(args, *usage.ActualCostUSD)
				argn++
				if !prevCost.Valid || prevCost.String != *usage.ActualCostUSD {
					changed = append(changed, EventCostUpdated)
				}
			}
		}

		query := "UPDATE jobs SET "
		for i, c := range setCols {
			if i > 0 {
				query += ", "
			}
			query += c
		}
		query += " WHERE id = $1"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("job: update stream state: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(changed) > 0 {
		j, err := r.Get(ctx, jobID)
		if err == nil {
			afterJob = *j
			r.publish(jobID, changed, &afterJob)
		}
	}
	return nil
}

// UpdateJobStreamUsage implements §4.H update_job_stream_usage: an atomic
// single-row UPDATE of tokens and cost, emitting tokens_updated and
// cost_updated.
func (r *Repository) UpdateJobStreamUsage(ctx context.Context, jobID uuid.UUID, usage UsageUpdate) error {
	err := r.client.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		setCols := []string{"updated_at = $2"}
		args := []interface{}{jobID, time.Now()}
		argn := 3
		if usage.TokensSent != nil {
			setCols = append(setCols, fmt.Sprintf("prompt_tokens = $%d", argn))
			args = append(args, *usage.TokensSent)
			argn++
		}
		if usage.TokensReceived != nil {
			setCols = append(setCols, fmt.Sprintf("completion_tokens = $%d", argn))
			args = append(args, *usage.TokensReceived)
			argn++
		}
		if usage.ActualCostUSD != nil {
			setCols = append(setCols, fmt.Sprintf("total_cost_usd = $%d", argn))
			args = append(args, *usage.ActualCostUSD)
			argn++
		}
		query := "UPDATE jobs SET "
		for i, c := range setCols {
			if i > 0 {
				query += ", "
			}
			query += c
		}
		query += " WHERE id = $1"
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("job: update stream usage: %w", err)
	}

	j, err := r.Get(ctx, jobID)
	if err == nil {
		r.publish(jobID, []EventKind{EventTokensUpdated, EventCostUpdated}, j)
	}
	return nil
}

// Subscribe returns a channel of Events for jobID. Callers must call the
// returned cancel func to unsubscribe and release the channel.
func (r *Repository) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.mu.Lock()
	if r.subscribers[jobID] == nil {
		r.subscribers[jobID] = make(map[chan Event]struct{})
	}
	r.subscribers[jobID][ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if subs, ok := r.subscribers[jobID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(r.subscribers, jobID)
			}
		}
		close(ch)
	}
	return ch, cancel
}

func (r *Repository) publish(jobID uuid.UUID, kinds []EventKind, j *db.Job) {
	r.mu.RLock()
	subs := r.subscribers[jobID]
	r.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	for _, kind := range kinds {
		ev := Event{JobID: jobID, Kind: kind, Job: j}
		for ch := range subs {
			select {
			case ch <- ev:
			default:
				r.logger.Warn("job: subscriber channel full, dropping event",
					zap.String("job_id", jobID.String()), zap.String("kind", string(kind)))
			}
		}
	}
}

// List returns jobs matching filter, most-recently-updated first.
func (r *Repository) List(ctx context.Context, filter db.JobFilter) ([]db.Job, error) {
	sqlxDB := sqlx.NewDb(r.client.GetDB(), "postgres")
	query := `SELECT * FROM jobs WHERE 1=1`
	var args []interface{}
	argn := 1
	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argn)
		args = append(args, *filter.UserID)
		argn++
	}
	if filter.SessionID != nil {
		query += fmt.Sprintf(" AND session_id = $%d", argn)
		args = append(args, *filter.SessionID)
		argn++
	}
	if filter.WorkflowID != nil {
		query += fmt.Sprintf(" AND workflow_id = $%d", argn)
		args = append(args, *filter.WorkflowID)
		argn++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, *filter.Status)
		argn++
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	var jobs []db.Job
	if err := sqlxDB.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return jobs, nil
}
