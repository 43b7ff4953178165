package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	AgentID    string    `json:"agent_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Payload    JSONB     `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq,omitempty"`
	StreamID   string    `json:"stream_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaveEventLog inserts a new event_logs row.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, workflow_id, type, agent_id, message, payload, timestamp, seq, stream_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (workflow_id, type, seq) WHERE seq IS NOT NULL DO NOTHING
    `, e.ID, e.WorkflowID, e.Type, nullIfEmpty(e.AgentID), e.Message, e.Payload, e.Timestamp, e.Seq, nullIfEmpty(e.StreamID), e.CreatedAt)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// EventLogsSince returns every event_logs row for workflowID with seq >
// afterSeq, ordered by seq. streaming.Manager.ReplaySince (internal/streaming/manager.go)
// falls back to this when Redis is not configured, the stream cannot be
// read, or it holds no entries (for example after its key expired), so a
// client reconnecting long after a workflow finished can still recover its
// event history. Entries trimmed by the stream's length cap while newer
// ones remain are not recovered from here.
func (c *Client) EventLogsSince(ctx context.Context, workflowID string, afterSeq uint64) ([]EventLog, error) {
	rows, err := c.db.QueryContext(ctx, `
        SELECT id, workflow_id, type, agent_id, message, payload, timestamp, seq, stream_id, created_at
        FROM event_logs
        WHERE workflow_id = $1 AND seq > $2
        ORDER BY seq ASC
    `, workflowID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var e EventLog
		var agentID, streamID *string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Type, &agentID, &e.Message, &e.Payload, &e.Timestamp, &e.Seq, &streamID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if agentID != nil {
			e.AgentID = *agentID
		}
		if streamID != nil {
			e.StreamID = *streamID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
