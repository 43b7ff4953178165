package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/db"
)

// sqlRepository persists session snapshots to Postgres as append-only
// SessionArchive rows (§3 SessionArchive), the same write-back shape the
// teacher uses for its workflow state snapshots. Hydrate reads the most
// recent archive row for a session id; Persist always inserts a new row
// rather than updating in place, so history of a session's state is
// retained for debugging lost-write races.
type sqlRepository struct {
	client *db.Client
	logger *zap.Logger
}

// NewRepository returns a Repository backed by client.
func NewRepository(client *db.Client, logger *zap.Logger) Repository {
	return &sqlRepository{client: client, logger: logger}
}

type snapshotPayload struct {
	DisplayName       string   `json:"display_name"`
	ProjectDirectory  string   `json:"project_directory"`
	ProjectHash       string   `json:"project_hash"`
	TaskDescription   string   `json:"task_description"`
	MergeInstructions string   `json:"merge_instructions"`
	IncludedFiles     []string `json:"included_files"`
	ExcludedFiles     []string `json:"excluded_files"`
}

func toPayload(s *Session) snapshotPayload {
	p := snapshotPayload{
		DisplayName:       s.DisplayName,
		ProjectDirectory:  s.ProjectDirectory,
		ProjectHash:       s.ProjectHash,
		TaskDescription:   s.TaskDescription,
		MergeInstructions: s.MergeInstructions,
	}
	for f := range s.IncludedFiles {
		p.IncludedFiles = append(p.IncludedFiles, f)
	}
	for f := range s.ExcludedFiles {
		p.ExcludedFiles = append(p.ExcludedFiles, f)
	}
	return p
}

func fromPayload(sessionID string, revision int64, p snapshotPayload, startedAt time.Time) *Session {
	s := &Session{
		ID:                sessionID,
		DisplayName:       p.DisplayName,
		ProjectDirectory:  p.ProjectDirectory,
		ProjectHash:       p.ProjectHash,
		TaskDescription:   p.TaskDescription,
		MergeInstructions: p.MergeInstructions,
		IncludedFiles:     fileSet(p.IncludedFiles),
		ExcludedFiles:     fileSet(p.ExcludedFiles),
		Revision:          revision,
		LastModifiedAt:    startedAt,
		LastFlushedAt:     startedAt,
	}
	return s
}

// Hydrate implements Repository.Hydrate: loads the latest archive row for
// sessionID, or returns ErrSessionNotFound if none exists.
func (r *sqlRepository) Hydrate(ctx context.Context, sessionID string) (*Session, error) {
	row := r.client.GetDB().QueryRowContext(ctx, `
		SELECT snapshot_data, revision, session_started_at
		FROM session_archives
		WHERE session_id = $1
		ORDER BY snapshot_taken_at DESC
		LIMIT 1`, sessionID)

	var raw []byte
	var revision int64
	var startedAt time.Time
	if err := row.Scan(&raw, &revision, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var p snapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return fromPayload(sessionID, revision, p, startedAt), nil
}

// Persist implements Repository.Persist: inserts a new archive row
// carrying revision, the caller's authority on whether this snapshot is
// still current (§4.J flush cycle's revision-guarded clear happens in
// the cache, not here).
func (r *sqlRepository) Persist(ctx context.Context, s *Session, revision int64) error {
	raw, err := json.Marshal(toPayload(s))
	if err != nil {
		return err
	}
	var snapshot db.JSONB
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return err
	}

	_, err = r.client.GetDB().ExecContext(ctx, `
		INSERT INTO session_archives (id, session_id, snapshot_data, revision, session_started_at, snapshot_taken_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), s.ID, snapshot, revision, s.LastModifiedAt)
	return err
}
