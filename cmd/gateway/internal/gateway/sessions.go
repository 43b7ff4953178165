package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
	"github.com/crestline-ai/llmgateway/internal/sequencer"
	"github.com/crestline-ai/llmgateway/internal/session"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9:_\-\.]{1,128}$`)

// ActorRegistry holds one sequencer.Actor per session, starting its
// processing goroutine the first time a session is touched (§4.K: one
// actor per session owning a message channel).
type ActorRegistry struct {
	cache  *session.Cache
	logger *zap.Logger

	mu     sync.Mutex
	actors map[string]*sequencer.Actor
}

// NewActorRegistry returns a registry backed by cache.
func NewActorRegistry(cache *session.Cache, logger *zap.Logger) *ActorRegistry {
	return &ActorRegistry{
		cache:  cache,
		logger: logger,
		actors: make(map[string]*sequencer.Actor),
	}
}

// Get returns the actor for sessionID, creating and starting it on first use.
func (r *ActorRegistry) Get(sessionID string) *sequencer.Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[sessionID]; ok {
		return a
	}
	a := sequencer.NewActor(sessionID, r.cache, r.logger)
	r.actors[sessionID] = a
	go a.Run(context.Background())
	return a
}

// SessionHandler exposes the task-description edit surface the desktop
// editor drives through the sequencer (§4.K).
type SessionHandler struct {
	Actors *ActorRegistry
	Cache  *session.Cache
	Logger *zap.Logger
}

type taskDescriptionEditRequest struct {
	Kind    string `json:"kind"` // start_task_edit, end_task_edit, task_description, external_task_description, merge_instructions
	Content string `json:"content"`
	Source  string `json:"source"` // desktop_user, remote
}

// UpdateTaskDescription implements the sequencer-facing edit endpoint: it
// validates and forwards one message to the session's actor mailbox
// without waiting for it to commit, since the actor coalesces and merges
// asynchronously (§4.K, §5).
func (h *SessionHandler) UpdateTaskDescription(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeJSONError(w, gatewayerr.Validation("sessionId is required"))
		return
	}
	if !sessionIDRe.MatchString(sessionID) {
		writeJSONError(w, gatewayerr.Validation("invalid sessionId"))
		return
	}

	var req taskDescriptionEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}

	kind, ok := sequencerKind(req.Kind)
	if !ok {
		writeJSONError(w, gatewayerr.Validation("unknown kind %q", req.Kind))
		return
	}
	source := sequencer.SourceRemote
	if req.Source == string(sequencer.SourceDesktopUser) {
		source = sequencer.SourceDesktopUser
	}

	h.Actors.Get(sessionID).Send(sequencer.Message{Kind: kind, Content: req.Content, Source: source})
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func sequencerKind(s string) (sequencer.Kind, bool) {
	switch sequencer.Kind(s) {
	case sequencer.KindStartTaskEdit, sequencer.KindEndTaskEdit, sequencer.KindExternalTaskDescription,
		sequencer.KindTaskDescription, sequencer.KindMergeInstructions:
		return sequencer.Kind(s), true
	default:
		return "", false
	}
}
