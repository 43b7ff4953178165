package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/streaming"
)

// wsUpgrader mirrors the SSE handler's CORS posture: the desktop client
// connects from its own origin (a packaged app, not a browser page served
// by this gateway), so origin checks are left to the auth middleware that
// runs in front of this handler rather than duplicated here.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// WorkflowEventsHandler pushes a workflow's streaming.Event fanout over a
// websocket connection, the desktop client's alternative to polling when it
// wants a persistent duplex connection (e.g. to also send pause/cancel
// intents on the same socket in the future) rather than one SSE connection
// per workflow.
type WorkflowEventsHandler struct {
	Logger *zap.Logger
}

func (h *WorkflowEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	if workflowID == "" {
		http.Error(w, "missing workflowId", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws: upgrade failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	defer conn.Close()

	mgr := streaming.Get()
	ch := mgr.Subscribe(workflowID, 64)
	defer mgr.Unsubscribe(workflowID, ch)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go drainClientFrames(conn)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.Logger.Debug("ws: write failed, closing", zap.String("workflow_id", workflowID), zap.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// drainClientFrames discards inbound frames (control pongs aside) so the
// read deadline keeps advancing; this endpoint is currently push-only.
func drainClientFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
