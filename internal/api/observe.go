package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// snapshotMessage is the first frame sent to a new observer. Everything
// after it is a canonical session event, verbatim.
type snapshotMessage struct {
	Type     string `json:"type"`
	Snapshot any    `json:"snapshot"`
}

// Observe upgrades to WebSocket and attaches the caller as a session
// observer: one snapshot frame, then the live event stream.
//
// The observer joins the room before the snapshot is captured, so an event
// may be delivered both queued and folded into the snapshot. Block upserts
// are idempotent; clients apply the snapshot as authoritative and treat any
// earlier frames as already included.
func (h *Handler) Observe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s := h.host.GetSession(sessionID)
	if s == nil {
		Error(w, http.StatusNotFound, "session not loaded")
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDevelopment() {
		opts.OriginPatterns = []string{"*"}
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("Failed to accept WebSocket", "session_id", sessionID, "error", err)
		return
	}

	client := h.hub.Join(sessionID, ws)
	defer h.hub.Leave(sessionID, client)

	snap, err := json.Marshal(snapshotMessage{Type: "snapshot", Snapshot: s.Snapshot()})
	if err != nil {
		slog.Error("Failed to marshal snapshot", "session_id", sessionID, "error", err)
		return
	}
	if !client.Send(snap) {
		return
	}

	slog.Info("Observer attached", "session_id", sessionID, "observers", h.hub.ClientCount(sessionID))

	// Observers are read-only; the read loop only detects disconnect.
	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}
