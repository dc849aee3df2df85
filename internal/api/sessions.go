package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmoor/moor/internal/environment"
	"github.com/agentmoor/moor/internal/host"
)

// queryTimeout bounds one agent turn end to end.
const queryTimeout = 15 * time.Minute

type createSessionRequest struct {
	SessionID  string            `json:"sessionId,omitempty"`
	ProfileRef string            `json:"agentProfileReference"`
	Files      map[string]string `json:"files,omitempty"`
	Options    map[string]any    `json:"sessionOptions,omitempty"`
}

// CreateSession creates and loads a new session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProfileRef == "" {
		Error(w, http.StatusBadRequest, "agentProfileReference is required")
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for path, content := range req.Files {
		files[path] = []byte(content)
	}

	s, err := h.host.CreateSession(r.Context(), host.CreateParams{
		SessionID:  req.SessionID,
		ProfileRef: req.ProfileRef,
		Files:      files,
		Options:    req.Options,
	})
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusCreated, s.Snapshot())
}

// ListSessions returns every persisted session and whether it is loaded.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListSessions(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	type sessionSummary struct {
		SessionID    string    `json:"sessionId"`
		Architecture string    `json:"architecture"`
		ProfileRef   string    `json:"agentProfileReference"`
		CreatedAt    time.Time `json:"createdAt"`
		UpdatedAt    time.Time `json:"updatedAt"`
		Loaded       bool      `json:"loaded"`
	}

	out := make([]sessionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionSummary{
			SessionID:    rec.SessionID,
			Architecture: rec.Architecture,
			ProfileRef:   rec.ProfileRef,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			Loaded:       h.host.GetSession(rec.SessionID) != nil,
		})
	}
	JSON(w, http.StatusOK, out)
}

// GetSession returns the live snapshot when loaded, the stored record
// otherwise.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s := h.host.GetSession(sessionID); s != nil {
		JSON(w, http.StatusOK, s.Snapshot())
		return
	}

	rec, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// LoadSession restores a persisted session into memory.
func (h *Handler) LoadSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s, err := h.host.LoadSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

// UnloadSession syncs and evicts a loaded session.
func (h *Handler) UnloadSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.host.UnloadSession(r.Context(), sessionID); err != nil {
		slog.Error("Failed to unload session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

// DeleteSession removes a session and its stored state.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.host.DeleteSession(r.Context(), sessionID); err != nil {
		slog.Error("Failed to delete session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type queryRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// Query submits one agent turn. The turn runs in the background; its events
// stream to observers over the WebSocket endpoint.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s := h.host.GetSession(sessionID)
	if s == nil {
		Error(w, http.StatusNotFound, "session not loaded")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		if err := s.RunQuery(ctx, req.Query, environment.QueryOptions{Model: req.Model}); err != nil {
			slog.Error("Query failed", "session_id", sessionID, "error", err)
		}
	}()

	JSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// Sync flushes the session's full state to storage on demand.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.host.SyncSessionState(r.Context(), sessionID); err != nil {
		slog.Error("Failed to sync session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type updateOptionsRequest struct {
	Options map[string]any `json:"sessionOptions"`
}

// UpdateOptions replaces the session's options.
func (h *Handler) UpdateOptions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.host.UpdateSessionOptions(r.Context(), sessionID, req.Options); err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// TerminateEnvironment tears the sandbox down without unloading the session.
func (h *Handler) TerminateEnvironment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.host.TerminateEnvironment(r.Context(), sessionID); err != nil {
		slog.Error("Failed to terminate environment", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}
