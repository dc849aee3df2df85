// Package api provides the HTTP control surface and the WebSocket observer
// endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentmoor/moor/internal/host"
	"github.com/agentmoor/moor/internal/hub"
	"github.com/agentmoor/moor/internal/persist"
)

// Handler provides common handler utilities.
type Handler struct {
	host          *host.Host
	store         persist.Store
	hub           *hub.Hub
	allowedOrigin string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(h *host.Host, store persist.Store, wsHub *hub.Hub, allowedOrigin string) *Handler {
	return &Handler{
		host:          h,
		store:         store,
		hub:           wsHub,
		allowedOrigin: allowedOrigin,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/load", h.LoadSession)
				r.Post("/unload", h.UnloadSession)
				r.Post("/query", h.Query)
				r.Post("/sync", h.Sync)
				r.Put("/options", h.UpdateOptions)
				r.Post("/environment/terminate", h.TerminateEnvironment)
				r.Get("/ws", h.Observe)
			})
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) isDevelopment() bool {
	return h.allowedOrigin == "" ||
		strings.Contains(h.allowedOrigin, "localhost") ||
		strings.Contains(h.allowedOrigin, "127.0.0.1")
}

// Health reports storage connectivity and loaded session count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions_loaded": len(h.host.ListLoaded()),
	})
}
