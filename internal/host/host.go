// Package host owns the session lifecycle: it assembles the environment,
// bus, reducer and listeners of each session, and is the only component
// allowed to create, load or unload sessions.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/broadcast"
	"github.com/agentmoor/moor/internal/bus"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/environment"
	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/persist"
	"github.com/agentmoor/moor/internal/profile"
	"github.com/agentmoor/moor/internal/sandbox"
	"github.com/agentmoor/moor/internal/transcript"
)

// Transport is the observer fan-out surface the host needs: broadcast plus
// room teardown on unload. The websocket hub implements it.
type Transport interface {
	broadcast.Transport
	CloseRoom(room string)
}

// CreateParams describes a new session.
type CreateParams struct {
	// SessionID is optional; a fresh id is generated when empty.
	SessionID string
	// ProfileRef selects the agent profile, e.g. "claude@latest".
	ProfileRef string
	// Files seeds the workspace, keyed by workspace-relative path.
	Files map[string][]byte
	// Options are opaque session options passed through to persistence and
	// observers.
	Options map[string]any
}

// Host manages all loaded sessions.
type Host struct {
	adapters  *adapter.Registry
	profiles  *profile.Registry
	provider  sandbox.Provider
	store     persist.Store
	transport Transport
	dataDir   string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a host with no loaded sessions.
func New(adapters *adapter.Registry, profiles *profile.Registry, provider sandbox.Provider, store persist.Store, transport Transport, dataDir string) *Host {
	return &Host{
		adapters:  adapters,
		profiles:  profiles,
		provider:  provider,
		store:     store,
		transport: transport,
		dataDir:   dataDir,
		sessions:  make(map[string]*Session),
	}
}

// CreateSession validates the profile, persists the session record and
// brings up a fresh environment. The session is loaded on return.
func (h *Host) CreateSession(ctx context.Context, params CreateParams) (*Session, error) {
	prof, err := h.profiles.Resolve(params.ProfileRef)
	if err != nil {
		return nil, err
	}
	if !h.adapters.Known(prof.Architecture) {
		return nil, fmt.Errorf("profile %s names unregistered architecture %q", prof.Name, prof.Architecture)
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	h.mu.Lock()
	if _, exists := h.sessions[sessionID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s already loaded", sessionID)
	}
	h.mu.Unlock()

	now := time.Now().UTC()
	if err := h.store.UpdateSessionRecord(ctx, &persist.SessionRecord{
		SessionID:    sessionID,
		Architecture: prof.Architecture,
		ProfileRef:   params.ProfileRef,
		Options:      params.Options,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	return h.assemble(ctx, sessionID, params.ProfileRef, prof, params.Files, nil, conversation.NewState(), params.Options)
}

// LoadSession restores a persisted session: conversation state is rebuilt by
// replaying the stored transcript through the architecture's adapter, the
// workspace is rematerialized and a fresh environment is prepared.
func (h *Host) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	h.mu.RLock()
	if existing, ok := h.sessions[sessionID]; ok {
		h.mu.RUnlock()
		return existing, nil
	}
	h.mu.RUnlock()

	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	prof, err := h.profiles.Resolve(rec.ProfileRef)
	if err != nil {
		return nil, err
	}

	rows, err := h.store.GetTranscripts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcripts: %w", err)
	}
	bundle := bundleFromRows(rows)

	state := conversation.NewState()
	if bundle != nil {
		state, err = transcript.Parse(h.adapters, rec.Architecture, *bundle)
		if err != nil {
			return nil, fmt.Errorf("replay transcript: %w", err)
		}
	}

	stored, err := h.store.GetWorkspaceFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load workspace files: %w", err)
	}
	files := make(map[string][]byte, len(stored))
	for _, f := range stored {
		files[f.Path] = f.Content
	}

	return h.assemble(ctx, sessionID, rec.ProfileRef, prof, files, bundle, state, rec.Options)
}

func bundleFromRows(rows []persist.TranscriptRow) *transcript.Bundle {
	if len(rows) == 0 {
		return nil
	}
	var bundle transcript.Bundle
	for _, row := range rows {
		if row.ConversationID == event.MainConversationID {
			bundle.Main = row.Transcript
			continue
		}
		bundle.Subagents = append(bundle.Subagents, transcript.SubagentTranscript{
			ID:         row.ConversationID,
			Transcript: row.Transcript,
		})
	}
	return &bundle
}

// assemble wires one session together and prepares its environment. The bus
// subscription order fixes listener ordering: reducer first, then
// persistence, then broadcast.
func (h *Host) assemble(ctx context.Context, sessionID, profileRef string, prof profile.Profile, files map[string][]byte, restored *transcript.Bundle, state conversation.State, options map[string]any) (*Session, error) {
	converter, err := h.adapters.New(prof.Architecture)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	s := &Session{
		ID:           sessionID,
		Architecture: prof.Architecture,
		ProfileRef:   profileRef,
		bus:          b,
		state:        state,
		options:      options,
		lastActive:   time.Now(),
	}

	s.env = environment.New(sessionID, h.provider, converter, h.dataDir, b.Publish)

	b.On(s.applyEvent)
	s.persister = persist.NewListener(sessionID, h.store, s.env)
	s.persister.Attach(b)
	s.forwarder = broadcast.NewListener(sessionID, h.transport)
	s.forwarder.Attach(b)

	if err := s.env.PrepareSession(ctx, prof, files, restored, options); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := s.env.WatchSessionTranscriptChanges(b.Publish); err != nil {
		slog.Warn("Transcript watch unavailable", "session_id", sessionID, "error", err)
	}
	if err := s.env.WatchWorkspaceFiles(b.Publish); err != nil {
		slog.Warn("Workspace watch unavailable", "session_id", sessionID, "error", err)
	}

	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()

	slog.Info("Session loaded", "session_id", sessionID, "architecture", prof.Architecture, "profile", prof.Name)
	return s, nil
}

// GetSession returns the loaded session, or nil.
func (h *Host) GetSession(sessionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// ListLoaded returns the ids of all loaded sessions, sorted.
func (h *Host) ListLoaded() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// UpdateSessionOptions replaces the session's options. The change flows
// through the bus so persistence and observers see it like any other event.
func (h *Host) UpdateSessionOptions(ctx context.Context, sessionID string, options map[string]any) error {
	s := h.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not loaded", sessionID)
	}

	s.mu.Lock()
	s.options = options
	s.mu.Unlock()

	s.bus.Publish(event.New(event.TypeOptionsUpdate,
		event.OptionsUpdatePayload{Options: options},
		event.Context{
			ConversationID: event.MainConversationID,
			Source:         "host",
			Timestamp:      time.Now().UTC(),
		}))
	return nil
}

// SyncSessionState flushes the full transcript and workspace to storage.
func (h *Host) SyncSessionState(ctx context.Context, sessionID string) error {
	s := h.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not loaded", sessionID)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.persister.SyncFullState(ctx); err != nil {
		return fmt.Errorf("sync session %s: %w", sessionID, err)
	}
	return h.store.UpdateSessionRecord(ctx, &persist.SessionRecord{
		SessionID:    sessionID,
		Architecture: s.Architecture,
		ProfileRef:   s.ProfileRef,
	})
}

// TerminateEnvironment tears down the sandbox but keeps the session loaded;
// observers stay attached and see the lifecycle events.
func (h *Host) TerminateEnvironment(ctx context.Context, sessionID string) error {
	s := h.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not loaded", sessionID)
	}

	// Canceling before taking opMu unblocks an in-flight RunQuery, which
	// holds opMu for the whole turn.
	s.CancelQuery()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.env.Cleanup(ctx)
}

// UnloadSession syncs state to storage, tears the environment down and
// removes the session from the host. Observers are disconnected last.
func (h *Host) UnloadSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	// Canceling before taking opMu unblocks an in-flight RunQuery, which
	// holds opMu for the whole turn.
	s.CancelQuery()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var syncErr error
	if syncErr = s.persister.SyncFullState(ctx); syncErr != nil {
		slog.Error("Final state sync failed", "session_id", sessionID, "error", syncErr)
	}

	cleanupErr := s.env.Cleanup(ctx)

	s.persister.Detach()
	s.forwarder.Detach()
	s.bus.Destroy()
	h.transport.CloseRoom(sessionID)

	slog.Info("Session unloaded", "session_id", sessionID)
	if syncErr != nil {
		return fmt.Errorf("unload session %s: %w", sessionID, syncErr)
	}
	if cleanupErr != nil {
		return fmt.Errorf("unload session %s: %w", sessionID, cleanupErr)
	}
	return nil
}

// DeleteSession unloads the session if loaded and removes every trace of it
// from storage.
func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	if err := h.UnloadSession(ctx, sessionID); err != nil {
		slog.Warn("Unload before delete failed", "session_id", sessionID, "error", err)
	}
	if err := h.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Shutdown unloads every session concurrently.
func (h *Host) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range h.ListLoaded() {
		g.Go(func() error {
			return h.UnloadSession(ctx, id)
		})
	}
	return g.Wait()
}
