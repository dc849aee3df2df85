// Package environment manages one session's execution environment: the
// sandbox lifecycle, query execution as a cancelable event stream, transcript
// and workspace file watching, and health checks. One Environment exists per
// session and owns its sandbox exclusively.
package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/profile"
	"github.com/agentmoor/moor/internal/sandbox"
	"github.com/agentmoor/moor/internal/transcript"
)

// Status is the sandbox lifecycle state. Transitions are monotonic within
// one attempt: inactive -> starting -> ready -> {error|terminated}. Terminal
// states require a fresh PrepareSession (new sandbox id) to recover.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// State is a snapshot of the environment lifecycle, independent of
// conversation content.
type State struct {
	Status          Status    `json:"status"`
	ID              string    `json:"id,omitempty"`
	StatusMessage   string    `json:"statusMessage,omitempty"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
}

// transcriptDirName is the workspace subdirectory holding raw transcripts.
// It is excluded from workspace file events.
const transcriptDirName = ".moor"

const (
	mainTranscriptFile = "transcript.jsonl"
	subagentDirName    = "subagents"
)

// Emitter publishes canonical events produced by the environment outside of
// query streams (lifecycle, watcher notifications).
type Emitter func(event.SessionEvent)

// Environment is one session's execution environment.
type Environment struct {
	sessionID string
	provider  sandbox.Provider
	converter adapter.Converter
	emit      Emitter
	dataDir   string

	mu        sync.Mutex
	state     State
	profile   profile.Profile
	options   map[string]any
	sb        sandbox.Sandbox
	watcher   *watcher
	cleanedUp bool
}

// New creates an environment in the inactive state.
func New(sessionID string, provider sandbox.Provider, converter adapter.Converter, dataDir string, emit Emitter) *Environment {
	if emit == nil {
		emit = func(event.SessionEvent) {}
	}
	return &Environment{
		sessionID: sessionID,
		provider:  provider,
		converter: converter,
		emit:      emit,
		dataDir:   dataDir,
		state:     State{Status: StatusInactive},
	}
}

// State returns a snapshot of the lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Converter exposes the environment's stateful converter. The transcript
// replay path must use a fresh converter, never this one.
func (e *Environment) Converter() adapter.Converter {
	return e.converter
}

func (e *Environment) workspaceDir() string {
	return filepath.Join(e.dataDir, "workspaces", e.sessionID)
}

func (e *Environment) transcriptPath() string {
	return filepath.Join(e.workspaceDir(), transcriptDirName, mainTranscriptFile)
}

func (e *Environment) subagentTranscriptDir() string {
	return filepath.Join(e.workspaceDir(), transcriptDirName, subagentDirName)
}

// PrepareSession materializes the workspace and profile into a new sandbox.
// Call once before the first query of an attempt. A restored transcript is
// written into the workspace so the backend can resume from it. A spawn
// failure surfaces as an ee:error event plus an error state; the returned
// error reports the same failure to the caller.
func (e *Environment) PrepareSession(ctx context.Context, prof profile.Profile, files map[string][]byte, restored *transcript.Bundle, options map[string]any) error {
	e.mu.Lock()
	if e.state.Status == StatusStarting || e.state.Status == StatusReady {
		e.mu.Unlock()
		return fmt.Errorf("environment for session %s already prepared (status %s)", e.sessionID, e.state.Status)
	}
	e.profile = prof
	e.options = options
	e.cleanedUp = false
	e.state = State{Status: StatusStarting}
	e.mu.Unlock()

	e.emit(e.lifecycleEvent(event.TypeEnvCreating, event.EnvStatusPayload{Message: "creating sandbox"}))

	if err := e.materializeWorkspace(files, restored); err != nil {
		return e.failf("prepare workspace: %w", err)
	}

	sb, err := e.provider.Create(ctx, sandbox.Spec{
		SessionID:    e.sessionID,
		Image:        prof.Image,
		WorkspaceDir: e.workspaceDir(),
		Env:          prof.Env,
	})
	if err != nil {
		return e.failf("spawn sandbox: %w", err)
	}

	e.mu.Lock()
	e.sb = sb
	e.state = State{Status: StatusReady, ID: sb.ID()}
	e.mu.Unlock()

	e.emit(e.lifecycleEvent(event.TypeEnvReady, event.EnvStatusPayload{EnvironmentID: sb.ID()}))
	slog.Info("Environment ready", "session_id", e.sessionID, "sandbox_id", sb.ID())
	return nil
}

func (e *Environment) materializeWorkspace(files map[string][]byte, restored *transcript.Bundle) error {
	dir := e.workspaceDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	for path, content := range files {
		full, err := e.resolveWorkspacePath(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return fmt.Errorf("write workspace file %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(e.subagentTranscriptDir(), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	if restored != nil {
		if err := os.WriteFile(e.transcriptPath(), []byte(restored.Main), 0o644); err != nil {
			return fmt.Errorf("restore transcript: %w", err)
		}
		for _, sub := range restored.Subagents {
			path := filepath.Join(e.subagentTranscriptDir(), sub.ID+".jsonl")
			if err := os.WriteFile(path, []byte(sub.Transcript), 0o644); err != nil {
				return fmt.Errorf("restore subagent transcript %s: %w", sub.ID, err)
			}
		}
	}
	return nil
}

func (e *Environment) resolveWorkspacePath(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(e.workspaceDir(), clean)
	if !strings.HasPrefix(full, e.workspaceDir()+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace path %q escapes the workspace", path)
	}
	return full, nil
}

// ReadSessionTranscript returns the current raw transcript bundle, or nil
// when none has been written yet. Never errors on absence.
func (e *Environment) ReadSessionTranscript(ctx context.Context) (*transcript.Bundle, error) {
	_ = ctx

	main, err := os.ReadFile(e.transcriptPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	bundle := &transcript.Bundle{Main: string(main)}

	entries, err := os.ReadDir(e.subagentTranscriptDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read subagent transcript dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.subagentTranscriptDir(), entry.Name()))
		if err != nil {
			slog.Warn("Failed to read subagent transcript", "name", entry.Name(), "error", err)
			continue
		}
		bundle.Subagents = append(bundle.Subagents, transcript.SubagentTranscript{
			ID:         strings.TrimSuffix(entry.Name(), ".jsonl"),
			Transcript: string(data),
		})
	}
	return bundle, nil
}

// ReadWorkspaceFiles returns every workspace file by workspace-relative
// path, excluding the transcript directory. Returns an empty map before the
// workspace exists.
func (e *Environment) ReadWorkspaceFiles(ctx context.Context) (map[string][]byte, error) {
	_ = ctx

	root := e.workspaceDir()
	files := make(map[string][]byte)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel == transcriptDirName {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("Failed to read workspace file", "path", rel, "error", readErr)
			return nil
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

// IsHealthy probes sandbox liveness. It returns false rather than erroring
// on a crashed or unreachable sandbox, and records the probe in the state.
func (e *Environment) IsHealthy(ctx context.Context) bool {
	e.mu.Lock()
	sb := e.sb
	status := e.state.Status
	e.mu.Unlock()

	healthy := false
	if sb != nil && status == StatusReady {
		running, err := sb.IsRunning(ctx)
		if err != nil {
			slog.Warn("Health check failed", "session_id", e.sessionID, "error", err)
		}
		healthy = running && err == nil
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.state.LastHealthCheck = now
	e.mu.Unlock()

	e.emit(e.lifecycleEvent(event.TypeEnvHealthCheck, event.EnvStatusPayload{Healthy: healthy}))
	return healthy
}

// Cleanup terminates the sandbox and releases all watches. Idempotent; safe
// to call on an environment that never started.
func (e *Environment) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	if e.cleanedUp {
		e.mu.Unlock()
		return nil
	}
	e.cleanedUp = true
	sb := e.sb
	w := e.watcher
	e.sb = nil
	e.watcher = nil
	prior := e.state.Status
	if prior != StatusError {
		e.state.Status = StatusTerminated
	}
	e.mu.Unlock()

	if w != nil {
		w.close()
	}

	var err error
	if sb != nil {
		if termErr := sb.Terminate(ctx); termErr != nil {
			err = fmt.Errorf("terminate sandbox: %w", termErr)
			slog.Warn("Sandbox termination failed during cleanup", "session_id", e.sessionID, "error", termErr)
		}
	}

	if prior == StatusReady || prior == StatusStarting {
		e.emit(e.lifecycleEvent(event.TypeEnvTerminated, event.EnvStatusPayload{Message: "environment cleaned up"}))
	}
	return err
}

// failf records a terminal error state, emits ee:error and returns the error.
func (e *Environment) failf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)

	e.mu.Lock()
	e.state.Status = StatusError
	e.state.LastError = err.Error()
	e.mu.Unlock()

	e.emit(e.lifecycleEvent(event.TypeEnvError, event.EnvStatusPayload{Message: err.Error()}))
	slog.Error("Environment error", "session_id", e.sessionID, "error", err)
	return err
}

func (e *Environment) lifecycleEvent(t event.Type, payload event.EnvStatusPayload) event.SessionEvent {
	return event.New(t, payload, event.Context{
		ConversationID: event.MainConversationID,
		Source:         "environment",
		Timestamp:      time.Now().UTC(),
	})
}
