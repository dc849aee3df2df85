// Package event defines the canonical, architecture-agnostic session event
// model. Every backend message is normalized into a SessionEvent at the
// adapter boundary; nothing downstream ever sees a backend-specific shape.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a canonical session event.
type Type string

const (
	TypeBlockUpsert       Type = "block:upsert"
	TypeLog               Type = "log"
	TypeError             Type = "error"
	TypeEnvCreating       Type = "ee:creating"
	TypeEnvReady          Type = "ee:ready"
	TypeEnvTerminated     Type = "ee:terminated"
	TypeEnvError          Type = "ee:error"
	TypeEnvHealthCheck    Type = "ee:health_check"
	TypeTranscriptChanged Type = "transcript:changed"
	TypeFileCreated       Type = "file:created"
	TypeFileModified      Type = "file:modified"
	TypeFileDeleted       Type = "file:deleted"
	TypeOptionsUpdate     Type = "options:update"
)

// MainConversationID is the conversation id of the top-level conversation.
// Subagent conversations use the subagent's tool-use id instead.
const MainConversationID = "main"

// Context carries routing metadata attached to every event.
type Context struct {
	ConversationID string    `json:"conversationId"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionEvent is the canonical unit of change for a session. It is immutable
// once created; its JSON encoding is the wire format broadcast to observers
// and appended to persistence, verbatim.
type SessionEvent struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Context Context         `json:"context"`
}

// New builds an event with the given typed payload. Payload marshaling
// failures are programming errors on our own payload structs; New panics
// rather than returning an error every caller would have to ignore.
func New(t Type, payload any, ctx Context) SessionEvent {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("event: marshal %s payload: %v", t, err))
		}
		raw = data
	}
	return SessionEvent{Type: t, Payload: raw, Context: ctx}
}

// Decode unmarshals the payload into v.
func (e SessionEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// LogPayload carries a diagnostic line surfaced by the backend or the
// environment (typically a stderr line).
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// ErrorPayload carries a structured, non-fatal error.
type ErrorPayload struct {
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// EnvStatusPayload accompanies ee:* lifecycle events.
type EnvStatusPayload struct {
	EnvironmentID string `json:"environmentId,omitempty"`
	Message       string `json:"message,omitempty"`
	Healthy       bool   `json:"healthy,omitempty"`
}

// FilePayload accompanies file:created/modified/deleted events. Content is
// empty for deletions.
type FilePayload struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
}

// TranscriptChangedPayload carries the new raw transcript for one
// conversation. ConversationID in the context says which one.
type TranscriptChangedPayload struct {
	Transcript string `json:"transcript"`
}

// OptionsUpdatePayload carries replacement session options.
type OptionsUpdatePayload struct {
	Options map[string]any `json:"options"`
}
