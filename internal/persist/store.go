// Package persist provides durable session storage: the persistence adapter
// interface the core requires, its SQLite implementation, and the bus
// listener that keeps storage in sync with live session events.
package persist

import (
	"context"
	"time"
)

// SessionRecord is the durable record of one session. Conversation state is
// not stored structurally; the raw transcript is the source of truth and is
// replayed through the adapter and reducer on load.
type SessionRecord struct {
	SessionID    string         `json:"sessionId"`
	Architecture string         `json:"architecture"`
	ProfileRef   string         `json:"agentProfileReference"`
	Options      map[string]any `json:"sessionOptions,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TranscriptRow is one persisted conversation transcript. ConversationID is
// "main" for the top-level conversation or the subagent id.
type TranscriptRow struct {
	ConversationID string
	Transcript     string
}

// WorkspaceFile is one persisted workspace file.
type WorkspaceFile struct {
	Path    string
	Content []byte
}

// Store is the persistence adapter contract. Only the Persistence Listener
// writes through it during a live session; the control surface reads.
type Store interface {
	// UpdateSessionRecord creates or updates the session row. Nil Options
	// and empty Architecture/ProfileRef leave the stored values untouched,
	// so partial updates never wipe fields.
	UpdateSessionRecord(ctx context.Context, rec *SessionRecord) error

	// SaveTranscript stores the raw transcript of one conversation.
	SaveTranscript(ctx context.Context, sessionID, conversationID, transcript string) error

	// SaveWorkspaceFile stores one workspace file, clearing any tombstone.
	SaveWorkspaceFile(ctx context.Context, sessionID, path string, content []byte) error

	// DeleteSessionFile tombstones one workspace file.
	DeleteSessionFile(ctx context.Context, sessionID, path string) error

	// GetSession returns the session record, or nil when absent.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// GetTranscripts returns all stored transcripts for the session.
	GetTranscripts(ctx context.Context, sessionID string) ([]TranscriptRow, error)

	// GetWorkspaceFiles returns all live (non-tombstoned) workspace files.
	GetWorkspaceFiles(ctx context.Context, sessionID string) ([]WorkspaceFile, error)

	// ListSessions returns all session records.
	ListSessions(ctx context.Context) ([]*SessionRecord, error)

	// DeleteSession removes the session and everything belonging to it.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
