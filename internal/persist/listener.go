package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmoor/moor/internal/bus"
	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/transcript"
)

// Source is what the listener reads from when asked for a full snapshot of
// session state. The execution environment implements it.
type Source interface {
	ReadSessionTranscript(ctx context.Context) (*transcript.Bundle, error)
	ReadWorkspaceFiles(ctx context.Context) (map[string][]byte, error)
}

// Listener subscribes to a session's event bus and mirrors every durable
// change into the store. Write failures are logged and swallowed; a flaky
// database must never stall event dispatch or crash the session.
type Listener struct {
	sessionID string
	store     Store
	source    Source
	timeout   time.Duration

	unsubscribe func()
}

// NewListener creates a listener for one session. It does not subscribe yet.
func NewListener(sessionID string, store Store, source Source) *Listener {
	return &Listener{
		sessionID: sessionID,
		store:     store,
		source:    source,
		timeout:   10 * time.Second,
	}
}

// Attach subscribes the listener to the bus. Detaching before the bus is
// destroyed is not required; destruction drops the subscription too.
func (l *Listener) Attach(b *bus.Bus) {
	l.unsubscribe = b.On(l.handle,
		event.TypeTranscriptChanged,
		event.TypeFileCreated,
		event.TypeFileModified,
		event.TypeFileDeleted,
		event.TypeOptionsUpdate,
	)
}

// Detach removes the bus subscription. Safe to call when never attached.
func (l *Listener) Detach() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}

func (l *Listener) handle(ev event.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var err error
	switch ev.Type {
	case event.TypeTranscriptChanged:
		var p event.TranscriptChangedPayload
		if err = ev.Decode(&p); err == nil {
			err = l.store.SaveTranscript(ctx, l.sessionID, ev.Context.ConversationID, p.Transcript)
		}
	case event.TypeFileCreated, event.TypeFileModified:
		var p event.FilePayload
		if err = ev.Decode(&p); err == nil {
			err = l.store.SaveWorkspaceFile(ctx, l.sessionID, p.Path, p.Content)
		}
	case event.TypeFileDeleted:
		var p event.FilePayload
		if err = ev.Decode(&p); err == nil {
			err = l.store.DeleteSessionFile(ctx, l.sessionID, p.Path)
		}
	case event.TypeOptionsUpdate:
		var p event.OptionsUpdatePayload
		if err = ev.Decode(&p); err == nil {
			err = l.store.UpdateSessionRecord(ctx, &SessionRecord{SessionID: l.sessionID, Options: p.Options})
		}
	}
	if err != nil {
		slog.Error("Persistence write failed", "session_id", l.sessionID, "event_type", ev.Type, "error", err)
	}
}

// SyncFullState reads the complete transcript and workspace from the source
// and writes it through, catching anything the incremental path missed.
// Called before unload and on explicit sync requests.
func (l *Listener) SyncFullState(ctx context.Context) error {
	bundle, err := l.source.ReadSessionTranscript(ctx)
	if err != nil {
		return fmt.Errorf("read transcripts: %w", err)
	}
	if bundle != nil {
		if err := l.store.SaveTranscript(ctx, l.sessionID, event.MainConversationID, bundle.Main); err != nil {
			return fmt.Errorf("save main transcript: %w", err)
		}
		for _, sub := range bundle.Subagents {
			if err := l.store.SaveTranscript(ctx, l.sessionID, sub.ID, sub.Transcript); err != nil {
				return fmt.Errorf("save subagent transcript %s: %w", sub.ID, err)
			}
		}
	}

	files, err := l.source.ReadWorkspaceFiles(ctx)
	if err != nil {
		return fmt.Errorf("read workspace files: %w", err)
	}
	for path, content := range files {
		if err := l.store.SaveWorkspaceFile(ctx, l.sessionID, path, content); err != nil {
			return fmt.Errorf("save workspace file %s: %w", path, err)
		}
	}
	return nil
}
