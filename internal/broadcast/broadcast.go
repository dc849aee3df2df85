// Package broadcast forwards session events to connected observers. It is
// transport-agnostic; the websocket hub plugs in behind the Transport
// interface.
package broadcast

import (
	"encoding/json"
	"log/slog"

	"github.com/agentmoor/moor/internal/bus"
	"github.com/agentmoor/moor/internal/event"
)

// Transport delivers serialized events to every observer of a room. Rooms
// are keyed by session id.
type Transport interface {
	Broadcast(room string, data []byte)
	ClientCount(room string) int
}

// Listener subscribes to a session's bus and fans every event out to the
// session's observers verbatim. Observers receive the canonical JSON
// encoding; no transport-specific reshaping happens here.
type Listener struct {
	sessionID string
	transport Transport

	unsubscribe func()
}

// NewListener creates a broadcast listener for one session.
func NewListener(sessionID string, transport Transport) *Listener {
	return &Listener{sessionID: sessionID, transport: transport}
}

// Attach subscribes the listener to every event type on the bus.
func (l *Listener) Attach(b *bus.Bus) {
	l.unsubscribe = b.On(l.handle)
}

// Detach removes the bus subscription. Safe to call when never attached.
func (l *Listener) Detach() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}

func (l *Listener) handle(ev event.SessionEvent) {
	if l.transport.ClientCount(l.sessionID) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event for broadcast", "session_id", l.sessionID, "event_type", ev.Type, "error", err)
		return
	}
	l.transport.Broadcast(l.sessionID, data)
}
