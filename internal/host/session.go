package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmoor/moor/internal/broadcast"
	"github.com/agentmoor/moor/internal/bus"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/environment"
	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/persist"
)

// Session is one loaded session: an environment, an event bus, the derived
// conversation state and the listeners that fan events out. All mutation of
// a session goes through its host.
type Session struct {
	ID           string
	Architecture string
	ProfileRef   string

	env       *environment.Environment
	bus       *bus.Bus
	persister *persist.Listener
	forwarder *broadcast.Listener

	// opMu serializes session operations (query, sync, unload) so they never
	// interleave. Event dispatch is serialized separately by the bus.
	opMu sync.Mutex

	mu          sync.RWMutex
	state       conversation.State
	options     map[string]any
	lastActive  time.Time
	activeQuery *environment.QueryStream
}

// Snapshot is the full observable state of a session, sent to observers
// before live events.
type Snapshot struct {
	SessionID    string             `json:"sessionId"`
	Architecture string             `json:"architecture"`
	ProfileRef   string             `json:"agentProfileReference"`
	Options      map[string]any     `json:"sessionOptions,omitempty"`
	Conversation conversation.State `json:"conversation"`
	Environment  environment.State  `json:"environment"`
}

// State returns the current conversation state. The state is copy-on-write;
// the returned value never mutates.
func (s *Session) State() conversation.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Options returns the current session options.
func (s *Session) Options() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.options
}

// EnvironmentState returns the environment lifecycle snapshot.
func (s *Session) EnvironmentState() environment.State {
	return s.env.State()
}

// Snapshot captures everything an observer needs before streaming.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	state := s.state
	options := s.options
	s.mu.RUnlock()
	return Snapshot{
		SessionID:    s.ID,
		Architecture: s.Architecture,
		ProfileRef:   s.ProfileRef,
		Options:      options,
		Conversation: state,
		Environment:  s.env.State(),
	}
}

// LastActive reports when the session last saw a query or event.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Publish puts an event on the session's bus. Dispatch is synchronous and
// FIFO; by the time Publish returns every listener has seen the event.
func (s *Session) Publish(ev event.SessionEvent) {
	s.bus.Publish(ev)
}

// applyEvent is the reducer subscription. It runs on the bus dispatch path,
// so state updates are ordered exactly like delivery to other listeners.
func (s *Session) applyEvent(ev event.SessionEvent) {
	s.mu.Lock()
	s.state = conversation.Reduce(s.state, ev)
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// RunQuery executes one query and publishes every resulting event to the
// bus, blocking until the turn completes or ctx is canceled. Only one query
// runs at a time per session.
func (s *Session) RunQuery(ctx context.Context, query string, opts environment.QueryOptions) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	stream, err := s.env.ExecuteQuery(ctx, query, opts)
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	defer stream.Close()

	s.mu.Lock()
	s.activeQuery = stream
	s.lastActive = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeQuery = nil
		s.mu.Unlock()
	}()

	s.publishUserMessage(query)

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, environment.ErrStreamClosed) {
				return nil
			}
			return fmt.Errorf("read query stream: %w", err)
		}
		s.bus.Publish(ev)
	}
}

// CancelQuery aborts the in-flight query, if any.
func (s *Session) CancelQuery() {
	s.mu.RLock()
	stream := s.activeQuery
	s.mu.RUnlock()
	if stream != nil {
		stream.Close()
		slog.Info("Query canceled", "session_id", s.ID)
	}
}

// publishUserMessage records the submitted query as a user block so the
// conversation shows it even before the backend echoes anything.
func (s *Session) publishUserMessage(query string) {
	now := time.Now().UTC()
	block := conversation.Block{
		ID:        fmt.Sprintf("user-%d", now.UnixNano()),
		Kind:      conversation.KindUserMessage,
		Timestamp: now,
		Status:    conversation.StatusComplete,
		Text:      query,
	}
	s.bus.Publish(event.New(event.TypeBlockUpsert,
		conversation.BlockUpsertPayload{Block: block},
		event.Context{
			ConversationID: event.MainConversationID,
			Source:         "host",
			Timestamp:      now,
		}))
}
