// Package bus provides the per-session typed pub/sub that decouples event
// producers from consumers. One Bus exists per session, owned by its session
// host entry and destroyed with it; there is no process-wide instance.
package bus

import (
	"log/slog"
	"sync"

	"github.com/agentmoor/moor/internal/event"
)

// Handler consumes one canonical event. Handlers run synchronously on the
// publishing goroutine: within a session, publish order is delivery order for
// every subscriber, which is what keeps reducer application, persistence and
// broadcast observing one identical sequence.
type Handler func(event.SessionEvent)

type subscription struct {
	id      int
	types   map[event.Type]bool // nil means all types
	handler Handler
}

// Bus is a per-session event bus. The zero value is not usable; call New.
type Bus struct {
	mu        sync.Mutex
	subs      []subscription
	nextID    int
	destroyed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// On registers a handler for the given event types and returns its
// unsubscribe function. With no types the handler receives every event.
func (b *Bus) On(handler Handler, types ...event.Type) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return func() {}
	}

	sub := subscription{id: b.nextID, handler: handler}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[event.Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every matching handler in registration
// order. A panicking handler is contained and logged; sibling handlers still
// run. Publishes are serialized, so concurrent producers cannot interleave
// deliveries for the same session.
func (b *Bus) Publish(ev event.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		deliver(sub.handler, ev)
	}
}

func deliver(h Handler, ev event.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// Destroy removes all handlers atomically. It blocks until any in-flight
// publish has drained, so no handler runs after Destroy returns.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	b.subs = nil
}

// Destroyed reports whether Destroy has been called.
func (b *Bus) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}
