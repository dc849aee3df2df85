// Package adapter defines the architecture adapter boundary: the one place
// where backend-specific message shapes are converted into canonical session
// events. Each supported backend registers a converter factory here; nothing
// outside its converter ever inspects a native record.
package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentmoor/moor/internal/event"
)

// ConvertContext carries per-call conversion inputs: which conversation the
// records belong to and which model produced them.
type ConvertContext struct {
	// ConversationID is event.MainConversationID for the top-level
	// conversation, or a subagent id for a subagent's own records.
	ConversationID string
	// Model is the active model name, when known.
	Model string
}

// Converter turns one native record into zero or more canonical events,
// in order. Implementations are stateful: they carry id continuity across
// calls so that a record stream produces identical block ids whether it is
// converted live, call by call, or replayed from a persisted transcript.
//
// A malformed record must be logged and skipped (nil return), never abort
// the surrounding batch.
type Converter interface {
	// Convert translates one native record.
	Convert(raw []byte, ctx ConvertContext) []event.SessionEvent

	// Terminal reports whether the record ends the current query turn.
	Terminal(raw []byte) bool

	// Trivial reports whether the record is a contentless startup record.
	// A transcript consisting of a single trivial record carries no
	// conversation state.
	Trivial(raw []byte) bool
}

// Factory builds a fresh converter for one session.
type Factory func() Converter

// Registry maps architecture names to converter factories. One registry is
// built at startup and shared; it is immutable after construction.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a registry. Names are case-insensitive.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend. Later registrations of the same name win.
func (r *Registry) Register(architecture string, f Factory) {
	r.factories[strings.ToLower(architecture)] = f
}

// New builds a converter for the named architecture.
func (r *Registry) New(architecture string) (Converter, error) {
	f, ok := r.factories[strings.ToLower(architecture)]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q (known: %s)", architecture, strings.Join(r.Architectures(), ", "))
	}
	return f(), nil
}

// Known reports whether the architecture is registered.
func (r *Registry) Known(architecture string) bool {
	_, ok := r.factories[strings.ToLower(architecture)]
	return ok
}

// Architectures lists registered backend names, sorted.
func (r *Registry) Architectures() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
