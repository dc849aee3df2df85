// Package partstream adapts part-stream backends: agents that emit discrete
// typed messages carrying explicit part ids, streaming each part through
// repeated updates (pending text deltas, tool state transitions) until it is
// marked done. Because part ids are backend-assigned, block ids are stable by
// construction and the same part upserts the same block as it evolves.
package partstream

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/event"
)

// Architecture is the registry name of this backend.
const Architecture = "part-stream"

type record struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Part      *part     `json:"part,omitempty"`
	Error     *errBody  `json:"error,omitempty"`
}

type part struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	State    string          `json:"state,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`
	AgentID  string          `json:"agent_id,omitempty"`
	Duration int64           `json:"duration_ms,omitempty"`
}

type errBody struct {
	Message string `json:"message"`
}

// Converter is the stateful part-stream converter for one session.
type Converter struct {
	model string
	// role of each open message, keyed by message id.
	roles map[string]string
}

// New builds a fresh converter.
func New() *Converter {
	return &Converter{roles: make(map[string]string)}
}

// Register registers this backend.
func Register(r *adapter.Registry) {
	r.Register(Architecture, func() adapter.Converter { return New() })
}

// Convert translates one part-stream message into canonical events.
func (c *Converter) Convert(raw []byte, ctx adapter.ConvertContext) []event.SessionEvent {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("Skipping malformed record", "architecture", Architecture, "error", err)
		return nil
	}

	conversationID := ctx.ConversationID
	if conversationID == "" {
		conversationID = event.MainConversationID
	}
	evCtx := event.Context{
		ConversationID: conversationID,
		Source:         Architecture,
		Timestamp:      rec.Timestamp,
	}
	if evCtx.Timestamp.IsZero() {
		evCtx.Timestamp = time.Now().UTC()
	}

	switch rec.Type {
	case "hello":
		if rec.Model != "" {
			c.model = rec.Model
		}
		return nil
	case "message_start":
		c.roles[rec.MessageID] = rec.Role
		if rec.Model != "" {
			c.model = rec.Model
		}
		return nil
	case "message_end", "done":
		delete(c.roles, rec.MessageID)
		return nil
	case "part":
		return c.convertPart(rec, evCtx)
	case "error":
		return c.convertError(rec, evCtx)
	default:
		slog.Debug("Ignoring unknown record type", "architecture", Architecture, "record_type", rec.Type)
		return nil
	}
}

func (c *Converter) convertPart(rec record, evCtx event.Context) []event.SessionEvent {
	if rec.Part == nil || rec.Part.ID == "" {
		slog.Warn("Skipping part record without part id", "architecture", Architecture)
		return nil
	}
	p := rec.Part

	switch p.Type {
	case "text":
		kind := conversation.KindAssistantText
		if c.roles[rec.MessageID] == "user" {
			kind = conversation.KindUserMessage
		}
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        p.ID,
			Kind:      kind,
			Timestamp: evCtx.Timestamp,
			Status:    partStatus(p.Done),
			Text:      p.Text,
		}, evCtx)}

	case "reasoning":
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        p.ID,
			Kind:      conversation.KindThinking,
			Timestamp: evCtx.Timestamp,
			Status:    partStatus(p.Done),
			Text:      p.Text,
		}, evCtx)}

	case "tool":
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        p.ID,
			Kind:      conversation.KindToolUse,
			Timestamp: evCtx.Timestamp,
			Status:    toolStatus(p.State),
			ToolName:  p.Tool,
			ToolUseID: p.CallID,
			ToolInput: p.Input,
			Result:    p.Output,
			IsError:   p.State == "error",
		}, evCtx)}

	case "subagent":
		return []event.SessionEvent{upsert(conversation.Block{
			ID:         p.ID,
			Kind:       conversation.KindSubagent,
			Timestamp:  evCtx.Timestamp,
			Status:     toolStatus(p.State),
			ToolUseID:  p.CallID,
			Prompt:     p.Prompt,
			AgentID:    p.AgentID,
			Result:     p.Output,
			DurationMs: p.Duration,
		}, evCtx)}

	default:
		slog.Debug("Ignoring unknown part type", "architecture", Architecture, "part_type", p.Type)
		return nil
	}
}

func (c *Converter) convertError(rec record, evCtx event.Context) []event.SessionEvent {
	msg := "backend error"
	if rec.Error != nil && rec.Error.Message != "" {
		msg = rec.Error.Message
	}
	return []event.SessionEvent{event.New(event.TypeError, event.ErrorPayload{Message: msg}, evCtx)}
}

// Terminal reports whether the record ends the current query turn.
func (c *Converter) Terminal(raw []byte) bool {
	var rec struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	return rec.Type == "done" || rec.Type == "error"
}

// Trivial reports whether the record is a contentless startup record.
func (c *Converter) Trivial(raw []byte) bool {
	var rec struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	return rec.Type == "hello"
}

func partStatus(done bool) conversation.Status {
	if done {
		return conversation.StatusComplete
	}
	return conversation.StatusPending
}

func toolStatus(state string) conversation.Status {
	switch state {
	case "completed":
		return conversation.StatusComplete
	case "error":
		return conversation.StatusError
	default:
		return conversation.StatusPending
	}
}

func upsert(block conversation.Block, ctx event.Context) event.SessionEvent {
	return event.New(event.TypeBlockUpsert, conversation.BlockUpsertPayload{Block: block}, ctx)
}
