// Package claudeline adapts JSONL-line backends: agents whose stdout and
// persisted transcripts are newline-delimited JSON records, one whole message
// per line (user/assistant/system/result), with tool invocations and results
// embedded as content items.
package claudeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/event"
)

// Architecture is the registry name of this backend.
const Architecture = "claude-line"

// taskToolName is the tool that spawns a subagent.
const taskToolName = "Task"

// record is one native JSONL line.
type record struct {
	Type            string    `json:"type"`
	Subtype         string    `json:"subtype,omitempty"`
	UUID            string    `json:"uuid,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	ParentToolUseID string    `json:"parent_tool_use_id,omitempty"`
	Message         *message  `json:"message,omitempty"`

	// result records only.
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

type message struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// contentItem is one element of a message content array.
type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
}

type taskInput struct {
	Prompt      string `json:"prompt,omitempty"`
	Description string `json:"description,omitempty"`
}

// Converter is the stateful JSONL converter for one session. It remembers
// pending tool invocations so results can complete them, and issues
// deterministic fallback ids so a replayed transcript reproduces the ids of
// the live stream exactly.
type Converter struct {
	seq          int
	model        string
	pendingTools map[string]conversation.Block
}

// New builds a fresh converter.
func New() *Converter {
	return &Converter{pendingTools: make(map[string]conversation.Block)}
}

// Register registers this backend.
func Register(r *adapter.Registry) {
	r.Register(Architecture, func() adapter.Converter { return New() })
}

// Convert translates one JSONL record into canonical events.
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
	// Sidechain records carry the spawning tool-use id; they belong to that
	// subagent's conversation regardless of the caller's target.
	if rec.ParentToolUseID != "" && conversationID == event.MainConversationID {
		conversationID = rec.ParentToolUseID
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
	case "system":
		return c.convertSystem(rec, evCtx)
	case "user", "assistant":
		return c.convertMessage(rec, evCtx)
	case "result":
		return c.convertResult(rec, evCtx)
	default:
		slog.Debug("Ignoring unknown record type", "architecture", Architecture, "record_type", rec.Type)
		return nil
	}
}

func (c *Converter) convertSystem(rec record, evCtx event.Context) []event.SessionEvent {
	if rec.Subtype == "init" {
		// Startup record: remember the model, emit nothing.
		if rec.Message != nil && rec.Message.Model != "" {
			c.model = rec.Message.Model
		}
		return nil
	}
	text := ""
	if rec.Message != nil {
		text = plainText(rec.Message.Content)
	}
	if text == "" {
		return nil
	}
	block := conversation.Block{
		ID:        c.blockID(rec, 0),
		Kind:      conversation.KindSystem,
		Timestamp: evCtx.Timestamp,
		Status:    conversation.StatusComplete,
		Text:      text,
	}
	return []event.SessionEvent{upsert(block, evCtx)}
}

func (c *Converter) convertMessage(rec record, evCtx event.Context) []event.SessionEvent {
	if rec.Message == nil {
		slog.Warn("Skipping record without message", "architecture", Architecture, "record_type", rec.Type)
		return nil
	}
	if rec.Message.Model != "" {
		c.model = rec.Message.Model
	}

	// Content is either a bare string or an array of typed items.
	var text string
	if err := json.Unmarshal(rec.Message.Content, &text); err == nil {
		block := conversation.Block{
			ID:        c.blockID(rec, 0),
			Kind:      kindForRole(rec.Type),
			Timestamp: evCtx.Timestamp,
			Status:    conversation.StatusComplete,
			Text:      text,
		}
		return []event.SessionEvent{upsert(block, evCtx)}
	}

	var items []contentItem
	if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
		slog.Warn("Skipping record with undecodable content", "architecture", Architecture, "error", err)
		return nil
	}

	var events []event.SessionEvent
	for i, item := range items {
		events = append(events, c.convertContentItem(rec, item, i, evCtx)...)
	}
	return events
}

func (c *Converter) convertContentItem(rec record, item contentItem, index int, evCtx event.Context) []event.SessionEvent {
	switch item.Type {
	case "text":
		if item.Text == "" {
			return nil
		}
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        c.blockID(rec, index),
			Kind:      kindForRole(rec.Type),
			Timestamp: evCtx.Timestamp,
			Status:    conversation.StatusComplete,
			Text:      item.Text,
		}, evCtx)}

	case "thinking":
		if item.Thinking == "" {
			return nil
		}
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        c.blockID(rec, index),
			Kind:      conversation.KindThinking,
			Timestamp: evCtx.Timestamp,
			Status:    conversation.StatusComplete,
			Text:      item.Thinking,
		}, evCtx)}

	case "tool_use":
		return c.convertToolUse(item, evCtx)

	case "tool_result":
		return c.convertToolResult(item, evCtx)

	default:
		slog.Debug("Ignoring unknown content item", "architecture", Architecture, "item_type", item.Type)
		return nil
	}
}

func (c *Converter) convertToolUse(item contentItem, evCtx event.Context) []event.SessionEvent {
	if item.Name == taskToolName {
		// Subagent spawn. The subagent entry must exist before any of the
		// subagent's own records are converted, so the block goes out now,
		// pending, keyed by the tool-use id.
		var input taskInput
		if len(item.Input) > 0 {
			_ = json.Unmarshal(item.Input, &input)
		}
		block := conversation.Block{
			ID:        subagentBlockID(item.ID),
			Kind:      conversation.KindSubagent,
			Timestamp: evCtx.Timestamp,
			Status:    conversation.StatusPending,
			ToolUseID: item.ID,
			ToolInput: item.Input,
			Prompt:    input.Prompt,
			Text:      input.Description,
		}
		c.pendingTools[item.ID] = block
		return []event.SessionEvent{upsert(block, evCtx)}
	}

	block := conversation.Block{
		ID:        item.ID,
		Kind:      conversation.KindToolUse,
		Timestamp: evCtx.Timestamp,
		Status:    conversation.StatusPending,
		ToolName:  item.Name,
		ToolUseID: item.ID,
		ToolInput: item.Input,
	}
	c.pendingTools[item.ID] = block
	return []event.SessionEvent{upsert(block, evCtx)}
}

func (c *Converter) convertToolResult(item contentItem, evCtx event.Context) []event.SessionEvent {
	result := plainText(item.Content)
	status := conversation.StatusComplete
	if item.IsError {
		status = conversation.StatusError
	}

	pending, ok := c.pendingTools[item.ToolUseID]
	if ok {
		delete(c.pendingTools, item.ToolUseID)
	}

	if ok && pending.Kind == conversation.KindSubagent {
		// Completing a subagent spawn: upsert the same block to its terminal
		// status, carrying the agent id that links the two identifier spaces.
		pending.Status = status
		pending.Result = result
		pending.AgentID = item.AgentID
		return []event.SessionEvent{upsert(pending, evCtx)}
	}

	var events []event.SessionEvent
	if ok {
		pending.Status = status
		events = append(events, upsert(pending, evCtx))
	}
	events = append(events, upsert(conversation.Block{
		ID:        item.ToolUseID + ".result",
		Kind:      conversation.KindToolResult,
		Timestamp: evCtx.Timestamp,
		Status:    conversation.StatusComplete,
		ToolUseID: item.ToolUseID,
		Result:    result,
		IsError:   item.IsError,
	}, evCtx))
	return events
}

func (c *Converter) convertResult(rec record, evCtx event.Context) []event.SessionEvent {
	if evCtx.ConversationID != event.MainConversationID {
		// Terminal record of a subagent's own transcript: it settles the
		// subagent's status, output and agent id, not a displayable block.
		status := conversation.StatusComplete
		if rec.IsError || rec.Subtype == "error" {
			status = conversation.StatusError
		}
		return []event.SessionEvent{upsert(conversation.Block{
			ID:         c.blockID(rec, 0),
			Kind:       conversation.KindSubagent,
			Timestamp:  evCtx.Timestamp,
			Status:     status,
			AgentID:    rec.SessionID,
			Result:     rec.Result,
			DurationMs: rec.DurationMs,
		}, evCtx)}
	}

	if rec.IsError || rec.Subtype == "error" {
		return []event.SessionEvent{upsert(conversation.Block{
			ID:        c.blockID(rec, 0),
			Kind:      conversation.KindError,
			Timestamp: evCtx.Timestamp,
			Status:    conversation.StatusError,
			Text:      rec.Result,
		}, evCtx)}
	}
	// Successful main-turn results duplicate the last assistant text.
	return nil
}

// Terminal reports whether the record ends the current query turn.
func (c *Converter) Terminal(raw []byte) bool {
	var rec struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	return rec.Type == "result"
}

// Trivial reports whether the record is a contentless startup record.
func (c *Converter) Trivial(raw []byte) bool {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	return rec.Type == "system" && rec.Subtype == "init"
}

// blockID derives a stable block id: record uuid plus content index when the
// backend supplied one, otherwise a converter-sequence fallback that both the
// live and replay paths reproduce identically.
func (c *Converter) blockID(rec record, index int) string {
	if rec.UUID != "" {
		if index == 0 {
			return rec.UUID
		}
		return fmt.Sprintf("%s.%d", rec.UUID, index)
	}
	c.seq++
	return fmt.Sprintf("%s-%d", rec.Type, c.seq)
}

func subagentBlockID(toolUseID string) string {
	return "sub." + toolUseID
}

func kindForRole(recordType string) conversation.Kind {
	if recordType == "user" {
		return conversation.KindUserMessage
	}
	return conversation.KindAssistantText
}

func upsert(block conversation.Block, ctx event.Context) event.SessionEvent {
	return event.New(event.TypeBlockUpsert, conversation.BlockUpsertPayload{Block: block}, ctx)
}

// plainText flattens a content value that may be a bare string or an array
// of text items.
func plainText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	out := ""
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += item.Text
		}
	}
	return out
}
