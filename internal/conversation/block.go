// Package conversation holds the canonical conversation state model and the
// pure reducer that is its sole owner. State is identical whether produced by
// live streaming or by transcript replay.
package conversation

import (
	"encoding/json"
	"time"
)

// Kind discriminates the block variants.
type Kind string

const (
	KindUserMessage   Kind = "user_message"
	KindAssistantText Kind = "assistant_text"
	KindToolUse       Kind = "tool_use"
	KindToolResult    Kind = "tool_result"
	KindThinking      Kind = "thinking"
	KindSystem        Kind = "system"
	KindSubagent      Kind = "subagent"
	KindError         Kind = "error"
)

// Status tracks the streaming lifecycle of a block.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Block is one displayable conversation unit. The variant fields beyond ID,
// Kind, Timestamp and Status are populated per Kind and omitted otherwise.
type Block struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status,omitempty"`

	// Text content for user_message, assistant_text, thinking, system, error.
	Text string `json:"text,omitempty"`

	// tool_use / tool_result fields.
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// subagent spawn fields. AgentID stays empty until the backend reports it.
	AgentID    string `json:"agentId,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// BlockUpsertPayload is the payload of a block:upsert event. The target
// conversation comes from the event context, never from the payload.
type BlockUpsertPayload struct {
	Block Block `json:"block"`
}
