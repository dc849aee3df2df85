package conversation

import (
	"log/slog"

	"github.com/agentmoor/moor/internal/event"
)

// Reduce applies one canonical event to prior state and returns the next
// state. It is pure: the input state is never mutated, and it never panics
// or returns an error — a malformed or unrecognized event is a no-op, which
// keeps old replicas forward compatible with new event types.
func Reduce(state State, ev event.SessionEvent) State {
	switch ev.Type {
	case event.TypeBlockUpsert:
		var payload BlockUpsertPayload
		if err := ev.Decode(&payload); err != nil {
			slog.Warn("Ignoring undecodable block:upsert", "error", err)
			return state
		}
		return applyBlockUpsert(state, ev.Context.ConversationID, payload.Block)
	default:
		return state
	}
}

func applyBlockUpsert(state State, conversationID string, block Block) State {
	if conversationID == "" || conversationID == event.MainConversationID {
		next := state
		next.Blocks = upsertBlock(state.Blocks, block)
		if block.Kind == KindSubagent {
			next.Subagents = applySubagentBlock(state.Subagents, block)
		}
		return next
	}

	// Event targets a subagent conversation.
	next := state
	next.Subagents = make([]Subagent, len(state.Subagents))
	copy(next.Subagents, state.Subagents)

	idx := next.FindSubagent(conversationID)
	if idx < 0 {
		// First sight of this subagent: create it keyed by the given id.
		next.Subagents = append(next.Subagents, Subagent{
			ToolUseID: conversationID,
			Status:    SubagentRunning,
			Blocks:    []Block{},
		})
		idx = len(next.Subagents) - 1
	}
	sub := next.Subagents[idx]
	if block.Kind == KindSubagent {
		// Inside a subagent conversation a subagent-kind block carries
		// metadata about the conversation itself (terminal result, agent id,
		// duration) rather than a displayable unit.
		sub = mergeSubagentMeta(sub, block)
	} else {
		sub.Blocks = upsertBlock(sub.Blocks, block)
		if sub.Status == SubagentPending {
			sub.Status = SubagentRunning
		}
	}
	next.Subagents[idx] = sub
	return next
}

func mergeSubagentMeta(sub Subagent, block Block) Subagent {
	if block.AgentID != "" {
		sub.AgentID = block.AgentID
	}
	if block.Result != "" {
		sub.Output = block.Result
	}
	if block.DurationMs > 0 {
		sub.DurationMs = block.DurationMs
	}
	switch block.Status {
	case StatusComplete:
		sub.Status = SubagentCompleted
	case StatusError:
		sub.Status = SubagentError
	}
	return sub
}

// upsertBlock appends the block if its id is new, or replaces the existing
// block in place, preserving position. Replacement is how streamed blocks
// move from pending to complete without a separate side-channel.
func upsertBlock(blocks []Block, block Block) []Block {
	for i := range blocks {
		if blocks[i].ID == block.ID {
			out := make([]Block, len(blocks))
			copy(out, blocks)
			out[i] = block
			return out
		}
	}
	out := make([]Block, len(blocks), len(blocks)+1)
	copy(out, blocks)
	return append(out, block)
}

// applySubagentBlock keeps the Subagent entry for a subagent-spawning block
// in sync with the block itself: creation on first sight, then AgentID,
// output and terminal status as the spawning tool call completes. At most
// one Subagent exists per logical subagent regardless of which key arrives
// first.
func applySubagentBlock(subagents []Subagent, block Block) []Subagent {
	out := make([]Subagent, len(subagents))
	copy(out, subagents)

	idx := -1
	for i := range out {
		if block.ToolUseID != "" && out[i].ToolUseID == block.ToolUseID {
			idx = i
			break
		}
		if block.AgentID != "" && out[i].AgentID == block.AgentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		out = append(out, Subagent{
			ToolUseID: block.ToolUseID,
			Status:    SubagentPending,
			Blocks:    []Block{},
		})
		idx = len(out) - 1
	}

	sub := out[idx]
	if block.AgentID != "" {
		sub.AgentID = block.AgentID
	}
	if block.Prompt != "" {
		sub.Prompt = block.Prompt
	}
	if block.DurationMs > 0 {
		sub.DurationMs = block.DurationMs
	}
	switch block.Status {
	case StatusPending:
		if sub.Status != SubagentCompleted && sub.Status != SubagentError {
			sub.Status = SubagentRunning
		}
	case StatusComplete:
		sub.Status = SubagentCompleted
		if block.Result != "" {
			sub.Output = block.Result
		}
	case StatusError:
		sub.Status = SubagentError
		if block.Result != "" {
			sub.Output = block.Result
		}
	}
	out[idx] = sub
	return out
}
