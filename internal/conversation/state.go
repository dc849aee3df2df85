package conversation

// SubagentStatus tracks the lifecycle of one spawned subagent.
type SubagentStatus string

const (
	SubagentPending   SubagentStatus = "pending"
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentError     SubagentStatus = "error"
)

// Subagent is the state of one nested conversation spawned by a tool
// invocation. ToolUseID is known at spawn time and is the primary key;
// AgentID arrives later (from the terminal result record or the subagent's
// own transcript) and is a secondary lookup key for the same entity.
type Subagent struct {
	ToolUseID  string         `json:"toolUseId"`
	AgentID    string         `json:"agentId,omitempty"`
	Status     SubagentStatus `json:"status"`
	Prompt     string         `json:"prompt,omitempty"`
	Output     string         `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Blocks     []Block        `json:"blocks"`
}

// State is the root conversation entity for one session. It changes only
// through Reduce; holders must treat it as immutable.
type State struct {
	Blocks    []Block    `json:"blocks"`
	Subagents []Subagent `json:"subagents"`
}

// NewState returns an empty conversation state.
func NewState() State {
	return State{Blocks: []Block{}, Subagents: []Subagent{}}
}

// FindSubagent resolves a subagent by either identifier, toolUseID first.
// Returns the index or -1.
func (s State) FindSubagent(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Subagents {
		if s.Subagents[i].ToolUseID == id {
			return i
		}
	}
	for i := range s.Subagents {
		if s.Subagents[i].AgentID == id {
			return i
		}
	}
	return -1
}
