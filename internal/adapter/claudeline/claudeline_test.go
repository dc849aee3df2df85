package claudeline

import (
	"testing"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/event"
)

func mainCtx() adapter.ConvertContext {
	return adapter.ConvertContext{ConversationID: event.MainConversationID}
}

func decodeBlock(t *testing.T, ev event.SessionEvent) conversation.Block {
	t.Helper()
	if ev.Type != event.TypeBlockUpsert {
		t.Fatalf("expected block:upsert, got %s", ev.Type)
	}
	var payload conversation.BlockUpsertPayload
	if err := ev.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload.Block
}

func TestConvertAssistantTextAndThinking(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"assistant","uuid":"u1","message":{"role":"assistant","model":"m-large","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"answer"}]}}`)
	events := New().Convert(raw, mainCtx())

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	thinking := decodeBlock(t, events[0])
	if thinking.Kind != conversation.KindThinking || thinking.Text != "hmm" || thinking.ID != "u1" {
		t.Fatalf("unexpected thinking block: %+v", thinking)
	}
	text := decodeBlock(t, events[1])
	if text.Kind != conversation.KindAssistantText || text.Text != "answer" || text.ID != "u1.1" {
		t.Fatalf("unexpected text block: %+v", text)
	}
}

func TestConvertUserStringContent(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"user","uuid":"u2","message":{"role":"user","content":"run the tests"}}`)
	events := New().Convert(raw, mainCtx())

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	block := decodeBlock(t, events[0])
	if block.Kind != conversation.KindUserMessage || block.Text != "run the tests" {
		t.Fatalf("unexpected user block: %+v", block)
	}
}

func TestToolUseCompletesOnResult(t *testing.T) {
	t.Parallel()

	conv := New()
	use := []byte(`{"type":"assistant","uuid":"u3","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`)
	events := conv.Convert(use, mainCtx())
	if len(events) != 1 {
		t.Fatalf("expected 1 event for tool_use, got %d", len(events))
	}
	pending := decodeBlock(t, events[0])
	if pending.Kind != conversation.KindToolUse || pending.Status != conversation.StatusPending || pending.ID != "t1" {
		t.Fatalf("unexpected pending tool block: %+v", pending)
	}

	result := []byte(`{"type":"user","uuid":"u4","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file.go"}]}}`)
	events = conv.Convert(result, mainCtx())
	if len(events) != 2 {
		t.Fatalf("expected completion plus result, got %d events", len(events))
	}
	completed := decodeBlock(t, events[0])
	if completed.ID != "t1" || completed.Status != conversation.StatusComplete {
		t.Fatalf("tool_use not completed: %+v", completed)
	}
	res := decodeBlock(t, events[1])
	if res.Kind != conversation.KindToolResult || res.ID != "t1.result" || res.Result != "file.go" {
		t.Fatalf("unexpected result block: %+v", res)
	}
}

func TestErroredToolResultMarksError(t *testing.T) {
	t.Parallel()

	conv := New()
	conv.Convert([]byte(`{"type":"assistant","uuid":"u5","message":{"content":[{"type":"tool_use","id":"t2","name":"Bash","input":{}}]}}`), mainCtx())
	events := conv.Convert([]byte(`{"type":"user","uuid":"u6","message":{"content":[{"type":"tool_result","tool_use_id":"t2","content":"boom","is_error":true}]}}`), mainCtx())

	completed := decodeBlock(t, events[0])
	if completed.Status != conversation.StatusError {
		t.Fatalf("expected error status on tool block, got %q", completed.Status)
	}
	res := decodeBlock(t, events[1])
	if !res.IsError {
		t.Fatalf("expected IsError on result block: %+v", res)
	}
}

func TestTaskToolSpawnsSubagent(t *testing.T) {
	t.Parallel()

	conv := New()
	spawn := []byte(`{"type":"assistant","uuid":"u7","message":{"content":[{"type":"tool_use","id":"t9","name":"Task","input":{"prompt":"explore","description":"Explore repo"}}]}}`)
	events := conv.Convert(spawn, mainCtx())
	if len(events) != 1 {
		t.Fatalf("expected 1 spawn event, got %d", len(events))
	}
	block := decodeBlock(t, events[0])
	if block.Kind != conversation.KindSubagent || block.ID != "sub.t9" || block.Status != conversation.StatusPending {
		t.Fatalf("unexpected spawn block: %+v", block)
	}
	if block.Prompt != "explore" || block.ToolUseID != "t9" {
		t.Fatalf("spawn metadata missing: %+v", block)
	}

	// The Task result completes the same block and carries the agent id.
	done := []byte(`{"type":"user","uuid":"u8","message":{"content":[{"type":"tool_result","tool_use_id":"t9","content":"found 3 issues","agent_id":"agent-3"}]}}`)
	events = conv.Convert(done, mainCtx())
	if len(events) != 1 {
		t.Fatalf("expected 1 completion event, got %d", len(events))
	}
	completed := decodeBlock(t, events[0])
	if completed.ID != "sub.t9" || completed.Status != conversation.StatusComplete {
		t.Fatalf("spawn block not completed: %+v", completed)
	}
	if completed.AgentID != "agent-3" || completed.Result != "found 3 issues" {
		t.Fatalf("agent link missing: %+v", completed)
	}
}

func TestSidechainRecordsRouteToSubagentConversation(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"assistant","uuid":"u9","parent_tool_use_id":"t9","message":{"content":[{"type":"text","text":"sub step"}]}}`)
	events := New().Convert(raw, mainCtx())

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Context.ConversationID != "t9" {
		t.Fatalf("expected subagent conversation t9, got %q", events[0].Context.ConversationID)
	}
}

func TestResultRecordInSubagentConversationCarriesMetadata(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"result","uuid":"u10","session_id":"agent-3","result":"summary","duration_ms":900}`)
	events := New().Convert(raw, adapter.ConvertContext{ConversationID: "t9"})

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	block := decodeBlock(t, events[0])
	if block.Kind != conversation.KindSubagent || block.AgentID != "agent-3" {
		t.Fatalf("unexpected metadata block: %+v", block)
	}
	if block.Result != "summary" || block.DurationMs != 900 || block.Status != conversation.StatusComplete {
		t.Fatalf("metadata not carried: %+v", block)
	}
}

func TestMainResultRecordEmitsNothingOnSuccess(t *testing.T) {
	t.Parallel()

	events := New().Convert([]byte(`{"type":"result","uuid":"u11","result":"all done"}`), mainCtx())
	if len(events) != 0 {
		t.Fatalf("expected no events for successful main result, got %d", len(events))
	}
}

func TestMainResultErrorBecomesErrorBlock(t *testing.T) {
	t.Parallel()

	events := New().Convert([]byte(`{"type":"result","uuid":"u12","is_error":true,"result":"budget exceeded"}`), mainCtx())
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}
	block := decodeBlock(t, events[0])
	if block.Kind != conversation.KindError || block.Text != "budget exceeded" {
		t.Fatalf("unexpected error block: %+v", block)
	}
}

func TestMalformedRecordProducesNoEvents(t *testing.T) {
	t.Parallel()

	conv := New()
	if events := conv.Convert([]byte(`{"type":"assistant","message":`), mainCtx()); len(events) != 0 {
		t.Fatalf("malformed record produced %d events", len(events))
	}
	// The converter keeps working afterwards.
	events := conv.Convert([]byte(`{"type":"user","uuid":"u13","message":{"content":"still here"}}`), mainCtx())
	if len(events) != 1 {
		t.Fatalf("converter broken after malformed record: %d events", len(events))
	}
}

func TestFallbackIDsAreDeterministic(t *testing.T) {
	t.Parallel()

	records := [][]byte{
		[]byte(`{"type":"user","message":{"content":"one"}}`),
		[]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`),
	}

	ids := func() []string {
		conv := New()
		var out []string
		for _, raw := range records {
			for _, ev := range conv.Convert(raw, mainCtx()) {
				out = append(out, decodeBlock(t, ev).ID)
			}
		}
		return out
	}

	first, second := ids(), ids()
	if len(first) != 2 || first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("fallback ids drifted: %v vs %v", first, second)
	}
}

func TestTerminalAndTrivial(t *testing.T) {
	t.Parallel()

	conv := New()
	if !conv.Terminal([]byte(`{"type":"result"}`)) {
		t.Fatal("result record should be terminal")
	}
	if conv.Terminal([]byte(`{"type":"assistant"}`)) {
		t.Fatal("assistant record should not be terminal")
	}
	if !conv.Trivial([]byte(`{"type":"system","subtype":"init"}`)) {
		t.Fatal("init record should be trivial")
	}
	if conv.Trivial([]byte(`{"type":"system","subtype":"warning"}`)) {
		t.Fatal("non-init system record should not be trivial")
	}
}
