// Package transcript reconstructs conversation state from persisted raw
// transcripts by replaying them through the same adapter and reducer used on
// the live path. Replay from an identical record stream yields identical
// state, which is what makes resume, backfill and parity testing possible.
package transcript

import (
	"bufio"
	"log/slog"
	"strings"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/conversation"
	"github.com/agentmoor/moor/internal/event"
)

// maxRecordSize bounds a single transcript record. Records beyond this are
// skipped like any other malformed line.
const maxRecordSize = 4 * 1024 * 1024

// SubagentTranscript is one subagent's persisted raw transcript. ID is the
// subagent's agent id (the only key the storage layer knows it by).
type SubagentTranscript struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
}

// Bundle is the resume/replay input: the main transcript plus any subagent
// transcripts that were persisted alongside it.
type Bundle struct {
	Main      string               `json:"main"`
	Subagents []SubagentTranscript `json:"subagents,omitempty"`
}

// Parse replays a transcript bundle through a fresh converter for the given
// architecture and returns the reconstructed state. Empty input yields empty
// state; an undecodable transcript logs and yields empty state. Parse never
// returns a partial failure: individually malformed records are skipped.
func Parse(registry *adapter.Registry, architecture string, bundle Bundle) (conversation.State, error) {
	conv, err := registry.New(architecture)
	if err != nil {
		return conversation.NewState(), err
	}
	return Replay(conv, bundle), nil
}

// Replay feeds a bundle through an existing converter, applying every emitted
// event to the reducer starting from empty state. The converter should be
// fresh: reusing a converter that already saw live records would shift its
// fallback id sequence.
func Replay(conv adapter.Converter, bundle Bundle) conversation.State {
	state := conversation.NewState()

	state = replayConversation(conv, state, bundle.Main, event.MainConversationID)

	for _, sub := range bundle.Subagents {
		records := splitRecords(sub.Transcript)
		if trivialOnly(conv, records) {
			slog.Debug("Skipping trivial subagent transcript", "subagent_id", sub.ID)
			continue
		}
		for _, raw := range records {
			for _, ev := range conv.Convert(raw, adapter.ConvertContext{ConversationID: sub.ID}) {
				state = conversation.Reduce(state, ev)
			}
		}
	}

	return state
}

func replayConversation(conv adapter.Converter, state conversation.State, transcript, conversationID string) conversation.State {
	for _, raw := range splitRecords(transcript) {
		for _, ev := range conv.Convert(raw, adapter.ConvertContext{ConversationID: conversationID}) {
			state = conversation.Reduce(state, ev)
		}
	}
	return state
}

// trivialOnly reports whether the transcript holds exactly one record and
// that record is a contentless startup record. Such subagent transcripts are
// the residue of a spawn that never ran; no subagent entry is created.
func trivialOnly(conv adapter.Converter, records [][]byte) bool {
	return len(records) == 1 && conv.Trivial(records[0])
}

func splitRecords(transcript string) [][]byte {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	scanner := bufio.NewScanner(strings.NewReader(transcript))
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	var records [][]byte
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		records = append(records, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		// Oversized or otherwise unscannable remainder: keep what was read.
		slog.Warn("Transcript scan stopped early", "error", err, "records_read", len(records))
	}
	return records
}
