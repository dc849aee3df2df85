package environment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmoor/moor/internal/event"
)

func modifiedPaths(sink *eventSink) map[string]bool {
	seen := make(map[string]bool)
	for _, ev := range sink.ofType(event.TypeFileModified) {
		var payload event.FilePayload
		if json.Unmarshal(ev.Payload, &payload) == nil {
			seen[payload.Path] = true
		}
	}
	return seen
}

func TestWatchCoversSeededSubdirectories(t *testing.T) {
	t.Parallel()

	sb := &fakeSandbox{id: "box-1", running: true}
	env, _ := newTestEnvironment(t, &fakeProvider{sb: sb})

	files := map[string][]byte{
		"top.go":        []byte("package main\n"),
		"pkg/util/u.go": []byte("package util\n"),
	}
	require.NoError(t, env.PrepareSession(context.Background(), testProfile(), files, nil, nil))
	t.Cleanup(func() { _ = env.Cleanup(context.Background()) })

	sink := &eventSink{}
	require.NoError(t, env.WatchWorkspaceFiles(sink.emit))

	require.NoError(t, os.WriteFile(filepath.Join(env.workspaceDir(), "top.go"), []byte("package main // v2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.workspaceDir(), "pkg", "util", "u.go"), []byte("package util // v2\n"), 0o644))

	require.Eventually(t, func() bool {
		seen := modifiedPaths(sink)
		return seen["top.go"] && seen["pkg/util/u.go"]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchFollowsNewDirectories(t *testing.T) {
	t.Parallel()

	sb := &fakeSandbox{id: "box-1", running: true}
	env, _ := newTestEnvironment(t, &fakeProvider{sb: sb})
	require.NoError(t, env.PrepareSession(context.Background(), testProfile(), nil, nil, nil))
	t.Cleanup(func() { _ = env.Cleanup(context.Background()) })

	sink := &eventSink{}
	require.NoError(t, env.WatchWorkspaceFiles(sink.emit))

	dir := filepath.Join(env.workspaceDir(), "src")
	require.NoError(t, os.Mkdir(dir, 0o755))
	target := filepath.Join(dir, "app.go")
	require.NoError(t, os.WriteFile(target, []byte("package app\n"), 0o644))

	// The directory watch is added asynchronously, so keep rewriting until a
	// modification inside it is delivered.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(target, []byte("package app // v2\n"), 0o644)
		return modifiedPaths(sink)["src/app.go"]
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchEmitsTranscriptChanges(t *testing.T) {
	t.Parallel()

	sb := &fakeSandbox{id: "box-1", running: true}
	env, _ := newTestEnvironment(t, &fakeProvider{sb: sb})
	require.NoError(t, env.PrepareSession(context.Background(), testProfile(), nil, nil, nil))
	t.Cleanup(func() { _ = env.Cleanup(context.Background()) })

	sink := &eventSink{}
	require.NoError(t, env.WatchSessionTranscriptChanges(sink.emit))

	line := `{"type":"user"}` + "\n"
	require.NoError(t, os.WriteFile(env.transcriptPath(), []byte(line), 0o644))

	require.Eventually(t, func() bool {
		changes := sink.ofType(event.TypeTranscriptChanged)
		if len(changes) == 0 {
			return false
		}
		last := changes[len(changes)-1]
		var payload event.TranscriptChangedPayload
		if json.Unmarshal(last.Payload, &payload) != nil {
			return false
		}
		return last.Context.ConversationID == event.MainConversationID && payload.Transcript == line
	}, 5*time.Second, 10*time.Millisecond)
}
