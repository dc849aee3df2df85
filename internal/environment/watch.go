package environment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentmoor/moor/internal/event"
	"github.com/fsnotify/fsnotify"
)

// watcher tracks workspace and transcript changes for one environment and
// converts filesystem notifications into canonical events. Registration is
// push-based; everything is torn down by Environment.Cleanup.
type watcher struct {
	env *Environment
	fsw *fsnotify.Watcher

	mu          sync.Mutex
	fileCBs     []Emitter
	transcCBs   []Emitter
	closed      bool
	dispatchEnd chan struct{}
}

// WatchWorkspaceFiles registers a callback for file:created/modified/deleted
// events on the session workspace. The watch is active once the call
// returns.
func (e *Environment) WatchWorkspaceFiles(cb Emitter) error {
	w, err := e.ensureWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fileCBs = append(w.fileCBs, cb)
	return nil
}

// WatchSessionTranscriptChanges registers a callback for transcript:changed
// events. The payload carries the full transcript of the changed
// conversation; the event context names which conversation changed.
func (e *Environment) WatchSessionTranscriptChanges(cb Emitter) error {
	w, err := e.ensureWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transcCBs = append(w.transcCBs, cb)
	return nil
}

func (e *Environment) ensureWatcher() (*watcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cleanedUp {
		return nil, fmt.Errorf("environment for session %s is cleaned up", e.sessionID)
	}
	if e.watcher != nil {
		return e.watcher, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// The workspace root and the transcript directory both exist after
	// PrepareSession; watching requires them.
	for _, dir := range []string{e.workspaceDir(), filepath.Join(e.workspaceDir(), transcriptDirName), e.subagentTranscriptDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("create watch dir: %w", err)
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	// fsnotify does not recurse, and directories created before the watcher
	// (seeded or restored workspace trees) never produce Create events, so
	// every existing subdirectory has to be added up front.
	transcriptRoot := filepath.Join(e.workspaceDir(), transcriptDirName)
	walkErr := filepath.WalkDir(e.workspaceDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if path == transcriptRoot {
			return filepath.SkipDir
		}
		if path == e.workspaceDir() {
			return nil
		}
		return fsw.Add(path)
	})
	if walkErr != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch workspace tree: %w", walkErr)
	}

	w := &watcher{
		env:         e,
		fsw:         fsw,
		dispatchEnd: make(chan struct{}),
	}
	go w.dispatch()
	e.watcher = w
	return w, nil
}

func (w *watcher) dispatch() {
	defer close(w.dispatchEnd)
	for {
		select {
		case fsEvent, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Workspace watcher error", "session_id", w.env.sessionID, "error", err)
		}
	}
}

func (w *watcher) handle(fsEvent fsnotify.Event) {
	rel, err := filepath.Rel(w.env.workspaceDir(), fsEvent.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if strings.HasPrefix(rel, transcriptDirName+"/") {
		w.handleTranscript(rel, fsEvent)
		return
	}

	// New subdirectories must be added to the watch before their contents
	// change; fsnotify does not recurse.
	if fsEvent.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(fsEvent.Name); statErr == nil && info.IsDir() {
			if addErr := w.fsw.Add(fsEvent.Name); addErr != nil {
				slog.Warn("Failed to watch new directory", "path", fsEvent.Name, "error", addErr)
			}
			return
		}
	}

	var t event.Type
	switch {
	case fsEvent.Op.Has(fsnotify.Create):
		t = event.TypeFileCreated
	case fsEvent.Op.Has(fsnotify.Write):
		t = event.TypeFileModified
	case fsEvent.Op.Has(fsnotify.Remove), fsEvent.Op.Has(fsnotify.Rename):
		t = event.TypeFileDeleted
	default:
		return
	}

	payload := event.FilePayload{Path: rel}
	if t != event.TypeFileDeleted {
		content, readErr := os.ReadFile(fsEvent.Name)
		if readErr != nil {
			// The file may be mid-write or already gone; modified events for
			// it will follow.
			slog.Debug("Skipping unreadable workspace file", "path", rel, "error", readErr)
			return
		}
		payload.Content = content
	}

	w.emitFiles(event.New(t, payload, event.Context{
		ConversationID: event.MainConversationID,
		Source:         "workspace",
		Timestamp:      time.Now().UTC(),
	}))
}

func (w *watcher) handleTranscript(rel string, fsEvent fsnotify.Event) {
	if !fsEvent.Op.Has(fsnotify.Write) && !fsEvent.Op.Has(fsnotify.Create) {
		return
	}
	if !strings.HasSuffix(rel, ".jsonl") {
		return
	}

	conversationID := event.MainConversationID
	if strings.HasPrefix(rel, transcriptDirName+"/"+subagentDirName+"/") {
		conversationID = strings.TrimSuffix(filepath.Base(rel), ".jsonl")
	}

	content, err := os.ReadFile(fsEvent.Name)
	if err != nil {
		slog.Debug("Skipping unreadable transcript", "path", rel, "error", err)
		return
	}

	w.emitTranscripts(event.New(event.TypeTranscriptChanged, event.TranscriptChangedPayload{
		Transcript: string(content),
	}, event.Context{
		ConversationID: conversationID,
		Source:         "workspace",
		Timestamp:      time.Now().UTC(),
	}))
}

func (w *watcher) emitFiles(ev event.SessionEvent) {
	w.mu.Lock()
	cbs := append([]Emitter(nil), w.fileCBs...)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (w *watcher) emitTranscripts(ev event.SessionEvent) {
	w.mu.Lock()
	cbs := append([]Emitter(nil), w.transcCBs...)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.fileCBs = nil
	w.transcCBs = nil
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		slog.Debug("Failed to close fsnotify watcher", "error", err)
	}
	<-w.dispatchEnd
}
