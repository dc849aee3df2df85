package environment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/sandbox"
)

// queryBufferSize bounds the queue between the sandbox output reader and the
// consumer. A full queue blocks the reader (and through it the backend's
// stdout pipe) rather than dropping events.
const queryBufferSize = 64

// stderrTailLimit caps how much captured stderr goes into an error payload.
const stderrTailLimit = 8 * 1024

// maxOutputLineSize bounds one backend output line.
const maxOutputLineSize = 4 * 1024 * 1024

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("query stream closed")

// QueryOptions tunes one query execution.
type QueryOptions struct {
	// Model overrides the profile's model selection, when the backend
	// supports it.
	Model string
	// Env adds per-query environment variables.
	Env map[string]string
}

// QueryStream is a pull-based, cancelable sequence of canonical events for
// one query. Next blocks until an event is available, the turn completes, or
// the stream is closed. After the terminal event Next returns io.EOF.
type QueryStream struct {
	events chan event.SessionEvent
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	detach func()
}

// Next returns the next event. io.EOF signals normal completion;
// ErrStreamClosed signals the caller closed the stream.
func (s *QueryStream) Next(ctx context.Context) (event.SessionEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return event.SessionEvent{}, io.EOF
		}
		return ev, nil
	case <-s.done:
		// Drain anything produced before close was observed.
		select {
		case ev, ok := <-s.events:
			if !ok {
				return event.SessionEvent{}, io.EOF
			}
			return ev, nil
		default:
			return event.SessionEvent{}, ErrStreamClosed
		}
	case <-ctx.Done():
		return event.SessionEvent{}, ctx.Err()
	}
}

// Close cancels the query. The backend process is detached and terminated
// upstream; state already applied from previously returned events is
// unaffected. Safe to call more than once.
func (s *QueryStream) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		s.detach()
	})
}

// ExecuteQuery runs one query in the sandbox and returns its event stream.
// The stream ends when the backend emits a terminal record or the process
// exits; a non-zero exit after a successful start becomes a structured error
// event on the stream, not a Go error.
func (e *Environment) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) (*QueryStream, error) {
	e.mu.Lock()
	sb := e.sb
	prof := e.profile
	status := e.state.Status
	e.mu.Unlock()

	if sb == nil || status != StatusReady {
		return nil, fmt.Errorf("environment for session %s not ready (status %s)", e.sessionID, status)
	}
	if len(prof.Command) == 0 {
		return nil, fmt.Errorf("profile %s has no command", prof.Name)
	}

	cmd := append(append([]string{}, prof.Command...), query)
	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.Model != "" {
		env["MOOR_MODEL"] = opts.Model
	}

	execStream, err := sb.Exec(ctx, cmd, env)
	if err != nil {
		return nil, e.failf("start query: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	qs := &QueryStream{
		events: make(chan event.SessionEvent, queryBufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
		detach: func() { _ = execStream.Close() },
	}

	go e.pumpQuery(streamCtx, qs, execStream, adapter.ConvertContext{
		ConversationID: event.MainConversationID,
		Model:          opts.Model,
	})

	return qs, nil
}

// pumpQuery reads sandbox output, converts records to events and feeds the
// stream. Sends block when the consumer lags; the queue never drops.
func (e *Environment) pumpQuery(ctx context.Context, qs *QueryStream, execStream sandbox.ExecStream, convCtx adapter.ConvertContext) {
	defer close(qs.events)

	// Stderr is read concurrently: log events stream out live, and the tail
	// is kept for the exit-failure payload. The goroutine always delivers
	// the tail (possibly empty) when its reader hits EOF.
	stderrTail := make(chan string, 1)
	go e.pumpStderr(ctx, qs, execStream.Stderr(), stderrTail)

	scanner := bufio.NewScanner(execStream.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxOutputLineSize)

	terminal := false
	canceled := false
scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		raw := []byte(line)
		for _, ev := range e.converter.Convert(raw, convCtx) {
			if !send(ctx, qs.events, ev) {
				canceled = true
				break scan
			}
		}
		if e.converter.Terminal(raw) {
			terminal = true
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Query output scan failed", "session_id", e.sessionID, "error", err)
	}
	if terminal {
		// Trailing output after the terminal record must still be consumed,
		// or the demultiplexer would stall and Wait would never return.
		go func() { _, _ = io.Copy(io.Discard, execStream.Stdout()) }()
	}

	var exitCode int
	var waitErr error
	if !canceled {
		waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
		exitCode, waitErr = execStream.Wait(waitCtx)
		waitCancel()
	}
	if canceled || waitErr != nil {
		// Force EOF on both pipes so the stderr pump terminates; the events
		// channel must not close while it can still send.
		_ = execStream.Close()
	}

	tail := <-stderrTail

	if ctx.Err() != nil {
		return
	}
	if waitErr != nil {
		slog.Warn("Query wait failed", "session_id", e.sessionID, "error", waitErr)
		return
	}
	if exitCode != 0 && !terminal {
		send(ctx, qs.events, event.New(event.TypeError, event.ErrorPayload{
			Message:  fmt.Sprintf("backend exited with code %d", exitCode),
			ExitCode: exitCode,
			Stderr:   tail,
		}, event.Context{
			ConversationID: event.MainConversationID,
			Source:         "environment",
			Timestamp:      time.Now().UTC(),
		}))
	}
}

func (e *Environment) pumpStderr(ctx context.Context, qs *QueryStream, r io.Reader, tailOut chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLineSize)

	var tail strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if tail.Len() < stderrTailLimit {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
		send(ctx, qs.events, event.New(event.TypeLog, event.LogPayload{
			Level:   "stderr",
			Message: line,
		}, event.Context{
			ConversationID: event.MainConversationID,
			Source:         "environment",
			Timestamp:      time.Now().UTC(),
		}))
	}
	select {
	case tailOut <- tail.String():
	default:
	}
}

func send(ctx context.Context, ch chan<- event.SessionEvent, ev event.SessionEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
