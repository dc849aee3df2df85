package environment

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/agentmoor/moor/internal/event"
	"github.com/agentmoor/moor/internal/sandbox"
)

// eventSink collects emitted events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []event.SessionEvent
}

func (s *eventSink) emit(ev event.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ofType(t event.Type) []event.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.SessionEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeExecStream struct {
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	waitErr  error
	// keepOpen leaves the readers untouched on Close, for tests that drive
	// cancellation through the stream context alone.
	keepOpen bool

	mu     sync.Mutex
	closed bool
}

func newFakeExecStream(stdout, stderr string, exitCode int) *fakeExecStream {
	return &fakeExecStream{
		stdout:   strings.NewReader(stdout),
		stderr:   strings.NewReader(stderr),
		exitCode: exitCode,
	}
}

func (s *fakeExecStream) Stdout() io.Reader { return s.stdout }
func (s *fakeExecStream) Stderr() io.Reader { return s.stderr }

func (s *fakeExecStream) Wait(ctx context.Context) (int, error) {
	if s.waitErr != nil {
		return -1, s.waitErr
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}
	return s.exitCode, nil
}

func (s *fakeExecStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.keepOpen {
		return nil
	}
	if c, ok := s.stdout.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := s.stderr.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}

type fakeSandbox struct {
	id      string
	stream  sandbox.ExecStream
	execErr error
	running bool

	mu         sync.Mutex
	terminated int
	lastCmd    []string
	lastEnv    map[string]string
}

func (s *fakeSandbox) ID() string           { return s.id }
func (s *fakeSandbox) WorkspaceDir() string { return "" }

func (s *fakeSandbox) Exec(ctx context.Context, cmd []string, env map[string]string) (sandbox.ExecStream, error) {
	s.mu.Lock()
	s.lastCmd = cmd
	s.lastEnv = env
	s.mu.Unlock()
	if s.execErr != nil {
		return nil, s.execErr
	}
	return s.stream, nil
}

func (s *fakeSandbox) IsRunning(ctx context.Context) (bool, error) {
	return s.running, nil
}

func (s *fakeSandbox) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated++
	return nil
}

type fakeProvider struct {
	sb        *fakeSandbox
	createErr error
}

func (p *fakeProvider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.sb, nil
}

var errSpawn = errors.New("image pull failed")
