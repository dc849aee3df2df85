// Package sandbox defines the sandbox primitive: one isolated process group
// per session, with exec, file access and termination. The Docker
// implementation lives alongside; tests substitute fakes.
package sandbox

import (
	"context"
	"io"
)

// Spec describes the sandbox to create for one session.
type Spec struct {
	SessionID string
	Image     string
	// WorkspaceDir is the host directory bind-mounted as the agent's working
	// directory. File watching and workspace persistence operate on this
	// host-side mirror.
	WorkspaceDir string
	Env          map[string]string
}

// ExecStream is one running command inside the sandbox. Stdout and Stderr
// stream until the process exits; Wait returns the exit code. Close detaches
// and releases the streams; it is safe to call more than once.
type ExecStream interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (int, error)
	Close() error
}

// Sandbox is one session's isolated process group.
type Sandbox interface {
	// ID identifies the underlying sandbox instance (container id).
	ID() string

	// Exec starts a command in the sandbox and returns its stream.
	Exec(ctx context.Context, cmd []string, env map[string]string) (ExecStream, error)

	// WorkspaceDir returns the host-side workspace directory.
	WorkspaceDir() string

	// IsRunning reports liveness. A missing sandbox is not an error; it is
	// simply not running.
	IsRunning(ctx context.Context) (bool, error)

	// Terminate stops and removes the sandbox. Idempotent.
	Terminate(ctx context.Context) error
}

// Provider creates sandboxes.
type Provider interface {
	Create(ctx context.Context, spec Spec) (Sandbox, error)
}
