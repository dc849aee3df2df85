package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	defaultImage    = "moor-agent:latest"
	containerUser   = "1000"
	workingDir      = "/workspace"
	stopTimeoutSecs = 10

	// Resource limits per session sandbox.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Sandbox network configuration.
	sandboxNetwork = "moor-sessions"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerProvider implements Provider using the Docker API.
type DockerProvider struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerProvider creates a Docker-backed sandbox provider.
// runtime can be "" for the default Docker runtime or "runsc" for gVisor.
func NewDockerProvider(image, runtime string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = defaultImage
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime, "image", image)
	} else {
		slog.Info("Docker client initialized", "runtime", "default", "image", image)
	}
	return &DockerProvider{cli: cli, image: image, runtime: runtime}, nil
}

// EnsureNetwork creates the session bridge network if it doesn't exist.
func (p *DockerProvider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := p.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// Create creates and starts one session sandbox.
func (p *DockerProvider) Create(ctx context.Context, spec Spec) (Sandbox, error) {
	containerName := fmt.Sprintf("moor-%s", spec.SessionID)

	// A lingering named container from a previous attempt is stale; recycle
	// it rather than reuse it.
	if inspect, err := p.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Found stale sandbox, recreating", "container_id", inspect.ID, "session_id", spec.SessionID)
		if err := p.remove(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale sandbox before recreation", "error", err, "container_id", inspect.ID)
		}
	}

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	image := spec.Image
	if image == "" {
		image = p.image
	}

	config := &container.Config{
		Image:      image,
		User:       containerUser,
		WorkingDir: workingDir,
		Env:        envVars,
		// Keep the container alive between exec sessions.
		Cmd: []string{"sleep", "infinity"},
	}

	hostConfig := &container.HostConfig{
		Runtime:     p.runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: workingDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create sandbox: %w", createErr)
		}

		// A concurrent/delayed cleanup can hold the old name briefly.
		slog.Warn("Sandbox name conflict during create, retrying",
			"session_id", spec.SessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := p.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if removeErr := p.remove(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting sandbox before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create sandbox after retries: %w", createErr)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove sandbox after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox created and started", "container_id", resp.ID, "session_id", spec.SessionID)
	return &dockerSandbox{
		cli:          p.cli,
		id:           resp.ID,
		workspaceDir: spec.WorkspaceDir,
	}, nil
}

// remove stops and removes a container, tolerating concurrent removal.
func (p *DockerProvider) remove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

type dockerSandbox struct {
	cli          *client.Client
	id           string
	workspaceDir string
}

func (s *dockerSandbox) ID() string {
	return s.id
}

func (s *dockerSandbox) WorkspaceDir() string {
	return s.workspaceDir
}

// Exec starts a command in the sandbox and demultiplexes its output.
func (s *dockerSandbox) Exec(ctx context.Context, cmd []string, env map[string]string) (ExecStream, error) {
	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          envVars,
		User:         containerUser,
		WorkingDir:   workingDir,
	}

	resp, err := s.cli.ContainerExecCreate(ctx, s.id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec in sandbox %s: %w", s.id, err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}

	stream := newDockerExecStream(s.cli, resp.ID, attachResp)
	slog.Info("Exec started", "exec_id", resp.ID, "container_id", s.id, "cmd", cmd[0])
	return stream, nil
}

func (s *dockerSandbox) IsRunning(ctx context.Context) (bool, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", s.id, err)
	}
	return inspect.State.Running, nil
}

// Terminate stops and removes the sandbox. Idempotent and tolerant of
// concurrent termination.
func (s *dockerSandbox) Terminate(ctx context.Context) error {
	slog.Info("Terminating sandbox", "container_id", s.id)

	if _, err := s.cli.ContainerInspect(ctx, s.id); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "container_id", s.id)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", s.id, err)
	}

	timeout := stopTimeoutSecs
	if err := s.cli.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already stopped/removed", "container_id", s.id)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", s.id)
		} else {
			slog.Debug("Sandbox stop returned error, continuing to remove", "container_id", s.id, "error", err)
		}
	}

	if err := s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, sandbox may still be removed", "container_id", s.id, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", s.id, err)
	}

	slog.Info("Sandbox terminated", "container_id", s.id)
	return nil
}

// dockerExecStream demultiplexes a non-TTY exec attachment into separate
// stdout and stderr readers.
type dockerExecStream struct {
	cli    *client.Client
	execID string

	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	closeOnce sync.Once
	copyDone  chan struct{}
	copyErr   error
}

func newDockerExecStream(cli *client.Client, execID string, attach types.HijackedResponse) *dockerExecStream {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	stream := &dockerExecStream{
		cli:      cli,
		execID:   execID,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
		copyDone: make(chan struct{}),
	}

	go func() {
		defer close(stream.copyDone)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		if err != nil && !errors.Is(err, io.EOF) {
			stream.copyErr = err
		}
		_ = stdoutW.CloseWithError(io.EOF)
		_ = stderrW.CloseWithError(io.EOF)
		attach.Close()
	}()

	return stream
}

func (s *dockerExecStream) Stdout() io.Reader { return s.stdoutR }
func (s *dockerExecStream) Stderr() io.Reader { return s.stderrR }

// Wait blocks until the exec finishes and returns its exit code.
func (s *dockerExecStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.copyDone:
	}
	if s.copyErr != nil {
		return -1, fmt.Errorf("read exec output: %w", s.copyErr)
	}
	inspect, err := s.cli.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", s.execID, err)
	}
	return inspect.ExitCode, nil
}

func (s *dockerExecStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdoutR.Close()
		_ = s.stderrR.Close()
	})
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
