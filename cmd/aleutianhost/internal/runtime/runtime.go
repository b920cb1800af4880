// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package runtime abstracts the container runtime behind a mockable interface.

All interaction with the docker CLI goes through Manager. Nothing else in the
codebase is allowed to call exec.Command against docker directly; this is the
single seam that lets every orchestration component be unit tested without a
running daemon.

# Design Rationale

The orchestrator only needs a narrow slice of the runtime surface: container
lifecycle, network lifecycle, address lookup, and in-container exec. Keeping
the interface narrow keeps mocks honest and makes it obvious which runtime
capabilities the deployment pipeline actually depends on.
*/
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrRuntimeUnavailable is returned when the docker daemon cannot be
	// reached at all. Callers must treat this as fatal and never retry.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrContainerNotFound is returned when a named container does not exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrNetworkNotFound is returned when a named network does not exist.
	ErrNetworkNotFound = errors.New("network not found")

	// ErrNoAddress is returned when a container has no address on the
	// requested network.
	ErrNoAddress = errors.New("container has no address on network")
)

// =============================================================================
// Types
// =============================================================================

// ContainerState describes the lifecycle state of a named container.
type ContainerState int

const (
	// StateAbsent means no container with the given name exists.
	StateAbsent ContainerState = iota

	// StateStopped means the container exists but is not running.
	StateStopped

	// StateRunning means the container exists and is running.
	StateRunning
)

// String returns the human-readable name of the state.
func (s ContainerState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ContainerSpec describes a container to be created and started.
//
// # Description
//
// The spec is deliberately minimal: one primary network at creation time
// (docker run accepts a single --network), with additional memberships added
// afterwards via ConnectNetwork. Mounts and env are passed through verbatim.
type ContainerSpec struct {
	// Name is the container name. Required, must be unique.
	Name string

	// Image is the image reference to run. Required.
	Image string

	// Network is the primary network joined at creation. Optional.
	Network string

	// Env contains environment variables for the container.
	Env map[string]string

	// Mounts maps host paths to container paths (read-write bind mounts).
	Mounts map[string]string

	// Ports contains publish specs in docker -p syntax ("8443:443").
	Ports []string

	// Labels are applied to the container for later filtering.
	Labels map[string]string

	// Restart is the restart policy ("unless-stopped" for fleet members).
	Restart string
}

// ExecResult carries the outcome of an in-container command.
type ExecResult struct {
	// ExitCode is the command's exit code (-1 if unknown).
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error (trimmed).
	Stderr string
}

// =============================================================================
// Interface Definition
// =============================================================================

// Manager handles container runtime operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context; long-running operations must respect
// cancellation.
type Manager interface {
	// Ping verifies the runtime daemon is reachable.
	//
	// Returns ErrRuntimeUnavailable (possibly wrapped) when it is not.
	// Every orchestration entry point calls this first so that a dead
	// daemon surfaces as a single unambiguous failure mode.
	Ping(ctx context.Context) error

	// ContainerState reports whether a named container is absent, stopped,
	// or running. A missing container is StateAbsent, not an error.
	ContainerState(ctx context.Context, name string) (ContainerState, error)

	// ContainerAddress returns the container's IP address on the named
	// network. Returns ErrNoAddress if the container is not attached to it.
	ContainerAddress(ctx context.Context, name, network string) (string, error)

	// RunContainer creates and starts a container from the spec.
	RunContainer(ctx context.Context, spec ContainerSpec) error

	// StartContainer starts an existing stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container, waiting up to graceful for
	// it to exit before the runtime escalates to SIGKILL.
	StopContainer(ctx context.Context, name string, graceful time.Duration) error

	// RemoveContainer removes a container. With force it removes running
	// containers too. Removing an absent container is not an error.
	RemoveContainer(ctx context.Context, name string, force bool) error

	// NetworkExists reports whether a named network exists.
	NetworkExists(ctx context.Context, name string) (bool, error)

	// CreateNetwork creates a bridge network. With internal set, containers
	// on the network get no external connectivity.
	CreateNetwork(ctx context.Context, name string, internal bool) error

	// RemoveNetwork deletes a network. Removing an absent network is not
	// an error.
	RemoveNetwork(ctx context.Context, name string) error

	// ConnectNetwork attaches a container to an additional network.
	ConnectNetwork(ctx context.Context, network, container string) error

	// Exec runs a command inside a running container and returns its
	// output and exit code. A non-zero exit code is reported in the result,
	// not as an error; errors mean the exec itself could not run.
	Exec(ctx context.Context, container string, cmd ...string) (*ExecResult, error)

	// Signal sends a named signal ("HUP", "QUIT") to a container's main
	// process.
	Signal(ctx context.Context, container, signal string) error
}

// =============================================================================
// Default Implementation
// =============================================================================

// DockerManager implements Manager against the docker CLI.
//
// This is the production implementation. Use MockManager in tests.
type DockerManager struct {
	// binary is the runtime CLI name, "docker" unless overridden.
	binary string

	// callTimeout caps each individual CLI invocation, independent of the
	// caller's broader deadline. A hung daemon otherwise eats the whole
	// deployment budget on one call.
	callTimeout time.Duration
}

// NewDockerManager creates a Manager that drives the docker CLI.
func NewDockerManager() *DockerManager {
	return &DockerManager{binary: "docker", callTimeout: 60 * time.Second}
}

// SetCallTimeout overrides the per-invocation ceiling.
func (m *DockerManager) SetCallTimeout(d time.Duration) {
	if d > 0 {
		m.callTimeout = d
	}
}

// run executes a docker subcommand and returns trimmed stdout.
func (m *DockerManager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isDaemonDown(msg) {
			return "", fmt.Errorf("%w: %s", ErrRuntimeUnavailable, msg)
		}
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", m.binary, args[0], err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", m.binary, args[0], err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// isDaemonDown recognizes stderr patterns that mean the daemon itself is
// unreachable rather than the specific operation having failed.
func isDaemonDown(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "cannot connect to the docker daemon") ||
		strings.Contains(lower, "is the docker daemon running") ||
		strings.Contains(lower, "error during connect")
}

// Ping verifies the runtime daemon is reachable.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.run(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// ContainerState reports whether a named container is absent, stopped, or running.
func (m *DockerManager) ContainerState(ctx context.Context, name string) (ContainerState, error) {
	out, err := m.run(ctx, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			return StateAbsent, err
		}
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return StateAbsent, nil
		}
		return StateAbsent, err
	}
	if out == "true" {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// ContainerAddress returns the container's IP on the named network.
func (m *DockerManager) ContainerAddress(ctx context.Context, name, network string) (string, error) {
	format := fmt.Sprintf("{{with index .NetworkSettings.Networks %q}}{{.IPAddress}}{{end}}", network)
	out, err := m.run(ctx, "inspect", "--format", format, name)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return "", fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%w: %s on %s", ErrNoAddress, name, network)
	}
	return out, nil
}

// RunContainer creates and starts a container from the spec.
func (m *DockerManager) RunContainer(ctx context.Context, spec ContainerSpec) error {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for host, cont := range spec.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s", host, cont))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image)

	_, err := m.run(ctx, args...)
	return err
}

// StartContainer starts an existing stopped container.
func (m *DockerManager) StartContainer(ctx context.Context, name string) error {
	_, err := m.run(ctx, "start", name)
	return err
}

// StopContainer stops a running container with a graceful timeout.
func (m *DockerManager) StopContainer(ctx context.Context, name string, graceful time.Duration) error {
	secs := int(graceful.Seconds())
	if secs < 0 {
		secs = 0
	}
	_, err := m.run(ctx, "stop", "-t", fmt.Sprintf("%d", secs), name)
	return err
}

// RemoveContainer removes a container; absent containers are ignored.
func (m *DockerManager) RemoveContainer(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	if _, err := m.run(ctx, args...); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return nil
		}
		return err
	}
	return nil
}

// NetworkExists reports whether a named network exists.
func (m *DockerManager) NetworkExists(ctx context.Context, name string) (bool, error) {
	out, err := m.run(ctx, "network", "ls", "--filter", fmt.Sprintf("name=^%s$", name), "--format", "{{.Name}}")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateNetwork creates a bridge network, optionally internal.
func (m *DockerManager) CreateNetwork(ctx context.Context, name string, internal bool) error {
	args := []string{"network", "create", "--driver", "bridge"}
	if internal {
		args = append(args, "--internal")
	}
	args = append(args, name)
	_, err := m.run(ctx, args...)
	return err
}

// RemoveNetwork deletes a network; absent networks are ignored.
func (m *DockerManager) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := m.run(ctx, "network", "rm", name); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil
		}
		return err
	}
	return nil
}

// ConnectNetwork attaches a container to an additional network.
func (m *DockerManager) ConnectNetwork(ctx context.Context, network, container string) error {
	if _, err := m.run(ctx, "network", "connect", network, container); err != nil {
		// Already attached is fine; dual joins must be idempotent so a
		// retried deployment does not trip over its own progress.
		if strings.Contains(strings.ToLower(err.Error()), "already exists in network") {
			return nil
		}
		return err
	}
	return nil
}

// Exec runs a command inside a running container.
func (m *DockerManager) Exec(ctx context.Context, container string, cmdArgs ...string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	args := append([]string{"exec", container}, cmdArgs...)
	cmd := exec.CommandContext(ctx, m.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if isDaemonDown(result.Stderr) {
			return result, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, result.Stderr)
		}
		return result, fmt.Errorf("exec in %s: %w", container, err)
	}

	return result, nil
}

// Signal sends a named signal to a container's main process.
func (m *DockerManager) Signal(ctx context.Context, container, signal string) error {
	_, err := m.run(ctx, "kill", "-s", signal, container)
	return err
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. Unset fields
// return zero values rather than panicking, so simple tests only wire the
// calls they care about. All invocations are recorded in Calls.
type MockManager struct {
	PingFunc             func(ctx context.Context) error
	ContainerStateFunc   func(ctx context.Context, name string) (ContainerState, error)
	ContainerAddressFunc func(ctx context.Context, name, network string) (string, error)
	RunContainerFunc     func(ctx context.Context, spec ContainerSpec) error
	StartContainerFunc   func(ctx context.Context, name string) error
	StopContainerFunc    func(ctx context.Context, name string, graceful time.Duration) error
	RemoveContainerFunc  func(ctx context.Context, name string, force bool) error
	NetworkExistsFunc    func(ctx context.Context, name string) (bool, error)
	CreateNetworkFunc    func(ctx context.Context, name string, internal bool) error
	RemoveNetworkFunc    func(ctx context.Context, name string) error
	ConnectNetworkFunc   func(ctx context.Context, network, container string) error
	ExecFunc             func(ctx context.Context, container string, cmd ...string) (*ExecResult, error)
	SignalFunc           func(ctx context.Context, container, signal string) error

	// Calls records all method invocations for verification.
	Calls []ManagerCall

	mu sync.Mutex
}

// ManagerCall records a single method invocation.
type ManagerCall struct {
	Method string
	Args   []string
}

func (m *MockManager) record(method string, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ManagerCall{Method: method, Args: args})
}

// CallsTo returns the recorded calls for one method.
func (m *MockManager) CallsTo(method string) []ManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ManagerCall
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Ping delegates to PingFunc.
func (m *MockManager) Ping(ctx context.Context) error {
	m.record("Ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// ContainerState delegates to ContainerStateFunc.
func (m *MockManager) ContainerState(ctx context.Context, name string) (ContainerState, error) {
	m.record("ContainerState", name)
	if m.ContainerStateFunc != nil {
		return m.ContainerStateFunc(ctx, name)
	}
	return StateAbsent, nil
}

// ContainerAddress delegates to ContainerAddressFunc.
func (m *MockManager) ContainerAddress(ctx context.Context, name, network string) (string, error) {
	m.record("ContainerAddress", name, network)
	if m.ContainerAddressFunc != nil {
		return m.ContainerAddressFunc(ctx, name, network)
	}
	return "", ErrNoAddress
}

// RunContainer delegates to RunContainerFunc.
func (m *MockManager) RunContainer(ctx context.Context, spec ContainerSpec) error {
	m.record("RunContainer", spec.Name, spec.Image, spec.Network)
	if m.RunContainerFunc != nil {
		return m.RunContainerFunc(ctx, spec)
	}
	return nil
}

// StartContainer delegates to StartContainerFunc.
func (m *MockManager) StartContainer(ctx context.Context, name string) error {
	m.record("StartContainer", name)
	if m.StartContainerFunc != nil {
		return m.StartContainerFunc(ctx, name)
	}
	return nil
}

// StopContainer delegates to StopContainerFunc.
func (m *MockManager) StopContainer(ctx context.Context, name string, graceful time.Duration) error {
	m.record("StopContainer", name)
	if m.StopContainerFunc != nil {
		return m.StopContainerFunc(ctx, name, graceful)
	}
	return nil
}

// RemoveContainer delegates to RemoveContainerFunc.
func (m *MockManager) RemoveContainer(ctx context.Context, name string, force bool) error {
	m.record("RemoveContainer", name)
	if m.RemoveContainerFunc != nil {
		return m.RemoveContainerFunc(ctx, name, force)
	}
	return nil
}

// NetworkExists delegates to NetworkExistsFunc.
func (m *MockManager) NetworkExists(ctx context.Context, name string) (bool, error) {
	m.record("NetworkExists", name)
	if m.NetworkExistsFunc != nil {
		return m.NetworkExistsFunc(ctx, name)
	}
	return false, nil
}

// CreateNetwork delegates to CreateNetworkFunc.
func (m *MockManager) CreateNetwork(ctx context.Context, name string, internal bool) error {
	m.record("CreateNetwork", name, fmt.Sprintf("internal=%t", internal))
	if m.CreateNetworkFunc != nil {
		return m.CreateNetworkFunc(ctx, name, internal)
	}
	return nil
}

// RemoveNetwork delegates to RemoveNetworkFunc.
func (m *MockManager) RemoveNetwork(ctx context.Context, name string) error {
	m.record("RemoveNetwork", name)
	if m.RemoveNetworkFunc != nil {
		return m.RemoveNetworkFunc(ctx, name)
	}
	return nil
}

// ConnectNetwork delegates to ConnectNetworkFunc.
func (m *MockManager) ConnectNetwork(ctx context.Context, network, container string) error {
	m.record("ConnectNetwork", network, container)
	if m.ConnectNetworkFunc != nil {
		return m.ConnectNetworkFunc(ctx, network, container)
	}
	return nil
}

// Exec delegates to ExecFunc.
func (m *MockManager) Exec(ctx context.Context, container string, cmd ...string) (*ExecResult, error) {
	m.record("Exec", append([]string{container}, cmd...)...)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, container, cmd...)
	}
	return &ExecResult{ExitCode: 0}, nil
}

// Signal delegates to SignalFunc.
func (m *MockManager) Signal(ctx context.Context, container, signal string) error {
	m.record("Signal", container, signal)
	if m.SignalFunc != nil {
		return m.SignalFunc(ctx, container, signal)
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ Manager = (*DockerManager)(nil)
	_ Manager = (*MockManager)(nil)
)
