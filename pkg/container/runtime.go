// Package container is the seam between supervisors and the container
// engine. The engine is driven through its CLI; no HTTP API is assumed.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ErrUnavailable marks the container engine itself as unreachable. The
// supervisor treats this as an environment problem, not a creature failure.
var ErrUnavailable = errors.New("container runtime unavailable")

// ContainerPort is the fixed port creatures listen on inside the sandbox.
const ContainerPort = 4321

// Per-operation CLI timeouts.
const (
	quickTimeout  = 5 * time.Second
	stopTimeout   = 30 * time.Second
	createTimeout = 30 * time.Second
)

// Spec describes a creature sandbox to create.
type Spec struct {
	Name     string
	Image    string
	HostPort int

	CPUs   float64
	Memory string

	// BindSource is mounted at /creature inside the sandbox. When the
	// orchestrator itself is containerized this must be the host-side path.
	BindSource string
	// CacheVolume is a named volume for package caches, preserved across
	// recreates.
	CacheVolume string

	Env map[string]string
}

// State is the engine's view of a container.
type State struct {
	Exists  bool
	Running bool
	Status  string
}

// Runtime abstracts the container engine. CLIRuntime is the real
// implementation; tests use a fake.
type Runtime interface {
	// Available probes the engine itself.
	Available(ctx context.Context) error
	Create(ctx context.Context, spec Spec) error
	Start(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Wait(ctx context.Context, name string) error
	State(ctx context.Context, name string) (State, error)
	// StreamLogs follows the container's output; the returned reader stays
	// open until the container exits or ctx is cancelled.
	StreamLogs(ctx context.Context, name string) (io.ReadCloser, error)
}

// CLIRuntime drives the docker CLI.
type CLIRuntime struct {
	binary string
}

// NewCLIRuntime returns a runtime using the docker binary on PATH.
func NewCLIRuntime() *CLIRuntime {
	return &CLIRuntime{binary: "docker"}
}

func (r *CLIRuntime) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", r.binary, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Available runs `docker version`; any failure means the engine is down.
func (r *CLIRuntime) Available(ctx context.Context) error {
	if _, err := r.run(ctx, quickTimeout, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Create builds and runs a detached container from the spec.
func (r *CLIRuntime) Create(ctx context.Context, spec Spec) error {
	_, err := r.run(ctx, createTimeout, createArgs(spec)...)
	return err
}

func createArgs(spec Spec) []string {
	args := []string{
		"run", "-d", "--init",
		"--name", spec.Name,
		"--cpus", fmt.Sprintf("%g", spec.CPUs),
		"--memory", spec.Memory,
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, ContainerPort),
		"-v", fmt.Sprintf("%s:/creature", spec.BindSource),
		"--add-host", "host.docker.internal:host-gateway",
	}
	if spec.CacheVolume != "" {
		args = append(args, "-v", spec.CacheVolume+":/cache")
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	return append(args, spec.Image)
}

func (r *CLIRuntime) Start(ctx context.Context, name string) error {
	_, err := r.run(ctx, stopTimeout, "start", name)
	return err
}

func (r *CLIRuntime) Restart(ctx context.Context, name string) error {
	_, err := r.run(ctx, stopTimeout, "restart", name)
	return err
}

func (r *CLIRuntime) Stop(ctx context.Context, name string) error {
	_, err := r.run(ctx, stopTimeout, "stop", name)
	return err
}

func (r *CLIRuntime) Kill(ctx context.Context, name string) error {
	_, err := r.run(ctx, quickTimeout, "kill", name)
	return err
}

func (r *CLIRuntime) Remove(ctx context.Context, name string) error {
	_, err := r.run(ctx, quickTimeout, "rm", "-f", name)
	return err
}

// Wait blocks until the container exits. Unlike the other operations it
// carries no timeout: the caller's ctx bounds it.
func (r *CLIRuntime) Wait(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, r.binary, "wait", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s wait: %w: %s", r.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// State inspects the container. A missing container is not an error.
func (r *CLIRuntime) State(ctx context.Context, name string) (State, error) {
	out, err := r.run(ctx, quickTimeout, "inspect", "--format", "{{.State.Running}} {{.State.Status}}", name)
	if err != nil {
		if strings.Contains(out, "No such object") || strings.Contains(err.Error(), "No such object") {
			return State{}, nil
		}
		return State{}, err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	st := State{Exists: true}
	if len(fields) >= 1 {
		st.Running = fields[0] == "true"
	}
	if len(fields) >= 2 {
		st.Status = fields[1]
	}
	return st, nil
}

// StreamLogs follows new output from the container.
func (r *CLIRuntime) StreamLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, r.binary, "logs", "-f", "--tail", "0", name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &logStream{ReadCloser: stdout, cmd: cmd}, nil
}

// logStream ties the reader's lifetime to the follower process.
type logStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (l *logStream) Close() error {
	err := l.ReadCloser.Close()
	if l.cmd.Process != nil {
		_ = l.cmd.Process.Kill()
	}
	_ = l.cmd.Wait()
	return err
}
