package container

import (
	"context"
	"io"
	"strings"
	"sync"
)

// FakeRuntime is an in-memory Runtime used by supervisor and fleet tests.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	calls      []string

	// AvailableErr makes Available (and every operation) fail, simulating
	// a dead engine.
	AvailableErr error
	// CreateErr fails the next Create call.
	CreateErr error
}

type fakeContainer struct {
	spec    Spec
	running bool
	exited  chan struct{}
}

func (c *fakeContainer) markRunning() {
	c.running = true
	c.exited = make(chan struct{})
}

func (c *fakeContainer) markExited() {
	if !c.running {
		return
	}
	c.running = false
	close(c.exited)
}

// NewFakeRuntime returns an empty fake engine.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: map[string]*fakeContainer{}}
}

// Calls returns the operations performed, as "op name" strings.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts calls of one operation.
func (f *FakeRuntime) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op) {
			n++
		}
	}
	return n
}

// Seed installs a pre-existing container, optionally running, to exercise
// the reconnect paths.
func (f *FakeRuntime) Seed(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeContainer{spec: Spec{Name: name}, exited: make(chan struct{})}
	if running {
		c.markRunning()
	} else {
		close(c.exited)
	}
	f.containers[name] = c
}

// SetAvailableErr flips the engine dead or alive mid-test.
func (f *FakeRuntime) SetAvailableErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AvailableErr = err
}

// Exit simulates the container process dying on its own.
func (f *FakeRuntime) Exit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.markExited()
	}
}

// SpecFor returns the spec the container was created with.
func (f *FakeRuntime) SpecFor(name string) (Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return Spec{}, false
	}
	return c.spec, true
}

func (f *FakeRuntime) record(op, name string) {
	f.calls = append(f.calls, op+" "+name)
}

func (f *FakeRuntime) Available(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("available", "")
	return f.AvailableErr
}

func (f *FakeRuntime) Create(ctx context.Context, spec Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", spec.Name)
	if f.AvailableErr != nil {
		return f.AvailableErr
	}
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return err
	}
	c := &fakeContainer{spec: spec}
	c.markRunning()
	f.containers[spec.Name] = c
	return nil
}

func (f *FakeRuntime) setRunning(op, name string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(op, name)
	if f.AvailableErr != nil {
		return f.AvailableErr
	}
	if c, ok := f.containers[name]; ok {
		if running {
			c.markRunning()
		} else {
			c.markExited()
		}
	}
	return nil
}

func (f *FakeRuntime) Start(ctx context.Context, name string) error {
	return f.setRunning("start", name, true)
}

func (f *FakeRuntime) Restart(ctx context.Context, name string) error {
	return f.setRunning("restart", name, true)
}

func (f *FakeRuntime) Stop(ctx context.Context, name string) error {
	return f.setRunning("stop", name, false)
}

func (f *FakeRuntime) Kill(ctx context.Context, name string) error {
	return f.setRunning("kill", name, false)
}

func (f *FakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", name)
	if c, ok := f.containers[name]; ok {
		c.markExited()
	}
	delete(f.containers, name)
	return nil
}

// Wait blocks until the container exits, like `docker wait`.
func (f *FakeRuntime) Wait(ctx context.Context, name string) error {
	f.mu.Lock()
	f.record("wait", name)
	c, ok := f.containers[name]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return nil
	}
}

func (f *FakeRuntime) State(ctx context.Context, name string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("state", name)
	if f.AvailableErr != nil {
		return State{}, f.AvailableErr
	}
	c, ok := f.containers[name]
	if !ok {
		return State{}, nil
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return State{Exists: true, Running: c.running, Status: status}, nil
}

func (f *FakeRuntime) StreamLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs", name)
	return io.NopCloser(strings.NewReader("")), nil
}
