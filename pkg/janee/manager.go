// Package janee supervises the credential-proxy side-car. The side-car
// brokers authenticated outbound API calls for creatures; the orchestrator
// spawns it, hands it a shared runner key, watches its health endpoint and
// restarts it with backoff when it dies.
package janee

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// healthWaitAttempts x healthWaitInterval bounds the startup wait for
	// the side-car's /health endpoint.
	healthWaitAttempts = 15
	healthWaitInterval = time.Second

	// Restart policy after an unexpected exit.
	restartInitialBackoff = time.Second
	restartMaxBackoff     = 30 * time.Second
	maxRestartAttempts    = 5

	healthTimeout = 3 * time.Second

	binaryName  = "janee"
	keyFileName = "runner.key"
)

// Manager owns the side-car process lifecycle.
type Manager struct {
	home        string
	port        int
	keyOverride string
	logger      *slog.Logger
	http        *http.Client

	mu        sync.Mutex
	cmd       *exec.Cmd
	runnerKey string
	enabled   bool
	stopping  bool
}

// New creates a manager rooted at the side-car's home directory. keyOverride,
// when non-empty, replaces the generated runner key.
func New(home string, port int, keyOverride string) *Manager {
	return &Manager{
		home:        home,
		port:        port,
		keyOverride: keyOverride,
		logger:      slog.With("component", "janee"),
		http:        &http.Client{Timeout: healthTimeout},
	}
}

// Start spawns the side-car if its config file exists. A missing config
// disables the side-car entirely; that is not an error.
func (m *Manager) Start(ctx context.Context) error {
	configPath := filepath.Join(m.home, "config.json")
	if _, err := os.Stat(configPath); err != nil {
		m.logger.Info("Side-car config not found, credential proxy disabled", "path", configPath)
		return nil
	}

	key, err := m.loadOrGenerateKey()
	if err != nil {
		return fmt.Errorf("janee runner key: %w", err)
	}

	m.mu.Lock()
	m.enabled = true
	m.runnerKey = key
	m.mu.Unlock()

	if err := m.spawn(); err != nil {
		return fmt.Errorf("spawn janee: %w", err)
	}
	if err := m.waitHealthy(ctx); err != nil {
		return err
	}
	m.logger.Info("Credential proxy started", "port", m.port)
	return nil
}

// Enabled reports whether the side-car is configured on this host.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// RunnerKey returns the shared key creatures use to authenticate to the
// side-car. Empty when the side-car is disabled.
func (m *Manager) RunnerKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runnerKey
}

// AuthorityURL is the side-car address reachable from inside containers.
func (m *Manager) AuthorityURL() string {
	return fmt.Sprintf("http://host.docker.internal:%d", m.port)
}

// LocalURL is the side-car address from the orchestrator's own network view.
func (m *Manager) LocalURL() string {
	return fmt.Sprintf("http://localhost:%d", m.port)
}

// CheckHealth probes the side-car health endpoint. Used by the health
// monitor.
func (m *Manager) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.LocalURL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// StopJanee disables auto-restart and terminates the side-car.
func (m *Manager) StopJanee() {
	m.mu.Lock()
	m.stopping = true
	cmd := m.cmd
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		m.logger.Info("Stopping credential proxy")
		_ = cmd.Process.Signal(os.Interrupt)
	}
}

// loadOrGenerateKey resolves the runner key: explicit override, existing
// key file, or a freshly generated 32-byte hex key persisted with 0600.
func (m *Manager) loadOrGenerateKey() (string, error) {
	if m.keyOverride != "" {
		return m.keyOverride, nil
	}

	keyPath := filepath.Join(m.home, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := hex.EncodeToString(raw)
	if err := os.WriteFile(keyPath, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist key file: %w", err)
	}
	return key, nil
}

// spawn launches the side-car process and begins watching for its exit.
func (m *Manager) spawn() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := exec.Command(binaryName, "serve", "--port", strconv.Itoa(m.port))
	cmd.Dir = m.home
	cmd.Env = append(os.Environ(),
		"JANEE_HOME="+m.home,
		"JANEE_RUNNER_KEY="+m.runnerKey,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}
	m.cmd = cmd

	go m.superviseExit(cmd)
	return nil
}

// superviseExit waits for the process to die and drives the restart loop:
// exponential backoff from 1s doubling to a 30s cap, at most 5 attempts.
// A busy listen port reschedules the attempt without consuming one.
func (m *Manager) superviseExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		m.logger.Info("Credential proxy exited after stop request")
		return
	}

	m.logger.Warn("Credential proxy exited unexpectedly", "error", err)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitialBackoff
	bo.MaxInterval = restartMaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	for attempts < maxRestartAttempts {
		delay := bo.NextBackOff()
		time.Sleep(delay)

		m.mu.Lock()
		stopping := m.stopping
		m.mu.Unlock()
		if stopping {
			return
		}

		if m.portBusy() {
			// Another process still holds the port (often the previous
			// instance shutting down). Retry without counting the attempt.
			m.logger.Warn("Side-car port busy, rescheduling restart", "port", m.port)
			continue
		}

		attempts++
		m.logger.Info("Restarting credential proxy", "attempt", attempts, "delay", delay)
		if err := m.spawn(); err != nil {
			m.logger.Warn("Credential proxy restart failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}

	m.logger.Error("Credential proxy restart attempts exhausted, giving up",
		"attempts", maxRestartAttempts)
}

// portBusy reports whether the side-car's listen port is already taken.
func (m *Manager) portBusy() bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// waitHealthy polls /health until it answers ok or the startup window runs
// out.
func (m *Manager) waitHealthy(ctx context.Context) error {
	for i := 0; i < healthWaitAttempts; i++ {
		if err := m.CheckHealth(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthWaitInterval):
		}
	}
	return fmt.Errorf("janee did not become healthy within %s",
		time.Duration(healthWaitAttempts)*healthWaitInterval)
}
