// Package testcore manages the throwaway multi-inbound engine process used
// for health probing. One orchestrator owns at most one session: a single
// engine subprocess, its temp config file, and the server-id to local-proxy
// address map.
package testcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corelink-dev/corelink/internal/engine"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

// State of the session lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const (
	readyPollInterval = 250 * time.Millisecond
	readyTimeout      = 10 * time.Second
	stopGraceful      = 3 * time.Second
)

var binaryCandidates = map[string][]string{
	engine.CoreSingBox: {"sing-box", "./sing-box", "/usr/local/bin/sing-box", "/usr/bin/sing-box"},
	engine.CoreXray:    {"xray", "./xray", "/usr/local/bin/xray", "/usr/bin/xray"},
}

// Orchestrator runs the test engine subprocess. Start/Stop/ProxyAddress are
// safe for concurrent use; only one session exists at a time.
type Orchestrator struct {
	logger *slog.Logger

	// lookPath is swappable in tests.
	lookPath func(file string) (string, error)

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	exited     chan struct{}
	exitErr    error
	output     syncBuffer
	configPath string
	ports      map[string]int
}

// syncBuffer serializes the exec copy goroutines' writes against reads on the
// startup failure path, where the engine process may still be alive.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// New creates a stopped orchestrator.
func New(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:   logger,
		lookPath: exec.LookPath,
		state:    StateStopped,
	}
}

// Start spins up an engine instance with one local inbound per candidate
// server at deterministic ports. It is a no-op returning true while a session
// is already running. Any startup failure triggers full teardown and returns
// false.
func (o *Orchestrator) Start(servers []*server.Record, st settings.Settings) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning {
		return true
	}
	if len(servers) == 0 {
		return false
	}
	o.state = StateStarting

	ports := make(map[string]int, len(servers))
	for i, rec := range servers {
		ports[rec.ID] = engine.TestBasePort + i
	}

	gen := engine.ForCore(st.ActiveCore)
	doc, err := gen.GenerateTestConfig(servers, st)
	if err != nil || !json.Valid(doc) {
		o.logger.Error("test config generation failed", "core", gen.Name(), "error", err)
		o.state = StateStopped
		return false
	}

	file, err := os.CreateTemp("", "corelink-test-*.json")
	if err != nil {
		o.logger.Error("create temp config failed", "error", err)
		o.state = StateStopped
		return false
	}
	if _, err := file.Write(doc); err != nil {
		file.Close()
		os.Remove(file.Name())
		o.logger.Error("write temp config failed", "error", err)
		o.state = StateStopped
		return false
	}
	file.Close()
	o.configPath = file.Name()

	binary, err := o.resolveBinary(gen.Name(), st)
	if err != nil {
		o.logger.Error("engine binary not found", "core", gen.Name(), "error", err)
		o.teardownLocked()
		return false
	}

	o.output.Reset()
	cmd := exec.Command(binary, "run", "-c", o.configPath)
	cmd.Stdout = &o.output
	cmd.Stderr = &o.output
	if err := cmd.Start(); err != nil {
		o.logger.Error("engine spawn failed", "binary", binary, "error", err)
		o.teardownLocked()
		return false
	}
	o.cmd = cmd
	o.exited = make(chan struct{})
	go func(done chan struct{}) {
		o.exitErr = cmd.Wait()
		close(done)
	}(o.exited)

	if err := o.waitReady(engine.TestBasePort); err != nil {
		o.logger.Error("engine not ready", "core", gen.Name(), "error", err,
			"output", strings.TrimSpace(o.output.String()))
		o.teardownLocked()
		return false
	}

	o.ports = ports
	o.state = StateRunning
	o.logger.Info("test session started", "core", gen.Name(), "servers", len(servers))
	return true
}

// Stop tears the session down. Graceful terminate first, forced kill if that
// does not complete in time; the temp config file is always removed
// best-effort. Safe to call in any state.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateStopped {
		// Still clear a leftover config file from a failed start.
		o.removeConfigLocked()
		return
	}
	o.state = StateStopping
	o.teardownLocked()
}

// ProxyAddress returns the local proxy address for a server id, or "" when
// the server is not part of the current session or no session is active.
func (o *Orchestrator) ProxyAddress(serverID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning {
		return ""
	}
	port, ok := o.ports[serverID]
	if !ok {
		return ""
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// Covers reports whether the running session maps exactly the given server
// ids. A stopped session covers nothing.
func (o *Orchestrator) Covers(ids []string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning || len(o.ports) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := o.ports[id]; !ok {
			return false
		}
	}
	return true
}

// Running reports whether a session is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateRunning
}

func (o *Orchestrator) resolveBinary(core string, st settings.Settings) (string, error) {
	override := st.SingBoxPath
	if core == engine.CoreXray {
		override = st.XrayPath
	}
	if override != "" {
		return override, nil
	}
	for _, candidate := range binaryCandidates[core] {
		if path, err := o.lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no %s binary in PATH", core)
}

// waitReady polls the first inbound's TCP port until it accepts, the process
// exits, or the budget runs out.
func (o *Orchestrator) waitReady(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(readyPollInterval),
		uint64(readyTimeout/readyPollInterval),
	)

	return backoff.Retry(func() error {
		select {
		case <-o.exited:
			return backoff.Permanent(fmt.Errorf("engine exited early: %v", o.exitErr))
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}, policy)
}

func (o *Orchestrator) teardownLocked() {
	if o.cmd != nil && o.cmd.Process != nil {
		done := o.exited
		if err := o.cmd.Process.Signal(os.Interrupt); err != nil {
			o.cmd.Process.Kill()
		}
		select {
		case <-done:
		case <-time.After(stopGraceful):
			o.cmd.Process.Kill()
			<-done
		}
	}
	o.cmd = nil
	o.exited = nil
	o.ports = nil
	o.removeConfigLocked()
	o.state = StateStopped
}

func (o *Orchestrator) removeConfigLocked() {
	if o.configPath != "" {
		if err := os.Remove(o.configPath); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("temp config cleanup failed", "path", o.configPath, "error", err)
		}
		o.configPath = ""
	}
}
