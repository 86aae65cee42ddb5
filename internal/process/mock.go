package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// mockFirstPID keeps fake pids clear of anything that looks like a real system process.
const mockFirstPID = 10000

// Behavior scripts how a mock process reacts. The zero value is a well-behaved
// process that runs until terminated.
type Behavior struct {
	SpawnErr        error
	IgnoreTerminate bool
	// IgnoreKill makes the process survive ForceKill as well.
	IgnoreKill bool
	// ExitAfter > 0 makes the process exit on its own with ExitCode.
	ExitAfter time.Duration
	ExitCode  int
	// Lines replaces the default startup output.
	Lines []string
}

// Mock fakes wstunnel processes in memory.
type Mock struct {
	nextPID atomic.Int64

	mu        sync.Mutex
	behaviors map[string]Behavior
	latest    map[string]*mockHandle
	spawns    map[string]int
	live      map[*mockHandle]struct{}
}

func NewMock() *Mock {
	m := &Mock{
		behaviors: make(map[string]Behavior),
		latest:    make(map[string]*mockHandle),
		spawns:    make(map[string]int),
		live:      make(map[*mockHandle]struct{}),
	}
	m.nextPID.Store(mockFirstPID - 1)
	return m
}

// SetBehavior scripts every future spawn of the given tunnel id.
func (m *Mock) SetBehavior(tunnelID string, b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[tunnelID] = b
}

// Spawns returns how many times the tunnel was spawned successfully.
func (m *Mock) Spawns(tunnelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawns[tunnelID]
}

// Live returns the number of mock processes that have not exited.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Exit makes the latest process of a tunnel exit with code. It returns false if
// there is no such process or it already exited.
func (m *Mock) Exit(tunnelID string, code int) bool {
	m.mu.Lock()
	h := m.latest[tunnelID]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return m.finish(h, ExitStatus{Code: code})
}

type mockHandle struct {
	tunnelID string
	pid      int
	behavior Behavior
	lines    chan Line
	done     chan struct{}

	mu     sync.Mutex
	status ExitStatus
	exited bool
	timer  *time.Timer
}

func (h *mockHandle) PID() int              { return h.pid }
func (h *mockHandle) Output() <-chan Line   { return h.lines }
func (h *mockHandle) Done() <-chan struct{} { return h.done }

func (m *Mock) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	b := m.behaviors[spec.TunnelID]
	m.mu.Unlock()
	if b.SpawnErr != nil {
		return nil, classifySpawnError(spec.Binary, b.SpawnErr)
	}
	args, err := BuildArgs(spec.Mode, spec.CLIArgs)
	if err != nil {
		return nil, &SpawnError{Kind: SpawnInvalidArgs, Err: err}
	}

	text := b.Lines
	if text == nil {
		text = []string{
			fmt.Sprintf("mock wstunnel %s starting", spec.Mode),
			fmt.Sprintf("args: %d tokens", len(args)),
			"tunnel ready",
		}
	}
	h := &mockHandle{
		tunnelID: spec.TunnelID,
		pid:      int(m.nextPID.Add(1)),
		behavior: b,
		lines:    make(chan Line, len(text)),
		done:     make(chan struct{}),
	}
	source := SourceStdout
	if spec.UsePTY {
		source = SourcePTY
	}
	now := time.Now()
	for _, t := range text {
		h.lines <- Line{Source: source, Text: t, At: now}
	}

	m.mu.Lock()
	m.latest[spec.TunnelID] = h
	m.spawns[spec.TunnelID]++
	m.live[h] = struct{}{}
	m.mu.Unlock()

	if b.ExitAfter > 0 {
		h.mu.Lock()
		h.timer = time.AfterFunc(b.ExitAfter, func() {
			m.finish(h, ExitStatus{Code: b.ExitCode})
		})
		h.mu.Unlock()
	}
	return h, nil
}

func (m *Mock) finish(h *mockHandle, status ExitStatus) bool {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return false
	}
	h.exited = true
	h.status = status
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.live, h)
	m.mu.Unlock()

	close(h.lines)
	close(h.done)
	return true
}

// Binary never touches the filesystem; mock runs need no wstunnel install.
func (m *Mock) Binary(flagPath, configured string) (string, error) {
	for _, p := range []string{flagPath, configured} {
		if p = strings.TrimSpace(p); p != "" {
			return p, nil
		}
	}
	return binaryName(), nil
}

func (m *Mock) handle(h Handle) (*mockHandle, error) {
	mh, ok := h.(*mockHandle)
	if !ok {
		return nil, fmt.Errorf("handle %T does not belong to the mock backend", h)
	}
	return mh, nil
}

func (m *Mock) Terminate(h Handle) error {
	mh, err := m.handle(h)
	if err != nil {
		return err
	}
	if mh.behavior.IgnoreTerminate {
		return nil
	}
	m.finish(mh, ExitStatus{Code: -1, Signal: "SIGTERM"})
	return nil
}

func (m *Mock) ForceKill(h Handle) error {
	mh, err := m.handle(h)
	if err != nil {
		return err
	}
	if mh.behavior.IgnoreKill {
		return nil
	}
	m.finish(mh, ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (m *Mock) PollExit(h Handle) (ExitStatus, bool) {
	mh, ok := h.(*mockHandle)
	if !ok {
		return ExitStatus{}, false
	}
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return mh.status, mh.exited
}
