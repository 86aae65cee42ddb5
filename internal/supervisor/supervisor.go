// Package supervisor maps configured tunnels to live wstunnel processes.
//
// Each tunnel id has at most one process handle at a time. Start, Stop, Delete
// and Edit on the same id are serialized by a per-id lock; reads of runtime
// state only take a short read lock on the state map. One goroutine per run
// pumps output into the run log and records how the process ended.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/wstunnel-manager/internal/events"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/runlog"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/util"
)

// Journal records lifecycle events. *events.Store implements it.
type Journal interface {
	Append(evt events.Event) error
}

// Recorder receives start and exit counts. *metrics.Metrics implements it.
type Recorder interface {
	StartResult(ok bool)
	Exit(outcome string)
}

// Options configures a Supervisor. Backend and Store are required.
type Options struct {
	Backend process.Backend
	Store   *store.Store
	Journal Journal
	Metrics Recorder
	// Binary resolves the wstunnel executable at each start. Defaults to
	// the backend's Binary with the configured binary_path.
	Binary        func() (string, error)
	GracePeriod   time.Duration
	ForceKillWait time.Duration
	// ProtectedLogs are never removed by SweepLogs (the application log).
	ProtectedLogs []string
	Now           func() time.Time
}

type run struct {
	handle process.Handle
	writer *runlog.Writer
	// done is closed once the monitor has recorded the exit.
	done chan struct{}

	// Guarded by Supervisor.mu.
	stopRequested bool
	logErrShown   bool
}

type entry struct {
	state model.RuntimeState
	run   *run
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	backend       process.Backend
	store         *store.Store
	journal       Journal
	metrics       Recorder
	binary        func() (string, error)
	grace         time.Duration
	forceKillWait time.Duration
	protected     map[string]struct{}
	now           func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	ops      map[string]*sync.Mutex
	openLogs map[string]struct{}
	closed   bool

	subsMu  sync.Mutex
	subs    map[int]chan model.RuntimeState
	nextSub int

	wg sync.WaitGroup
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		backend:       opts.Backend,
		store:         opts.Store,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		binary:        opts.Binary,
		grace:         opts.GracePeriod,
		forceKillWait: opts.ForceKillWait,
		protected:     make(map[string]struct{}),
		now:           opts.Now,
		entries:       make(map[string]*entry),
		ops:           make(map[string]*sync.Mutex),
		openLogs:      make(map[string]struct{}),
		subs:          make(map[int]chan model.RuntimeState),
	}
	if s.grace <= 0 {
		s.grace = util.DefaultGracePeriod
	}
	if s.forceKillWait <= 0 {
		s.forceKillWait = util.ForceKillWait
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.binary == nil {
		s.binary = func() (string, error) {
			return s.backend.Binary("", s.store.Global().BinaryPath)
		}
	}
	for _, p := range opts.ProtectedLogs {
		s.protected[filepath.Clean(p)] = struct{}{}
	}
	return s
}

func (s *Supervisor) opLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.ops[id]
	if !ok {
		m = &sync.Mutex{}
		s.ops[id] = m
	}
	return m
}

func (s *Supervisor) entryLocked(cfg model.TunnelConfig) *entry {
	e, ok := s.entries[cfg.ID]
	if !ok {
		e = &entry{state: model.RuntimeState{ID: cfg.ID, Status: model.StatusStopped}}
		s.entries[cfg.ID] = e
	}
	e.state.Tag = cfg.Tag
	e.state.Mode = cfg.Mode
	return e
}

func (s *Supervisor) viewLocked(e *entry) model.RuntimeState {
	st := e.state
	if st.ExitCode != nil {
		code := *st.ExitCode
		st.ExitCode = &code
	}
	if st.Status == model.StatusRunning && !st.StartedAt.IsZero() {
		st.UptimeSec = int64(s.now().Sub(st.StartedAt) / time.Second)
	}
	return st
}

func (s *Supervisor) logDir() string {
	return store.LogDirectory(s.store.Global())
}

// Start launches the tunnel's process.
func (s *Supervisor) Start(ctx context.Context, id string) (model.RuntimeState, error) {
	if _, ok := s.store.Tunnel(id); !ok {
		return model.RuntimeState{}, ErrNotFound
	}
	op := s.opLock(id)
	op.Lock()
	defer op.Unlock()

	// Re-read under the op lock: a Delete may have won the race.
	cfg, ok := s.store.Tunnel(id)
	if !ok {
		return model.RuntimeState{}, ErrNotFound
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.RuntimeState{}, ErrClosed
	}
	e := s.entryLocked(cfg)
	if e.state.Status.Active() {
		st := s.viewLocked(e)
		s.mu.Unlock()
		return st, ErrAlreadyActive
	}
	e.state.Status = model.StatusStarting
	e.state.Reason = ""
	e.state.PID = 0
	e.state.LogError = ""
	e.state.ExitCode = nil
	e.state.StartedAt = time.Time{}
	starting := s.viewLocked(e)
	s.mu.Unlock()
	s.publish(starting)
	s.record(events.Event{TunnelID: id, Tag: cfg.Tag, EventType: events.TypeStartRequested, Status: model.StatusStarting})

	global := s.store.Global()
	var handle process.Handle
	binary, err := s.binary()
	if err == nil {
		handle, err = s.backend.Spawn(ctx, process.Spec{
			TunnelID: id,
			Tag:      cfg.Tag,
			Binary:   binary,
			Mode:     cfg.Mode,
			CLIArgs:  cfg.CLIArgs,
			UsePTY:   global.UsePTY,
		})
	}
	if err != nil {
		return s.failSpawn(cfg, binary, err)
	}

	startedAt := s.now()
	writer, werr := runlog.Open(s.logDir(), cfg.Tag, id, handle.PID(), startedAt)
	r := &run{handle: handle, writer: writer, done: make(chan struct{})}

	s.mu.Lock()
	e.run = r
	e.state.Status = model.StatusRunning
	e.state.PID = handle.PID()
	e.state.StartedAt = startedAt
	if werr != nil {
		e.state.LogError = werr.Error()
		e.state.LogPath = ""
		r.logErrShown = true
	} else {
		e.state.LogPath = writer.Path()
		s.openLogs[filepath.Clean(writer.Path())] = struct{}{}
	}
	running := s.viewLocked(e)
	s.mu.Unlock()

	if werr != nil {
		slog.Warn("tunnel output will not be logged", "id", id, "error", werr)
	}
	slog.Info("tunnel started", "id", id, "tag", cfg.Tag, "pid", running.PID, "mode", cfg.Mode,
		"args", security.RedactArgs(cfg.CLIArgs), "log", running.LogPath)
	s.publish(running)
	s.record(events.Event{TunnelID: id, Tag: cfg.Tag, EventType: events.TypeStartSucceeded, Status: model.StatusRunning, PID: running.PID})
	s.countStart(true)

	s.wg.Add(1)
	go s.monitor(id, r)
	return running, nil
}

func (s *Supervisor) failSpawn(cfg model.TunnelConfig, binary string, err error) (model.RuntimeState, error) {
	spawnErr := &SpawnError{Detail: security.RedactMessage(err.Error()), Err: err}
	classified := security.Classify(spawnErr, "", spawnCommand(cfg, binary))
	logPath := ""
	if w, werr := runlog.Open(s.logDir(), cfg.Tag, cfg.ID, 0, s.now()); werr == nil {
		w.WriteExit(spawnErr.Error())
		_ = w.Close()
		logPath = w.Path()
	}

	s.mu.Lock()
	e := s.entryLocked(cfg)
	e.state.Status = model.StatusFailed
	e.state.Reason = spawnErr.Error()
	e.state.PID = 0
	if logPath != "" {
		e.state.LogPath = logPath
	}
	st := s.viewLocked(e)
	s.mu.Unlock()

	slog.Warn("tunnel failed to start", "id", cfg.ID, "tag", cfg.Tag, "error", security.DebugMessage(classified))
	s.publish(st)
	s.record(events.Event{TunnelID: cfg.ID, Tag: cfg.Tag, EventType: events.TypeStartFailed, Status: model.StatusFailed, Message: spawnErr.Error()})
	s.countStart(false)
	return st, classified
}

// spawnCommand describes the attempted command line for manager.log.
func spawnCommand(cfg model.TunnelConfig, binary string) string {
	if binary == "" {
		binary = "<unresolved wstunnel>"
	}
	argv, err := process.BuildArgs(cfg.Mode, cfg.CLIArgs)
	if err != nil {
		return fmt.Sprintf("exec %s %s %s", binary, cfg.Mode, cfg.CLIArgs)
	}
	return "exec " + binary + " " + strings.Join(argv, " ")
}

// monitor pumps output into the run log until the process exits, then
// records the outcome.
func (s *Supervisor) monitor(id string, r *run) {
	defer s.wg.Done()
	defer close(r.done)

	for line := range r.handle.Output() {
		if r.writer == nil {
			continue
		}
		r.writer.WriteLineAt(line.At, line.Source, line.Text)
		if werr := r.writer.Err(); werr != nil {
			s.reportLogError(id, r, werr)
		}
	}
	<-r.handle.Done()
	status, _ := s.backend.PollExit(r.handle)
	s.finishRun(id, r, status)
}

func (s *Supervisor) reportLogError(id string, r *run, werr error) {
	s.mu.Lock()
	if r.logErrShown {
		s.mu.Unlock()
		return
	}
	r.logErrShown = true
	e := s.entries[id]
	if e == nil || e.run != r {
		s.mu.Unlock()
		return
	}
	e.state.LogError = werr.Error()
	st := s.viewLocked(e)
	s.mu.Unlock()
	slog.Warn("tunnel log write failed, further output dropped", "id", id, "error", werr)
	s.publish(st)
}

func (s *Supervisor) finishRun(id string, r *run, status process.ExitStatus) {
	s.mu.RLock()
	e := s.entries[id]
	current := e != nil && e.run == r
	stopRequested := r.stopRequested
	s.mu.RUnlock()
	if !current {
		r.closeLog()
		return
	}

	var (
		next     model.TunnelStatus
		reason   string
		evtType  string
		outcome  string
		exitCode *int
	)
	if status.Signal == "" {
		code := status.Code
		exitCode = &code
	}
	record := status.String()
	switch {
	case stopRequested:
		next, evtType, outcome = model.StatusStopped, events.TypeStopped, "stopped"
		record = "stopped by manager, " + record
	case status.Success():
		next, evtType, outcome = model.StatusStopped, events.TypeExited, "clean"
	default:
		exitErr := &ExitError{Code: status.Code, Signal: status.Signal}
		next, evtType, outcome = model.StatusFailed, events.TypeFailed, "failed"
		reason = exitErr.Error()
	}
	if r.writer != nil {
		r.writer.WriteExit(record)
	}
	r.closeLog()

	s.mu.Lock()
	if e.run != r {
		s.mu.Unlock()
		return
	}
	e.run = nil
	e.state.Status = next
	e.state.Reason = reason
	e.state.PID = 0
	e.state.ExitCode = exitCode
	if r.writer != nil {
		delete(s.openLogs, filepath.Clean(r.writer.Path()))
	}
	st := s.viewLocked(e)
	s.mu.Unlock()

	if next == model.StatusFailed {
		slog.Warn("tunnel process failed", "id", id, "tag", st.Tag, "reason", reason)
	} else {
		slog.Info("tunnel process ended", "id", id, "tag", st.Tag, "status", status.String())
	}
	s.publish(st)
	s.record(events.Event{TunnelID: id, Tag: st.Tag, EventType: evtType, Status: next, Message: record, ExitCode: exitCode})
	s.countExit(outcome)
}

func (r *run) closeLog() {
	if r.writer == nil {
		return
	}
	if err := r.writer.Close(); err != nil {
		slog.Warn("failed to close tunnel log", "path", r.writer.Path(), "error", err)
	}
}

// Stop requests graceful termination and returns without waiting for the
// process to exit. Stopping a tunnel that has no process is a no-op.
func (s *Supervisor) Stop(id string) error {
	s.mu.RLock()
	_, tracked := s.entries[id]
	s.mu.RUnlock()
	if !tracked {
		if _, ok := s.store.Tunnel(id); !ok {
			return ErrNotFound
		}
		return nil
	}

	op := s.opLock(id)
	op.Lock()
	defer op.Unlock()

	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.run == nil || e.state.Status == model.StatusStopping {
		s.mu.Unlock()
		return nil
	}
	r := e.run
	r.stopRequested = true
	e.state.Status = model.StatusStopping
	st := s.viewLocked(e)
	s.mu.Unlock()

	s.publish(st)
	s.record(events.Event{TunnelID: id, Tag: st.Tag, EventType: events.TypeStopRequested, Status: model.StatusStopping, PID: st.PID})
	if err := s.backend.Terminate(r.handle); err != nil {
		slog.Warn("graceful termination failed", "id", id, "pid", st.PID, "error", err)
	}
	s.wg.Add(1)
	go s.escalate(id, r, s.grace)
	return nil
}

// escalate force-kills a run that outlives grace, and gives up on it if it
// survives the kill as well.
func (s *Supervisor) escalate(id string, r *run, grace time.Duration) {
	defer s.wg.Done()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-r.done:
		return
	case <-timer.C:
	}
	s.forceKill(id, r)
}

func (s *Supervisor) forceKill(id string, r *run) {
	select {
	case <-r.done:
		return
	default:
	}
	pid := r.handle.PID()
	slog.Warn("tunnel did not exit in time, killing", "id", id, "pid", pid)
	s.record(events.Event{TunnelID: id, EventType: events.TypeForceKilled, PID: pid})
	if err := s.backend.ForceKill(r.handle); err != nil {
		slog.Warn("force kill failed", "id", id, "pid", pid, "error", err)
	}
	wait := time.NewTimer(s.forceKillWait)
	defer wait.Stop()
	select {
	case <-r.done:
		return
	case <-wait.C:
	}
	s.abandon(id, r)
}

// abandon marks a run stopped even though its process never confirmed exit.
func (s *Supervisor) abandon(id string, r *run) {
	s.mu.RLock()
	e := s.entries[id]
	current := e != nil && e.run == r
	s.mu.RUnlock()
	if !current {
		return
	}

	const msg = "process did not exit after SIGKILL, no longer tracked"
	slog.Error("tunnel process refused to die", "id", id, "pid", r.handle.PID())
	if r.writer != nil {
		r.writer.WriteExit(msg)
	}
	r.closeLog()

	s.mu.Lock()
	if e.run != r {
		s.mu.Unlock()
		return
	}
	e.run = nil
	e.state.Status = model.StatusStopped
	e.state.Reason = ""
	e.state.PID = 0
	if r.writer != nil {
		delete(s.openLogs, filepath.Clean(r.writer.Path()))
	}
	st := s.viewLocked(e)
	s.mu.Unlock()

	s.publish(st)
	s.record(events.Event{TunnelID: id, Tag: st.Tag, EventType: events.TypeStopped, Status: model.StatusStopped, Message: msg, PID: r.handle.PID()})
	s.countExit("abandoned")
}

// Add stores a new tunnel definition.
func (s *Supervisor) Add(cfg model.TunnelConfig) (model.TunnelConfig, error) {
	added, err := s.store.Add(cfg)
	if added.ID != "" {
		s.mu.Lock()
		st := s.viewLocked(s.entryLocked(added))
		s.mu.Unlock()
		s.publish(st)
	}
	return added, err
}

// Edit replaces a tunnel definition. Active tunnels cannot be edited.
func (s *Supervisor) Edit(cfg model.TunnelConfig) error {
	if _, ok := s.store.Tunnel(cfg.ID); !ok {
		return ErrNotFound
	}
	op := s.opLock(cfg.ID)
	op.Lock()
	defer op.Unlock()

	s.mu.RLock()
	e := s.entries[cfg.ID]
	active := e != nil && e.state.Status.Active()
	s.mu.RUnlock()
	if active {
		return ErrInUse
	}
	err := s.store.Update(cfg)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	var pe *store.PersistenceError
	if err != nil && !errors.As(err, &pe) {
		return err
	}
	s.mu.Lock()
	st := s.viewLocked(s.entryLocked(cfg))
	s.mu.Unlock()
	s.publish(st)
	return err
}

// Delete removes a stopped or failed tunnel from the store and from runtime
// tracking. A persistence error is returned but the removal is kept.
func (s *Supervisor) Delete(id string) error {
	op := s.opLock(id)
	op.Lock()
	defer op.Unlock()

	s.mu.Lock()
	e, tracked := s.entries[id]
	if tracked && e.state.Status.Active() {
		s.mu.Unlock()
		return ErrInUse
	}
	cfg, configured := s.store.Tunnel(id)
	if !tracked && !configured {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.entries, id)
	delete(s.ops, id)
	s.mu.Unlock()

	var err error
	if configured {
		err = s.store.Remove(id)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	}
	tag := cfg.Tag
	if tracked {
		tag = e.state.Tag
	}
	slog.Info("tunnel deleted", "id", id, "tag", tag)
	s.publish(model.RuntimeState{ID: id, Tag: tag, Status: model.StatusStopped, Reason: "deleted"})
	s.record(events.Event{TunnelID: id, Tag: tag, EventType: events.TypeDeleted})
	return err
}

// Find resolves an id or unique tag to a configured tunnel.
func (s *Supervisor) Find(ref string) (model.TunnelConfig, error) {
	cfg, err := s.store.Find(ref)
	if errors.Is(err, store.ErrNotFound) {
		return cfg, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return cfg, err
}

// Status returns the runtime state of one tunnel.
func (s *Supervisor) Status(id string) (model.RuntimeState, error) {
	cfg, configured := s.store.Tunnel(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		st := s.viewLocked(e)
		if configured {
			st.Tag, st.Mode = cfg.Tag, cfg.Mode
		}
		return st, nil
	}
	if !configured {
		return model.RuntimeState{}, ErrNotFound
	}
	return model.RuntimeState{ID: id, Tag: cfg.Tag, Mode: cfg.Mode, Status: model.StatusStopped}, nil
}

// StatusAll returns every configured tunnel in store order, followed by any
// tunnel that was removed from the config while its process is still active.
func (s *Supervisor) StatusAll() []model.RuntimeState {
	tunnels := s.store.Tunnels()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RuntimeState, 0, len(tunnels))
	seen := make(map[string]struct{}, len(tunnels))
	for _, cfg := range tunnels {
		seen[cfg.ID] = struct{}{}
		st := model.RuntimeState{ID: cfg.ID, Status: model.StatusStopped}
		if e, ok := s.entries[cfg.ID]; ok {
			st = s.viewLocked(e)
		}
		st.Tag, st.Mode = cfg.Tag, cfg.Mode
		out = append(out, st)
	}
	for id, e := range s.entries {
		if _, ok := seen[id]; ok || !e.state.Status.Active() {
			continue
		}
		out = append(out, s.viewLocked(e))
	}
	return out
}

// LogPath returns the log of the current or last run, falling back to the
// newest log on disk for the tunnel.
func (s *Supervisor) LogPath(id string) (string, error) {
	st, err := s.Status(id)
	if err != nil {
		return "", err
	}
	if st.LogPath != "" {
		return st.LogPath, nil
	}
	files, err := runlog.List(s.logDir(), st.Tag, id)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[0].Path, nil
}

// SweepLogs applies log retention, skipping logs of active runs.
func (s *Supervisor) SweepLogs(now time.Time) ([]string, error) {
	global := s.store.Global()
	inUse := func(path string) bool {
		p := filepath.Clean(path)
		if _, ok := s.protected[p]; ok {
			return true
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.openLogs[p]
		return ok
	}
	deleted, err := runlog.Sweep(store.LogDirectory(global), global.LogRetentionDays, now, inUse)
	if len(deleted) > 0 {
		slog.Info("expired tunnel logs removed", "count", len(deleted), "retention_days", global.LogRetentionDays)
	}
	return deleted, err
}

// Subscribe returns a channel that receives every state transition. Slow
// consumers miss updates and should re-read StatusAll. Call the returned
// function to unsubscribe.
func (s *Supervisor) Subscribe() (<-chan model.RuntimeState, func()) {
	ch := make(chan model.RuntimeState, 64)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Supervisor) publish(st model.RuntimeState) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Supervisor) record(evt events.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(evt); err != nil {
		slog.Debug("failed to append tunnel event", "type", evt.EventType, "error", err)
	}
}

func (s *Supervisor) countStart(ok bool) {
	if s.metrics != nil {
		s.metrics.StartResult(ok)
	}
}

func (s *Supervisor) countExit(outcome string) {
	if s.metrics != nil {
		s.metrics.Exit(outcome)
	}
}
