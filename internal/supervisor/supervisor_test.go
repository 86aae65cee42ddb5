package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/treykane/wstunnel-manager/internal/events"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/runlog"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
)

const (
	testGrace     = 100 * time.Millisecond
	testForceWait = 100 * time.Millisecond
)

type fixture struct {
	sup     *Supervisor
	mock    *process.Mock
	store   *store.Store
	journal *events.Store
	logDir  string
}

func newFixture(t *testing.T, tunnels ...model.TunnelConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tunnels.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	logDir := filepath.Join(dir, "logs")
	if err := st.Save(model.GlobalConfig{LogDirectory: logDir, LogRetentionDays: 7}, tunnels); err != nil {
		t.Fatal(err)
	}
	mock := process.NewMock()
	journal := events.NewStoreAt(filepath.Join(dir, "events.jsonl"))
	sup := New(Options{
		Backend:       mock,
		Store:         st,
		Journal:       journal,
		GracePeriod:   testGrace,
		ForceKillWait: testForceWait,
	})
	t.Cleanup(func() { sup.ShutdownAll(time.Second) })
	return &fixture{sup: sup, mock: mock, store: st, journal: journal, logDir: logDir}
}

func tunnel(id, tag string) model.TunnelConfig {
	return model.TunnelConfig{ID: id, Tag: tag, Mode: model.ModeClient, CLIArgs: "-L tcp://8080:localhost:80 wss://example.com"}
}

func waitStatus(t *testing.T, sup *Supervisor, id string, want model.TunnelStatus) model.RuntimeState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := sup.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("tunnel %s: expected %s, still %s (%s)", id, want, st.Status, st.Reason)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRunsAndStopStops(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	st, err := f.sup.Start(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusRunning || st.PID < 10000 || st.LogPath == "" {
		t.Fatalf("unexpected state after start: %+v", st)
	}
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	final := waitStatus(t, f.sup, "a", model.StatusStopped)
	if final.PID != 0 || final.Reason != "" {
		t.Fatalf("stopped tunnel should have no pid or reason: %+v", final)
	}
	if f.mock.Live() != 0 {
		t.Fatalf("expected no live processes, got %d", f.mock.Live())
	}
}

func TestStartUnknownTunnel(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sup.Start(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.sup.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Stop, got %v", err)
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		active    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.Start(context.Background(), "a")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyActive):
				active++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 || active != n-1 {
		t.Fatalf("expected 1 success and %d already-active, got %d and %d", n-1, succeeded, active)
	}
	if f.mock.Spawns("a") != 1 || f.mock.Live() != 1 {
		t.Fatalf("expected exactly one process, spawns=%d live=%d", f.mock.Spawns("a"), f.mock.Live())
	}
}

func TestStopEscalatesToForceKill(t *testing.T) {
	f := newFixture(t, tunnel("a", "stubborn"))
	f.mock.SetBehavior("a", process.Behavior{IgnoreTerminate: true})
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.sup.Status("a"); st.Status != model.StatusStopping {
		t.Fatalf("expected stopping right after Stop, got %s", st.Status)
	}
	// A second Stop while stopping is a no-op.
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sup, "a", model.StatusStopped)
	if elapsed := time.Since(start); elapsed < testGrace {
		t.Fatalf("stopped before the grace period elapsed: %s", elapsed)
	}
	if f.mock.Live() != 0 {
		t.Fatal("process should have been force-killed")
	}
	evts, err := f.journal.Read(events.Query{TunnelID: "a", EventType: events.TypeForceKilled})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one force_killed event, got %v %v", evts, err)
	}
}

func TestStopAbandonsUnkillableProcess(t *testing.T) {
	f := newFixture(t, tunnel("a", "zombie"))
	f.mock.SetBehavior("a", process.Behavior{IgnoreTerminate: true, IgnoreKill: true})
	st, err := f.sup.Start(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sup, "a", model.StatusStopped)
	b, err := os.ReadFile(st.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "did not exit after SIGKILL") {
		t.Fatalf("expected anomaly record in log, got %q", b)
	}
	// The abandoned handle no longer blocks a new run.
	f.mock.SetBehavior("a", process.Behavior{})
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatalf("restart after abandon: %v", err)
	}
}

func TestDeleteRunningIsRefused(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.Delete("a"); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if _, ok := f.store.Tunnel("a"); !ok {
		t.Fatal("store must be unchanged")
	}
	if st, _ := f.sup.Status("a"); st.Status != model.StatusRunning {
		t.Fatalf("state must be unchanged, got %s", st.Status)
	}

	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sup, "a", model.StatusStopped)
	if err := f.sup.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Status("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := f.sup.Delete("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestEditRefusedWhileActive(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	edited := tunnel("a", "api-v2")
	if err := f.sup.Edit(edited); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	_ = f.sup.Stop("a")
	waitStatus(t, f.sup, "a", model.StatusStopped)
	if err := f.sup.Edit(edited); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.sup.Status("a"); st.Tag != "api-v2" {
		t.Fatalf("expected new tag, got %q", st.Tag)
	}
}

func TestUnexpectedExitMarksFailed(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"), tunnel("b", "db"))
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Start(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	f.mock.Exit("a", 2)
	f.mock.Exit("b", 0)

	failed := waitStatus(t, f.sup, "a", model.StatusFailed)
	if failed.Reason != "exited with code 2" || failed.ExitCode == nil || *failed.ExitCode != 2 {
		t.Fatalf("unexpected failed state: %+v", failed)
	}
	if failed.StatusLabel() != "failed (exited with code 2)" {
		t.Fatalf("unexpected label %q", failed.StatusLabel())
	}
	clean := waitStatus(t, f.sup, "b", model.StatusStopped)
	if clean.Reason != "" {
		t.Fatalf("clean exit should not carry a reason: %+v", clean)
	}

	// A failed tunnel can be started again.
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	f.mock.SetBehavior("a", process.Behavior{SpawnErr: os.ErrPermission})
	st, err := f.sup.Start(context.Background(), "a")
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if st.Status != model.StatusFailed || !strings.HasPrefix(st.Reason, "spawn failed: ") {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.PID != 0 {
		t.Fatalf("failed spawn must not keep a pid: %d", st.PID)
	}
	if got := security.UserMessage(err); !strings.HasPrefix(got, "spawn failed: ") || strings.Contains(got, "exec ") {
		t.Fatalf("user message should only carry the reason: %q", got)
	}
	if got := security.DebugMessage(err); !strings.HasPrefix(got, "exec wstunnel client -L tcp://8080:localhost:80 wss://example.com: spawn failed") {
		t.Fatalf("debug message should name the command line: %q", got)
	}
	b, err := os.ReadFile(st.LogPath)
	if err != nil {
		t.Fatalf("expected a log file for the failed spawn: %v", err)
	}
	if !strings.Contains(string(b), "[MANAGER] spawn failed") {
		t.Fatalf("unexpected log content %q", b)
	}
}

func TestStartWithUnwritableLogDir(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	// A regular file where the log directory should be.
	if err := os.WriteFile(f.logDir, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := f.sup.Start(context.Background(), "a")
	if err != nil {
		t.Fatalf("start must succeed without a log: %v", err)
	}
	if st.Status != model.StatusRunning || st.LogError == "" || st.LogPath != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if f.mock.Live() != 1 {
		t.Fatalf("process should keep running, live=%d", f.mock.Live())
	}
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	stopped := waitStatus(t, f.sup, "a", model.StatusStopped)
	if stopped.Reason != "" {
		t.Fatalf("stop should be clean, got reason %q", stopped.Reason)
	}
}

func TestLogWriteFailureReportedOnce(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	ch, cancel := f.sup.Subscribe()
	defer cancel()

	f.sup.mu.RLock()
	r := f.sup.entries["a"].run
	f.sup.mu.RUnlock()
	werr := &runlog.WriteError{Path: "api.log", Err: errors.New("no space left on device")}
	f.sup.reportLogError("a", r, werr)
	f.sup.reportLogError("a", r, werr)

	reported := 0
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case st := <-ch:
			if strings.Contains(st.LogError, "no space left") {
				reported++
			}
		case <-timeout:
			break drain
		}
	}
	if reported != 1 {
		t.Fatalf("log error should be published once, got %d", reported)
	}
	st, _ := f.sup.Status("a")
	if st.Status != model.StatusRunning || !strings.Contains(st.LogError, "no space left") {
		t.Fatalf("unexpected state after log failure: %+v", st)
	}
}

func TestDeleteAndPruneReleaseOpLocks(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"), tunnel("b", "db"))
	if _, err := f.sup.Start(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.Stop("a"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sup, "a", model.StatusStopped)
	if err := f.sup.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(f.store.Global(), nil); err != nil {
		t.Fatal(err)
	}
	f.sup.PruneRemoved(context.Background())

	f.sup.mu.RLock()
	defer f.sup.mu.RUnlock()
	if len(f.sup.ops) != 0 || len(f.sup.entries) != 0 {
		t.Fatalf("expected no leftover tracking, ops=%d entries=%d", len(f.sup.ops), len(f.sup.entries))
	}
}

func TestBackToBackRunsGetSeparateLogs(t *testing.T) {
	const tag = "SSH to production server"
	f := newFixture(t, tunnel("a", tag))
	var paths []string
	for run := 0; run < 2; run++ {
		st, err := f.sup.Start(context.Background(), "a")
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, st.LogPath)
		if err := f.sup.Stop("a"); err != nil {
			t.Fatal(err)
		}
		waitStatus(t, f.sup, "a", model.StatusStopped)
	}
	if paths[0] == paths[1] {
		t.Fatalf("both runs wrote to %s", paths[0])
	}
	for _, p := range paths {
		if !strings.HasPrefix(filepath.Base(p), tag+"-") {
			t.Fatalf("unexpected log name %s", p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		content := string(b)
		if !strings.Contains(content, "[STDOUT] tunnel ready") || !strings.Contains(content, "[MANAGER] stopped by manager") {
			t.Fatalf("log %s incomplete: %q", p, content)
		}
		if strings.Count(content, "[MANAGER]") != 1 {
			t.Fatalf("log %s mixes runs: %q", p, content)
		}
	}
	latest, err := f.sup.LogPath("a")
	if err != nil || latest != paths[1] {
		t.Fatalf("expected latest log %s, got %s (%v)", paths[1], latest, err)
	}
}

func TestSweepLogsSkipsOpenLogs(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	st, err := f.sup.Start(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	old := now.Add(-8 * 24 * time.Hour)
	expired := filepath.Join(f.logDir, "api-1-20200101_000000.log")
	recent := filepath.Join(f.logDir, "api-2-20200101_000000.log")
	if err := os.WriteFile(expired, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(recent, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for path, mod := range map[string]time.Time{expired: old, recent: now.Add(-6 * 24 * time.Hour), st.LogPath: old} {
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := f.sup.SweepLogs(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0] != expired {
		t.Fatalf("unexpected deletions %v", deleted)
	}
	if _, err := os.Stat(st.LogPath); err != nil {
		t.Fatalf("open log was removed: %v", err)
	}
}

func TestReloadAutostartIsolatesFailures(t *testing.T) {
	a, b, c := tunnel("a", "one"), tunnel("b", "two"), tunnel("c", "three")
	a.Autostart, b.Autostart, c.Autostart = true, true, true
	manual := tunnel("d", "manual")
	f := newFixture(t, a, b, c, manual)
	f.mock.SetBehavior("b", process.Behavior{SpawnErr: errors.New("boom")})

	results := f.sup.ReloadAutostart(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(results))
	}
	running, failed := 0, 0
	for _, st := range f.sup.StatusAll() {
		switch st.Status {
		case model.StatusRunning:
			running++
		case model.StatusFailed:
			failed++
			if st.ID != "b" {
				t.Fatalf("unexpected failed tunnel %s", st.ID)
			}
		}
	}
	if running != 2 || failed != 1 {
		t.Fatalf("expected 2 running and 1 failed, got %d and %d", running, failed)
	}

	// Running and failed tunnels are not touched by a second reload.
	if again := f.sup.ReloadAutostart(context.Background()); len(again) != 0 {
		t.Fatalf("expected no new attempts, got %+v", again)
	}
}

func TestShutdownAllIsBounded(t *testing.T) {
	f := newFixture(t, tunnel("a", "polite"), tunnel("b", "stubborn"), tunnel("c", "zombie"))
	f.mock.SetBehavior("b", process.Behavior{IgnoreTerminate: true})
	f.mock.SetBehavior("c", process.Behavior{IgnoreTerminate: true, IgnoreKill: true})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.sup.Start(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	const timeout = 150 * time.Millisecond
	start := time.Now()
	f.sup.ShutdownAll(timeout)
	elapsed := time.Since(start)
	if elapsed > timeout+testForceWait+time.Second {
		t.Fatalf("shutdown took too long: %s", elapsed)
	}
	for _, st := range f.sup.StatusAll() {
		if st.Status.Active() {
			t.Fatalf("tunnel %s still %s after shutdown", st.ID, st.Status)
		}
	}
	if _, err := f.sup.Start(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestReconcileStopsRemovedTunnels(t *testing.T) {
	keep := tunnel("keep", "keep")
	keep.Autostart = true
	f := newFixture(t, keep, tunnel("gone", "gone"))
	if _, err := f.sup.Start(context.Background(), "gone"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(f.store.Global(), []model.TunnelConfig{keep}); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sup.StatusAll()); got != 2 {
		t.Fatalf("active removed tunnel should still be listed, got %d rows", got)
	}

	results := f.sup.Reconcile(context.Background())
	if len(results) != 1 || results[0].ID != "keep" || results[0].Err != nil {
		t.Fatalf("unexpected autostart results %+v", results)
	}
	all := f.sup.StatusAll()
	if len(all) != 1 || all[0].ID != "keep" || all[0].Status != model.StatusRunning {
		t.Fatalf("unexpected states after reconcile: %+v", all)
	}
	if _, err := f.sup.Status("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed tunnel should be forgotten, got %v", err)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	f := newFixture(t, tunnel("a", "api"))
	ch, cancel := f.sup.Subscribe()
	defer cancel()
	if _, err := f.sup.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	var seen []model.TunnelStatus
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case st := <-ch:
			seen = append(seen, st.Status)
		case <-timeout:
			t.Fatalf("missing transitions, saw %v", seen)
		}
	}
	if seen[0] != model.StatusStarting || seen[1] != model.StatusRunning {
		t.Fatalf("unexpected transition order %v", seen)
	}
	cancel()
	cancel()
}

func TestStatusAllFollowsStoreOrder(t *testing.T) {
	f := newFixture(t, tunnel("z", "last"), tunnel("a", "first"))
	all := f.sup.StatusAll()
	if len(all) != 2 || all[0].ID != "z" || all[1].ID != "a" {
		t.Fatalf("unexpected order %+v", all)
	}
	for _, st := range all {
		if st.Status != model.StatusStopped {
			t.Fatalf("untouched tunnel should be stopped, got %s", st.Status)
		}
	}
}
