package headless

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/supervisor"
)

type harness struct {
	sup    *supervisor.Supervisor
	mock   *process.Mock
	store  *store.Store
	logDir string
}

func newHarness(t *testing.T, tunnels ...model.TunnelConfig) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tunnels.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	logDir := filepath.Join(dir, "logs")
	if err := st.Save(model.GlobalConfig{LogDirectory: logDir, LogRetentionDays: 1}, tunnels); err != nil {
		t.Fatal(err)
	}
	mock := process.NewMock()
	sup := supervisor.New(supervisor.Options{
		Backend:       mock,
		Store:         st,
		GracePeriod:   50 * time.Millisecond,
		ForceKillWait: 50 * time.Millisecond,
	})
	return &harness{sup: sup, mock: mock, store: st, logDir: logDir}
}

func tunnel(id, tag string, autostart bool) model.TunnelConfig {
	return model.TunnelConfig{ID: id, Tag: tag, Mode: model.ModeClient, CLIArgs: "wss://example.com", Autostart: autostart}
}

// serve runs Serve in the background and waits for startup.
func serve(t *testing.T, opts Options) (Result, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	readyCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, opts, func(r Result) { readyCh <- r })
	}()
	select {
	case r := <-readyCh:
		return r, cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("headless startup timed out")
	}
	return Result{}, cancel, errCh
}

func wait(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("headless did not shut down")
	}
}

func TestServeAutostartsAndShutsDown(t *testing.T) {
	h := newHarness(t, tunnel("a", "api", true), tunnel("b", "db", true), tunnel("c", "cache", false))
	h.mock.SetBehavior("b", process.Behavior{SpawnErr: errors.New("boom")})

	stale := filepath.Join(h.logDir, "old-1-20200101_000000.log")
	if err := os.MkdirAll(h.logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	res, cancel, errCh := serve(t, Options{Supervisor: h.sup, Store: h.store, ShutdownTimeout: time.Second})
	if len(res.Started) != 1 || res.Started[0] != "a" {
		t.Fatalf("unexpected started %v", res.Started)
	}
	if _, ok := res.Failed["b"]; !ok || len(res.Failed) != 1 {
		t.Fatalf("unexpected failures %v", res.Failed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("startup sweep should remove expired log, stat err %v", err)
	}

	cancel()
	wait(t, errCh)
	if h.mock.Live() != 0 {
		t.Fatalf("expected no live processes, got %d", h.mock.Live())
	}
	if !h.sup.Closed() {
		t.Fatal("supervisor should be closed after shutdown")
	}
}

func TestServeBundleStartsOnlyListedTunnels(t *testing.T) {
	h := newHarness(t, tunnel("a", "api", true), tunnel("b", "db", false), tunnel("c", "cache", false))

	res, cancel, errCh := serve(t, Options{Supervisor: h.sup, Tunnels: []string{"db", "missing"}})
	if len(res.Started) != 1 || res.Started[0] != "b" {
		t.Fatalf("unexpected started %v", res.Started)
	}
	if !errors.Is(res.Failed["missing"], supervisor.ErrNotFound) {
		t.Fatalf("expected not found for missing, got %v", res.Failed)
	}
	if st, _ := h.sup.Status("a"); st.Status != model.StatusStopped {
		t.Fatalf("autostart tunnel outside the bundle was started: %s", st.Status)
	}
	cancel()
	wait(t, errCh)
}

func TestServeWithAPI(t *testing.T) {
	h := newHarness(t, tunnel("a", "api", false))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, cancel, errCh := serve(t, Options{Supervisor: h.sup, APIListen: addr})
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("unexpected status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("api never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	wait(t, errCh)
}
