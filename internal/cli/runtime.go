package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/treykane/wstunnel-manager/internal/appconfig"
	"github.com/treykane/wstunnel-manager/internal/events"
	"github.com/treykane/wstunnel-manager/internal/logging"
	"github.com/treykane/wstunnel-manager/internal/metrics"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/supervisor"
	"github.com/treykane/wstunnel-manager/internal/util"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath   string
	wstunnelPath string
	debug        bool
	headless     bool
}

func (g *globalFlags) tunnelsPath() (string, error) {
	if p := strings.TrimSpace(g.configPath); p != "" {
		return p, nil
	}
	return appconfig.TunnelsFilePath()
}

// openStore opens the tunnel file. A corrupted file is reported on stderr and
// the recovered store is returned.
func (g *globalFlags) openStore() (*store.Store, string, error) {
	path, err := g.tunnelsPath()
	if err != nil {
		return nil, "", err
	}
	st, err := store.Open(path)
	if errors.Is(err, store.ErrCorrupted) {
		notice := "tunnel file could not be parsed: " + err.Error()
		fmt.Fprintln(os.Stderr, "warning: "+notice)
		return st, notice, nil
	}
	if err != nil {
		return nil, "", err
	}
	return st, "", nil
}

// session is everything a long-running front-end needs.
type session struct {
	cfg        appconfig.Config
	store      *store.Store
	journal    *events.Store
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	logCloser  io.Closer
	notice     string
}

func (g *globalFlags) openSession(stdoutLogs bool) (*session, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Warn("failed to load app config, using defaults", "error", err)
		cfg = appconfig.Default()
	}
	st, notice, err := g.openStore()
	if err != nil {
		return nil, err
	}

	level := cfg.SlogLevel()
	if g.debug {
		level = slog.LevelDebug
	}
	logPath, closer, err := logging.Setup(logging.Options{
		Dir:    store.LogDirectory(st.Global()),
		Level:  level,
		Stdout: stdoutLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	if notice != "" {
		slog.Warn("tunnel file replaced with defaults", "path", st.Path(), "detail", notice)
	}

	backend := process.FromEnv()
	if process.MockEnabled() {
		slog.Info("using mock process backend", "env", util.MockEnvVar)
	}
	binary := func() (string, error) {
		return backend.Binary(g.wstunnelPath, st.Global().BinaryPath)
	}

	journal := events.NewStore()
	m := metrics.New()
	sup := supervisor.New(supervisor.Options{
		Backend:       backend,
		Store:         st,
		Journal:       journal,
		Metrics:       m,
		Binary:        binary,
		GracePeriod:   cfg.GracePeriod(),
		ProtectedLogs: []string{logPath},
	})
	if err := m.Register(prometheus.DefaultRegisterer, sup); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	return &session{
		cfg:        cfg,
		store:      st,
		journal:    journal,
		metrics:    m,
		supervisor: sup,
		logCloser:  closer,
		notice:     notice,
	}, nil
}

func (s *session) Close() error {
	if s.logCloser == nil {
		return nil
	}
	return s.logCloser.Close()
}
