// Package headless runs the supervisor without a terminal UI until the process
// is told to stop.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/treykane/wstunnel-manager/internal/api"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/supervisor"
	"github.com/treykane/wstunnel-manager/internal/util"
	"golang.org/x/sync/errgroup"
)

// Options configures a headless run.
type Options struct {
	Supervisor *supervisor.Supervisor
	Store      *store.Store

	// Tunnels, when set, are started instead of the autostart set and the
	// config file is not watched for autostart changes (bundle runs).
	Tunnels []string

	// APIListen enables the HTTP control surface on this address.
	APIListen string
	API       api.Config

	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
}

// Result summarizes the startup phase.
type Result struct {
	Started []string
	Failed  map[string]error
}

// Run starts tunnels and blocks until SIGINT, SIGTERM or ctx cancellation,
// then shuts every tunnel down.
func Run(ctx context.Context, opts Options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, opts, nil)
}

// Serve is Run without signal handling. ready, if non-nil, receives the
// startup result once tunnels have been started.
func Serve(ctx context.Context, opts Options, ready func(Result)) error {
	sup := opts.Supervisor
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = util.DefaultShutdownTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = util.SweepInterval
	}
	defer func() {
		slog.Info("shutting down tunnels", "timeout", opts.ShutdownTimeout)
		sup.ShutdownAll(opts.ShutdownTimeout)
	}()

	if _, err := sup.SweepLogs(time.Now()); err != nil {
		slog.Warn("log sweep failed", "error", err)
	}

	var res Result
	if len(opts.Tunnels) > 0 {
		res = startTunnels(ctx, sup, opts.Tunnels)
	} else {
		res = fromAutostart(sup.ReloadAutostart(ctx))
	}
	slog.Info("headless startup complete", "started", len(res.Started), "failed", len(res.Failed))
	if ready != nil {
		ready(res)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if _, err := sup.SweepLogs(now); err != nil {
					slog.Warn("log sweep failed", "error", err)
				}
			}
		}
	})

	if opts.Store != nil {
		onChange := func() { sup.Reconcile(gctx) }
		if len(opts.Tunnels) > 0 {
			onChange = func() { sup.PruneRemoved(gctx) }
		}
		if err := opts.Store.Watch(gctx, onChange); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}

	if opts.APIListen != "" {
		srv := api.NewServer(sup, opts.API)
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx, opts.APIListen); err != nil {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startTunnels starts the referenced tunnels concurrently. A reference is an
// id or a unique tag.
func startTunnels(ctx context.Context, sup *supervisor.Supervisor, refs []string) Result {
	type outcome struct {
		ref string
		id  string
		err error
	}
	outcomes := make([]outcome, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		g.Go(func() error {
			o := outcome{ref: ref}
			cfg, err := sup.Find(ref)
			if err != nil {
				o.err = err
			} else {
				o.id = cfg.ID
				_, o.err = sup.Start(ctx, cfg.ID)
				if errors.Is(o.err, supervisor.ErrAlreadyActive) {
					o.err = nil
				}
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Failed: map[string]error{}}
	for _, o := range outcomes {
		if o.err != nil {
			slog.Warn("tunnel start failed", "tunnel", o.ref, "error", o.err)
			res.Failed[o.ref] = o.err
			continue
		}
		res.Started = append(res.Started, o.id)
	}
	return res
}

func fromAutostart(results []supervisor.AutostartResult) Result {
	res := Result{Failed: map[string]error{}}
	for _, r := range results {
		if r.Err != nil {
			res.Failed[r.ID] = r.Err
			continue
		}
		res.Started = append(res.Started, r.ID)
	}
	return res
}
