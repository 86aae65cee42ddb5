package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/treykane/wstunnel-manager/internal/model"
	"golang.org/x/sync/errgroup"
)

// AutostartResult is the outcome of one autostart attempt.
type AutostartResult struct {
	ID    string
	Tag   string
	State model.RuntimeState
	Err   error
}

// ReloadAutostart starts every autostart tunnel that is currently stopped.
// Starts run concurrently and one failure does not affect the others. Failed
// tunnels are left alone; they need an explicit Start.
func (s *Supervisor) ReloadAutostart(ctx context.Context) []AutostartResult {
	var targets []model.TunnelConfig
	for _, cfg := range s.store.Tunnels() {
		if !cfg.Autostart {
			continue
		}
		st, err := s.Status(cfg.ID)
		if err != nil || st.Status != model.StatusStopped {
			continue
		}
		targets = append(targets, cfg)
	}

	results := make([]AutostartResult, len(targets))
	var g errgroup.Group
	for i, cfg := range targets {
		g.Go(func() error {
			st, err := s.Start(ctx, cfg.ID)
			results[i] = AutostartResult{ID: cfg.ID, Tag: cfg.Tag, State: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			slog.Warn("autostart failed", "id", r.ID, "tag", r.Tag, "error", r.Err)
		}
	}
	return results
}

// Reconcile brings runtime state in line with the store after the config file
// changed: tunnels that disappeared are stopped and forgotten, then autostart
// runs again.
func (s *Supervisor) Reconcile(ctx context.Context) []AutostartResult {
	s.PruneRemoved(ctx)
	return s.ReloadAutostart(ctx)
}

// PruneRemoved stops tunnels that are no longer in the store and forgets them
// once they have exited. It returns the ids it pruned.
func (s *Supervisor) PruneRemoved(ctx context.Context) []string {
	known := make(map[string]struct{})
	for _, cfg := range s.store.Tunnels() {
		known[cfg.ID] = struct{}{}
	}

	s.mu.RLock()
	var removed []string
	var runs []*run
	for id, e := range s.entries {
		if _, ok := known[id]; ok {
			continue
		}
		removed = append(removed, id)
		if e.run != nil {
			runs = append(runs, e.run)
		}
	}
	s.mu.RUnlock()

	for _, id := range removed {
		if err := s.Stop(id); err != nil {
			slog.Warn("failed to stop removed tunnel", "id", id, "error", err)
		}
	}
	limit := time.NewTimer(s.grace + 2*s.forceKillWait)
	defer limit.Stop()
	for _, r := range runs {
		select {
		case <-r.done:
		case <-limit.C:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	for _, id := range removed {
		if e, ok := s.entries[id]; ok && !e.state.Status.Active() {
			delete(s.entries, id)
			delete(s.ops, id)
		}
	}
	s.mu.Unlock()
	if len(removed) > 0 {
		slog.Info("removed tunnels reconciled", "count", len(removed))
	}
	return removed
}

// ShutdownAll refuses further starts, stops every active tunnel concurrently
// and waits up to timeout. Tunnels still running then are force-killed, and any
// that survive the kill are abandoned, so no tunnel is left active on return.
func (s *Supervisor) ShutdownAll(timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Stop(id); err != nil {
				return nil
			}
			r := s.currentRun(id)
			if r == nil {
				return nil
			}
			select {
			case <-r.done:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	var stragglers errgroup.Group
	for _, id := range ids {
		r := s.currentRun(id)
		if r == nil {
			continue
		}
		stragglers.Go(func() error {
			s.forceKill(id, r)
			return nil
		})
	}
	_ = stragglers.Wait()
	slog.Info("all tunnels stopped")
}

func (s *Supervisor) currentRun(id string) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.run
	}
	return nil
}

// Closed reports whether ShutdownAll has been called.
func (s *Supervisor) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
