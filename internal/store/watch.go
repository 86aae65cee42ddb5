package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long Watch waits after the last filesystem event before
// reloading.
var WatchDebounce = 500 * time.Millisecond

// Reload re-reads the file. It reports whether the content differs from the
// in-memory copy. On error the in-memory copy is left alone.
func (s *Store) Reload() (bool, error) {
	f, err := readFile(s.path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(f, s.file) {
		return false, nil
	}
	s.file = f
	return true, nil
}

// Watch reloads the store whenever the file changes on disk and calls onChange
// after a reload that changed something. Reload errors are logged and leave
// the previous definitions in place. Watch returns once the watcher is set up;
// it stops when ctx is done.
//
// The parent directory is watched rather than the file so editors that save
// by renaming a temp file over it, like Save does, are still seen.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		changed, err := s.Reload()
		if err != nil {
			slog.Warn("config reload failed, keeping previous tunnels", "path", s.path, "error", err)
			return
		}
		if !changed {
			return
		}
		slog.Info("config file changed, reloaded", "path", s.path)
		if onChange != nil {
			onChange()
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timerMu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				slog.Debug("config file event", "op", event.Op.String(), "file", event.Name)
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(WatchDebounce, reload)
				timerMu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
