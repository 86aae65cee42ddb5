package runlog

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Sweep deletes *.log files in dir whose modification time is older than
// retentionDays before now. Files for which inUse returns true are kept.
// retentionDays <= 0 disables the sweep. Files that cannot be removed are
// logged and skipped; the returned error only covers reading the directory.
func Sweep(dir string, retentionDays int, now time.Time, inUse func(path string) bool) ([]string, error) {
	if retentionDays <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	var deleted []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if inUse != nil && inUse(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to delete expired log", "path", path, "error", err)
			continue
		}
		deleted = append(deleted, path)
	}
	return deleted, nil
}

// File describes one run log on disk.
type File struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the run logs of one tunnel, newest first.
func List(dir, tag, id string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := baseName(tag, id) + "-"
	var out []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".log" || !strings.HasPrefix(name, prefix) {
			continue
		}
		// The part after the prefix must start with the pid so "prod" does not
		// match "prod-eu-123-...".
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" || rest[0] < '0' || rest[0] > '9' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, File{Path: filepath.Join(dir, name), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}
