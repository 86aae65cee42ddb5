// Package store owns the persisted tunnel definitions and global settings.
//
// The in-memory copy is authoritative for the running process. Every mutation
// is applied in memory first and then written to disk atomically; a failed write
// is returned as a *PersistenceError but the in-memory change is kept, so
// running tunnels never lose their definition because the disk is unhappy.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/util"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only config file version this build understands.
const CurrentVersion = 1

var (
	// ErrNotFound is returned for an unknown tunnel id.
	ErrNotFound = errors.New("tunnel not found")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")
	// ErrCorrupted is returned by Open when the file could not be parsed and was
	// replaced with defaults.
	ErrCorrupted = errors.New("config file corrupted")
)

// PersistenceError reports a failed read or write of the config file.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// File is the on-disk document.
type File struct {
	Version int                  `yaml:"version"`
	Global  model.GlobalConfig   `yaml:"global"`
	Tunnels []model.TunnelConfig `yaml:"tunnels"`
}

// DefaultFile returns an empty version-1 document.
func DefaultFile() File {
	return File{Version: CurrentVersion, Tunnels: []model.TunnelConfig{}}
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string
	file File
}

// Open loads path, creating it with defaults if missing. A file that fails to
// parse is copied to path+".bak", replaced with defaults, and Open returns the
// usable store together with an error wrapping ErrCorrupted.
func Open(path string) (*Store, error) {
	s := &Store{path: path, file: DefaultFile()}
	f, err := readFile(path)
	switch {
	case err == nil:
		s.file = f
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		if err := writeFile(path, s.file); err != nil {
			return s, err
		}
		return s, nil
	case errors.Is(err, errParse):
		backup := path + ".bak"
		if b, rerr := os.ReadFile(path); rerr == nil {
			_ = os.WriteFile(backup, b, 0o600)
		}
		if werr := writeFile(path, s.file); werr != nil {
			return s, werr
		}
		return s, fmt.Errorf("%w: replaced with defaults, backup saved to %s: %v", ErrCorrupted, backup, err)
	default:
		return nil, err
	}
}

// Inspect parses and validates path without creating, repairing or caching it.
func Inspect(path string) (File, error) {
	return readFile(path)
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load re-reads the file from disk and replaces the in-memory copy.
func (s *Store) Load() (model.GlobalConfig, []model.TunnelConfig, error) {
	f, err := readFile(s.path)
	if err != nil {
		return model.GlobalConfig{}, nil, err
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return f.Global, cloneTunnels(f.Tunnels), nil
}

// Save replaces both global settings and tunnels after validation.
func (s *Store) Save(global model.GlobalConfig, tunnels []model.TunnelConfig) error {
	next := File{Version: CurrentVersion, Global: global, Tunnels: cloneTunnels(tunnels)}
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.file = next
	s.mu.Unlock()
	return writeFile(s.path, next)
}

// Global returns the current global settings.
func (s *Store) Global() model.GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Global
}

// Tunnels returns tunnel definitions in file order.
func (s *Store) Tunnels() []model.TunnelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTunnels(s.file.Tunnels)
}

// Tunnel looks up one definition by id.
func (s *Store) Tunnel(id string) (model.TunnelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.file.Tunnels {
		if t.ID == id {
			return t, true
		}
	}
	return model.TunnelConfig{}, false
}

// Find resolves a user reference: exact id first, then a unique tag.
func (s *Store) Find(ref string) (model.TunnelConfig, error) {
	if t, ok := s.Tunnel(ref); ok {
		return t, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []model.TunnelConfig
	for _, t := range s.file.Tunnels {
		if t.Tag == ref {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return model.TunnelConfig{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return model.TunnelConfig{}, fmt.Errorf("tag %q is ambiguous (%d tunnels), use the id", ref, len(matches))
	}
}

// Add appends a tunnel. An empty id is replaced by a fresh UUID.
func (s *Store) Add(t model.TunnelConfig) (model.TunnelConfig, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if err := ValidateTunnel(t); err != nil {
		return model.TunnelConfig{}, err
	}
	s.mu.Lock()
	for _, existing := range s.file.Tunnels {
		if existing.ID == t.ID {
			s.mu.Unlock()
			return model.TunnelConfig{}, fmt.Errorf("%w: duplicate tunnel id %s", ErrInvalid, t.ID)
		}
	}
	s.file.Tunnels = append(s.file.Tunnels, t)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return t, writeFile(s.path, snapshot)
}

// Update replaces the definition with the same id.
func (s *Store) Update(t model.TunnelConfig) error {
	if err := ValidateTunnel(t); err != nil {
		return err
	}
	s.mu.Lock()
	idx := s.indexLocked(t.ID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	s.file.Tunnels[idx] = t
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return writeFile(s.path, snapshot)
}

// Remove deletes the definition with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.file.Tunnels = append(s.file.Tunnels[:idx], s.file.Tunnels[idx+1:]...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return writeFile(s.path, snapshot)
}

func (s *Store) indexLocked(id string) int {
	for i, t := range s.file.Tunnels {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() File {
	return File{Version: s.file.Version, Global: s.file.Global, Tunnels: cloneTunnels(s.file.Tunnels)}
}

// Validate checks the whole document.
func (f File) Validate() error {
	if f.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported config version %d, expected %d", ErrInvalid, f.Version, CurrentVersion)
	}
	seen := make(map[string]struct{}, len(f.Tunnels))
	for _, t := range f.Tunnels {
		if _, ok := seen[t.ID]; ok {
			return fmt.Errorf("%w: duplicate tunnel id %s", ErrInvalid, t.ID)
		}
		seen[t.ID] = struct{}{}
		if err := ValidateTunnel(t); err != nil {
			return fmt.Errorf("tunnel %s: %w", t.DisplayName(), err)
		}
	}
	return ValidateGlobal(f.Global)
}

// ValidateTunnel checks one definition.
func ValidateTunnel(t model.TunnelConfig) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: tunnel id cannot be empty", ErrInvalid)
	}
	if utf8.RuneCountInString(t.Tag) > util.MaxTagLength {
		return fmt.Errorf("%w: tunnel tag too long (max %d characters)", ErrInvalid, util.MaxTagLength)
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, t.Mode)
	}
	if strings.TrimSpace(t.CLIArgs) == "" {
		return fmt.Errorf("%w: cli arguments cannot be empty", ErrInvalid)
	}
	return nil
}

// ValidateGlobal checks global settings. The binary path is not checked here:
// a missing binary is a spawn failure, not a config error.
func ValidateGlobal(g model.GlobalConfig) error {
	if g.LogRetentionDays < 0 || g.LogRetentionDays > util.MaxRetentionDays {
		return fmt.Errorf("%w: log retention days must be between 0 and %d, got %d", ErrInvalid, util.MaxRetentionDays, g.LogRetentionDays)
	}
	return nil
}

// LogDirectory returns the configured log directory or the default.
func LogDirectory(g model.GlobalConfig) string {
	return util.DefaultString(g.LogDirectory, util.DefaultLogDirectory)
}

var errParse = errors.New("parse config")

func readFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, err
		}
		return File{}, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	f := DefaultFile()
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("%w %s: %v", errParse, path, err)
	}
	if f.Tunnels == nil {
		f.Tunnels = []model.TunnelConfig{}
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// writeFile writes to a temp file in the same directory, fsyncs it and renames
// it over the target.
func writeFile(path string, f File) error {
	b, err := yaml.Marshal(f)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if _, err := tmp.Write(b); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func cloneTunnels(in []model.TunnelConfig) []model.TunnelConfig {
	return append([]model.TunnelConfig{}, in...)
}
