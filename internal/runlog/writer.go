// Package runlog writes one log file per tunnel run and prunes old ones.
package runlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/treykane/wstunnel-manager/internal/process"
)

const (
	fileTimeLayout = "20060102_150405"
	lineTimeLayout = "2006-01-02T15:04:05.000Z07:00"
	maxSuffix      = 1000
)

// SourceManager tags records written by the supervisor itself.
const SourceManager process.Source = "MANAGER"

// Sanitize makes a tag safe to use as part of a file name.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// baseName is the file name prefix for a tunnel: its sanitized tag, or its id
// when the tag sanitizes to nothing.
func baseName(tag, id string) string {
	if s := Sanitize(tag); s != "" {
		return s
	}
	if s := Sanitize(id); s != "" {
		return s
	}
	return "tunnel"
}

// Path returns {dir}/{sanitized}-{pid}-{YYYYMMDD_HHMMSS}.log.
func Path(dir, tag, id string, pid int, startedAt time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d-%s.log", baseName(tag, id), pid, startedAt.Format(fileTimeLayout)))
}

// WriteError is the first failure to append to a run log.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write log %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer appends timestamped lines to one run log. It is safe for concurrent use.
type Writer struct {
	path string

	mu     sync.Mutex
	f      *os.File
	err    *WriteError
	closed bool
	now    func() time.Time
}

// Open creates the log file for a run. It never reuses an existing file: when
// the name is taken, "-1", "-2", ... is inserted before the extension.
func Open(dir, tag, id string, pid int, startedAt time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &WriteError{Path: dir, Err: err}
	}
	base := Path(dir, tag, id, pid, startedAt)
	path := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &Writer{path: path, f: f, now: time.Now}, nil
		}
		if !errors.Is(err, fs.ErrExist) || i > maxSuffix {
			return nil, &WriteError{Path: path, Err: err}
		}
		path = strings.TrimSuffix(base, ".log") + fmt.Sprintf("-%d.log", i)
	}
}

// Path returns the file this writer appends to.
func (w *Writer) Path() string { return w.path }

// WriteLine appends "[timestamp] [SOURCE] text". After the first failure every
// later call is a no-op.
func (w *Writer) WriteLine(source process.Source, text string) {
	w.write(w.now(), source, text)
}

// WriteLineAt is WriteLine with the capture time of the line.
func (w *Writer) WriteLineAt(at time.Time, source process.Source, text string) {
	if at.IsZero() {
		at = w.now()
	}
	w.write(at, source, text)
}

// WriteExit appends the supervisor's final record for the run.
func (w *Writer) WriteExit(record string) {
	w.write(w.now(), SourceManager, record)
}

func (w *Writer) write(at time.Time, source process.Source, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", at.Format(lineTimeLayout), source, text)
	if _, err := w.f.WriteString(line); err != nil {
		w.err = &WriteError{Path: w.path, Err: err}
	}
}

// Err returns the first write failure, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		return nil
	}
	return w.err
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = &WriteError{Path: w.path, Err: err}
		return w.err
	}
	return nil
}
