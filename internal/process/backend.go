// Package process launches and controls wstunnel subprocesses.
//
// The supervisor talks to a Backend and never to os/exec directly. Real runs the
// binary as an OS process; Mock fakes one entirely in memory so the dashboard and
// the supervisor tests can run without wstunnel installed.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/util"
)

// Source identifies which stream a captured line came from.
type Source string

const (
	SourceStdout Source = "STDOUT"
	SourceStderr Source = "STDERR"
	SourcePTY    Source = "PTY"
)

// Line is one line of process output without its trailing newline.
type Line struct {
	Source Source
	Text   string
	At     time.Time
}

// ExitStatus describes how a process ended. Signal is empty for a normal exit.
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports a normal exit with code 0.
func (s ExitStatus) Success() bool {
	return s.Signal == "" && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "terminated by signal " + s.Signal
	}
	return fmt.Sprintf("exited with code %d", s.Code)
}

// Spec is everything needed to launch one tunnel run.
type Spec struct {
	TunnelID string
	Tag      string
	Binary   string
	Mode     model.Mode
	CLIArgs  string
	UsePTY   bool
}

// Handle is a live or finished process. Output is closed after the process
// exits and its streams are drained; Done is closed right after that.
type Handle interface {
	PID() int
	Output() <-chan Line
	Done() <-chan struct{}
}

// Backend spawns and signals processes.
type Backend interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	// Terminate asks the process to exit gracefully. It is a no-op once exited.
	Terminate(h Handle) error
	// ForceKill kills the process and everything in its process group.
	ForceKill(h Handle) error
	// PollExit returns the exit status once the process has exited.
	PollExit(h Handle) (ExitStatus, bool)
	// Binary picks the executable to launch from the --wstunnel-path flag
	// and the configured binary_path.
	Binary(flagPath, configured string) (string, error)
}

// SpawnErrorKind classifies why a process could not be started.
type SpawnErrorKind string

const (
	SpawnNotFound    SpawnErrorKind = "not_found"
	SpawnPermission  SpawnErrorKind = "permission"
	SpawnInvalidArgs SpawnErrorKind = "invalid_args"
	SpawnOther       SpawnErrorKind = "other"
)

// SpawnError is returned by Backend.Spawn.
type SpawnError struct {
	Kind SpawnErrorKind
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	switch e.Kind {
	case SpawnNotFound:
		if e.Path == "" {
			return "wstunnel binary not found"
		}
		return fmt.Sprintf("wstunnel binary not found at %s", e.Path)
	case SpawnPermission:
		return fmt.Sprintf("permission denied executing %s", e.Path)
	case SpawnInvalidArgs:
		return fmt.Sprintf("invalid arguments: %v", e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *SpawnError) Unwrap() error { return e.Err }

func classifySpawnError(path string, err error) *SpawnError {
	var se *SpawnError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &SpawnError{Kind: SpawnNotFound, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &SpawnError{Kind: SpawnPermission, Path: path, Err: err}
	default:
		return &SpawnError{Kind: SpawnOther, Path: path, Err: err}
	}
}

// MockEnabled reports whether the mock backend was requested through the
// environment.
func MockEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(util.MockEnvVar))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// FromEnv returns the mock backend when requested, the real one otherwise.
// Callers invoke it once at startup.
func FromEnv() Backend {
	if MockEnabled() {
		return NewMock()
	}
	return NewReal()
}
