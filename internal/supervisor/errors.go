package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for a tunnel id that is neither configured nor tracked.
	ErrNotFound = errors.New("tunnel not found")
	// ErrAlreadyActive is returned by Start while a process handle exists.
	ErrAlreadyActive = errors.New("tunnel is already active")
	// ErrInUse is returned by Delete and Edit while the tunnel is active.
	ErrInUse = errors.New("tunnel is in use, stop it first")
	// ErrClosed is returned by Start once ShutdownAll has begun.
	ErrClosed = errors.New("supervisor is shutting down")
)

// SpawnError means the backend could not start the process.
type SpawnError struct {
	Detail string
	Err    error
}

func (e *SpawnError) Error() string {
	return "spawn failed: " + e.Detail
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes a process that ended while it was expected to run.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "terminated by signal " + e.Signal
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}
