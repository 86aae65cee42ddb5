package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	defaultDrainTimeout = 2 * time.Second
	maxLineBytes        = 1 << 20
)

// Real runs wstunnel as an OS process.
type Real struct {
	// DrainTimeout bounds how long output is read after the process exits.
	// Grandchildren that inherited the pipes would otherwise keep them open.
	DrainTimeout time.Duration
}

func NewReal() *Real {
	return &Real{DrainTimeout: defaultDrainTimeout}
}

type realHandle struct {
	cmd   *exec.Cmd
	pid   int
	lines chan Line
	done  chan struct{}

	mu     sync.Mutex
	status ExitStatus
	exited bool
}

func (h *realHandle) PID() int              { return h.pid }
func (h *realHandle) Output() <-chan Line   { return h.lines }
func (h *realHandle) Done() <-chan struct{} { return h.done }

type stream struct {
	r      *os.File
	source Source
}

// Spawn starts the binary. Stdout and stderr are read on separate pipes unless
// spec.UsePTY is set, in which case both arrive on the pty master.
func (b *Real) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	args, err := BuildArgs(spec.Mode, spec.CLIArgs)
	if err != nil {
		return nil, &SpawnError{Kind: SpawnInvalidArgs, Path: spec.Binary, Err: err}
	}
	if strings.TrimSpace(spec.Binary) == "" {
		return nil, &SpawnError{Kind: SpawnNotFound, Err: ErrBinaryNotFound}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the process outlives the request that started it.
	cmd := exec.Command(spec.Binary, args...)
	cmd.Stdin = nil

	var streams []stream
	if spec.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, classifySpawnError(spec.Binary, err)
		}
		streams = []stream{{r: f, source: SourcePTY}}
	} else {
		setProcessGroup(cmd)
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, classifySpawnError(spec.Binary, err)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, classifySpawnError(spec.Binary, err)
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
		if err := cmd.Start(); err != nil {
			for _, f := range []*os.File{outR, outW, errR, errW} {
				f.Close()
			}
			return nil, classifySpawnError(spec.Binary, err)
		}
		// The child holds its own copies now.
		outW.Close()
		errW.Close()
		streams = []stream{{r: outR, source: SourceStdout}, {r: errR, source: SourceStderr}}
	}

	h := &realHandle{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		lines: make(chan Line, 256),
		done:  make(chan struct{}),
	}

	var readers sync.WaitGroup
	for _, s := range streams {
		readers.Add(1)
		go func(s stream) {
			defer readers.Done()
			pump(s, h.lines)
		}(s)
	}

	go func() {
		waitErr := cmd.Wait()
		status := exitStatusFrom(cmd.ProcessState, waitErr)

		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		drain := b.DrainTimeout
		if drain <= 0 {
			drain = defaultDrainTimeout
		}
		select {
		case <-drained:
		case <-time.After(drain):
			slog.Debug("output still open after exit, closing", "pid", h.pid)
			for _, s := range streams {
				s.r.Close()
			}
			<-drained
		}
		for _, s := range streams {
			s.r.Close()
		}

		h.mu.Lock()
		h.status = status
		h.exited = true
		h.mu.Unlock()
		close(h.lines)
		close(h.done)
	}()

	return h, nil
}

func pump(s stream, out chan<- Line) {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		out <- Line{Source: s.source, Text: strings.TrimRight(sc.Text(), "\r"), At: time.Now()}
	}
	// EIO from a pty master after the child exits and closed-file errors after
	// a drain timeout are the normal end of stream.
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) && s.source != SourcePTY {
		slog.Debug("output stream ended with error", "source", s.source, "error", err)
	}
}

// Binary resolves the wstunnel executable with ResolveBinary.
func (b *Real) Binary(flagPath, configured string) (string, error) {
	return ResolveBinary(flagPath, configured)
}

func (b *Real) handle(h Handle) (*realHandle, error) {
	rh, ok := h.(*realHandle)
	if !ok {
		return nil, fmt.Errorf("handle %T does not belong to the real backend", h)
	}
	return rh, nil
}

func (b *Real) Terminate(h Handle) error {
	rh, err := b.handle(h)
	if err != nil {
		return err
	}
	if _, exited := b.PollExit(rh); exited {
		return nil
	}
	return terminate(rh)
}

func (b *Real) ForceKill(h Handle) error {
	rh, err := b.handle(h)
	if err != nil {
		return err
	}
	if _, exited := b.PollExit(rh); exited {
		return nil
	}
	return forceKill(rh)
}

func (b *Real) PollExit(h Handle) (ExitStatus, bool) {
	rh, ok := h.(*realHandle)
	if !ok {
		return ExitStatus{}, false
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.status, rh.exited
}
