//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own group so signals reach anything
// it forks. pty.Start already makes the child a session leader.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(h *realHandle) error {
	return signalGroup(h.pid, unix.SIGTERM)
}

func forceKill(h *realHandle) error {
	return signalGroup(h.pid, unix.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; the leader may still be unreaped.
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		if waitErr != nil {
			return ExitStatus{Code: -1, Signal: "UNKNOWN"}
		}
		return ExitStatus{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}
