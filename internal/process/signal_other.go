//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminate has no graceful variant here; the process is killed outright.
func terminate(h *realHandle) error {
	return forceKill(h)
}

func forceKill(h *realHandle) error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	if err == os.ErrProcessDone {
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
	return ExitStatus{Code: state.ExitCode()}
}
