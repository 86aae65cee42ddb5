package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrBinaryNotFound is returned when no wstunnel binary could be located.
var ErrBinaryNotFound = errors.New("wstunnel binary not found")

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "wstunnel.exe"
	}
	return "wstunnel"
}

// ResolveBinary picks the wstunnel executable in priority order: the command
// line flag, the configured binary_path, a binary next to this executable,
// ./wstunnel, and finally $PATH. An explicit path that does not exist is an
// error rather than a reason to keep searching.
func ResolveBinary(flagPath, override string) (string, error) {
	for _, explicit := range []string{flagPath, override} {
		explicit = strings.TrimSpace(explicit)
		if explicit == "" {
			continue
		}
		if err := checkExecutable(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), binaryName())
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	if wd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(wd, binaryName())
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	if p, err := exec.LookPath(binaryName()); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: set --wstunnel-path or global.binary_path, or put wstunnel on PATH", ErrBinaryNotFound)
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w at %s", ErrBinaryNotFound, path)
		}
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && st.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
