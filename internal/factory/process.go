package factory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessManager starts and tracks daemon processes.
type ProcessManager interface {
	// Spawn starts argv with env and returns the pid.
	Spawn(argv []string, env []string) (int, error)
	// TryWait reports whether pid has exited, reaping it if so, without blocking.
	TryWait(pid int) (bool, error)
	// Wait blocks until pid exits and returns its exit code.
	Wait(pid int) (int, error)
	// Kill forcefully terminates pid.
	Kill(pid int) error
}

// UnixProcessManager runs daemons as direct children of the factory.
type UnixProcessManager struct {
	// Stdout and Stderr receive daemon output. Both default to os.Stderr.
	Stdout *os.File
	Stderr *os.File
}

func (m UnixProcessManager) Spawn(argv []string, env []string) (int, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return 0, errors.New("launch daemon: executable path is empty")
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	stdout, stderr := m.Stdout, m.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if stdout == nil {
		stdout = stderr
	}
	proc, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devNull, stdout, stderr},
	})
	if err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Pid
	// Status is collected with wait4 on the pid.
	_ = proc.Release()
	return pid, nil
}

func (UnixProcessManager) TryWait(pid int) (bool, error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	return got == pid, nil
}

func (UnixProcessManager) Wait(pid int) (int, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return exitCode(ws), nil
	}
}

func (UnixProcessManager) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if pid == os.Getpid() {
		return fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	return unix.Kill(pid, unix.SIGKILL)
}

// exitCode follows the shell convention of 128+signal for killed processes.
func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}
