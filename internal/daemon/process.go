package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Spawner starts one task executor process and returns its pid.
type Spawner interface {
	Spawn(spec TaskSpec, files TaskFiles) (int, error)
}

// Reaper wraps the process calls the daemon needs to track executors.
type Reaper interface {
	// WaitAny blocks until some child exits and returns its pid.
	WaitAny() (int, error)
	// TryWait reaps pid if it has exited, without blocking.
	TryWait(pid int) (bool, error)
	// Terminate asks pid to exit.
	Terminate(pid int) error
}

// UnixReaper implements Reaper with wait4(2) and kill(2).
type UnixReaper struct{}

func (UnixReaper) WaitAny() (int, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return pid, err
	}
}

func (UnixReaper) TryWait(pid int) (bool, error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	return got == pid, nil
}

func (UnixReaper) Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// ExecSpawner re-executes a binary (the running one by default) with the
// task descriptors placed at the slots OpenTaskFiles expects. The executor
// starts in the task's module directory when that directory exists.
type ExecSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args follow argv[0] and precede the --spec flag, e.g. ["task"].
	Args []string
	// Env defaults to the daemon's environment.
	Env []string
	// Stderr receives the executor's diagnostics. Defaults to os.Stderr.
	Stderr *os.File
}

func (s *ExecSpawner) Spawn(spec TaskSpec, files TaskFiles) (int, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return 0, fmt.Errorf("encode task spec: %w", err)
	}
	argv := append([]string{exe}, s.Args...)
	argv = append(argv, "--spec", string(encoded))

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	stderr := s.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	slots := []*os.File{devNull, stderr, stderr, files.Output, files.Metadata, files.Logger}
	slots = append(slots, files.Inputs...)

	env := s.Env
	if env == nil {
		env = os.Environ()
	}
	attr := &os.ProcAttr{Env: env, Files: slots}
	if info, err := os.Stat(spec.ModulePath); spec.ModulePath != "" && err == nil && info.IsDir() {
		attr.Dir = spec.ModulePath
	}
	proc, err := os.StartProcess(exe, argv, attr)
	if err != nil {
		return 0, fmt.Errorf("start executor: %w", err)
	}
	pid := proc.Pid
	// Reaping goes through wait4 on the pid, so the handle is not needed.
	_ = proc.Release()
	return pid, nil
}
