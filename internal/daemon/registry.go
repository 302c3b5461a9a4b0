package daemon

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"storlets/internal/logging"
)

const taskIDLength = 8

func newTaskID() string {
	return uuid.NewString()[:taskIDLength]
}

// gone reports errors meaning the process no longer exists as our child.
func gone(err error) bool {
	return errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ECHILD)
}

// cleanupPIDs drops every task whose executor has already exited.
func (d *Daemon) cleanupPIDs() {
	for taskID, pid := range d.tasks {
		exited, err := d.reaper.TryWait(pid)
		switch {
		case err == nil && exited, gone(err):
			delete(d.tasks, taskID)
		case err != nil:
			logging.WarnWithContext(d.logger, "failed to get executor status", "executor_status_failed",
				logging.String(logging.FieldTaskID, taskID),
				logging.Int(logging.FieldPID, pid),
				logging.Error(err),
			)
		}
	}
}

func (d *Daemon) removePID(pid int) {
	for taskID, p := range d.tasks {
		if p == pid {
			delete(d.tasks, taskID)
			return
		}
	}
}

// waitChildProcess frees at least one slot when possible. It returns without
// blocking when nothing is registered or when the opportunistic cleanup
// already freed a slot. An unexpected wait error is returned to the caller.
func (d *Daemon) waitChildProcess() error {
	before := len(d.tasks)
	d.cleanupPIDs()
	if len(d.tasks) == 0 || len(d.tasks) < before {
		return nil
	}

	pid, err := d.reaper.WaitAny()
	if err != nil {
		if errors.Is(err, unix.ECHILD) {
			clear(d.tasks)
			return nil
		}
		return fmt.Errorf("wait for executors: %w", err)
	}
	d.removePID(pid)
	return nil
}

func (d *Daemon) waitAllChildProcesses() {
	if len(d.tasks) > 0 {
		d.logger.Debug("waiting for executors to finish", logging.Int("tasks", len(d.tasks)))
	}
	for len(d.tasks) > 0 {
		if err := d.waitChildProcess(); err != nil {
			logging.ErrorWithContext(d.logger, "failed to drain executors", "drain_failed",
				logging.Int("tasks", len(d.tasks)),
				logging.Error(err),
			)
			return
		}
	}
}

// terminate signals a task's executor and drops it from the registry. A
// process that already exited counts as terminated.
func (d *Daemon) terminate(taskID string, pid int) error {
	if err := d.reaper.Terminate(pid); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	delete(d.tasks, taskID)
	// Reap right away if it is already gone; otherwise a later wait collects it.
	_, _ = d.reaper.TryWait(pid)
	return nil
}
