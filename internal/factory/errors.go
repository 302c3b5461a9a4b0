package factory

import (
	"errors"
	"strings"
)

// ErrAlreadyRunning is returned by Start when another factory holds the channel lock.
var ErrAlreadyRunning = errors.New("another daemon factory is already serving this channel")

// ConfigError reports a request the factory cannot act on, such as an
// unsupported daemon language. Nothing is spawned when it is returned.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// DaemonError reports a daemon lifecycle failure. Bulk operations list every
// module that failed in Failed.
type DaemonError struct {
	Module  string
	PID     int
	Op      string
	Failed  []string
	Message string
	Err     error
}

func (e *DaemonError) Error() string { return e.Message }

func (e *DaemonError) Unwrap() error { return e.Err }

func newDaemonError(op, module string, pid int, err error, message string) *DaemonError {
	return &DaemonError{Module: module, PID: pid, Op: op, Message: message, Err: err}
}

func aggregateError(op, prefix string, failed []string) *DaemonError {
	return &DaemonError{
		Op:      op,
		Failed:  failed,
		Message: prefix + ": " + strings.Join(failed, ", "),
	}
}
