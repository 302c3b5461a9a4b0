package factory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"storlets/internal/logging"
	"storlets/internal/sbus"
)

// Client is the part of the bus client the factory uses.
type Client interface {
	Call(ctx context.Context, path string, cmd sbus.Command, params sbus.Params, taskID string) (sbus.Reply, error)
	CallRaw(ctx context.Context, path string, cmd sbus.Command, params sbus.Params, taskID string) ([]byte, error)
}

// Options configures a Factory.
type Options struct {
	Channel     string
	ContainerID string

	PingRetries    int
	PingRetryDelay time.Duration
	PingTimeout    time.Duration

	Processes  ProcessManager
	Bus        Client
	Languages  *Languages
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type daemonEntry struct {
	pid     int
	channel string
}

// Factory starts, probes and stops storlet daemons.
type Factory struct {
	channel     string
	containerID string

	pingRetries    int
	pingRetryDelay time.Duration
	pingTimeout    time.Duration

	procs     ProcessManager
	bus       Client
	languages *Languages
	metrics   *metrics
	logger    *slog.Logger

	mu      sync.Mutex
	daemons map[string]daemonEntry
}

// New builds a factory. Unset collaborators default to the real process
// manager, bus client and language registry.
func New(opts Options) (*Factory, error) {
	if opts.Channel == "" {
		return nil, errors.New("factory requires a channel path")
	}
	if opts.PingRetries < 1 {
		opts.PingRetries = 1
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = time.Second
	}
	if opts.Processes == nil {
		opts.Processes = UnixProcessManager{}
	}
	if opts.Bus == nil {
		opts.Bus = sbus.Client{}
	}
	if opts.Languages == nil {
		opts.Languages = &Languages{}
	}
	f := &Factory{
		channel:        opts.Channel,
		containerID:    opts.ContainerID,
		pingRetries:    opts.PingRetries,
		pingRetryDelay: opts.PingRetryDelay,
		pingTimeout:    opts.PingTimeout,
		procs:          opts.Processes,
		bus:            opts.Bus,
		languages:      opts.Languages,
		logger:         logging.NewComponentLogger(opts.Logger, "factory"),
		daemons:        make(map[string]daemonEntry),
	}
	f.metrics = newMetrics(opts.Registerer, f.size)
	return f, nil
}

func (f *Factory) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.daemons)
}

func (f *Factory) lookup(name string) (daemonEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.daemons[name]
	return entry, ok
}

func (f *Factory) record(name string, entry daemonEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daemons[name] = entry
}

func (f *Factory) forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.daemons, name)
}

// Daemons returns the registered daemon names in sorted order.
func (f *Factory) Daemons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.daemons))
	for name := range f.daemons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PID returns the pid recorded for name.
func (f *Factory) PID(name string) (int, bool) {
	entry, ok := f.lookup(name)
	return entry.pid, ok
}

// ProcessStartDaemon starts the daemon for name unless a live one is already
// registered, in which case it returns false without spawning.
func (f *Factory) ProcessStartDaemon(ctx context.Context, lang, path, name string, poolSize int, channel, logLevel string) (bool, error) {
	if entry, ok := f.lookup(name); ok {
		alive, err := f.ProcessStatusByPID(entry.pid, name)
		if err != nil {
			return false, err
		}
		if alive {
			return false, nil
		}
		f.logger.Info("replacing exited storlet daemon",
			logging.String(logging.FieldStorlet, name),
			logging.Int(logging.FieldPID, entry.pid),
		)
		f.forget(name)
	}

	argv, overlay, err := f.languages.Build(lang, LaunchOptions{
		ModulePath:  path,
		ModuleName:  name,
		PoolSize:    poolSize,
		Channel:     channel,
		LogLevel:    logLevel,
		ContainerID: f.containerID,
	})
	if err != nil {
		f.metrics.starts.WithLabelValues("rejected").Inc()
		return false, err
	}

	err = f.spawnDaemon(ctx, argv, mergeEnv(os.Environ(), overlay), name, channel)
	f.metrics.starts.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *Factory) spawnDaemon(ctx context.Context, argv, env []string, name, channel string) error {
	logger := f.logger.With(logging.String(logging.FieldStorlet, name), logging.String(logging.FieldChannel, channel))
	logger.Debug("starting storlet daemon", logging.Strings("argv", argv))

	pid, err := f.procs.Spawn(argv, env)
	if err != nil {
		logging.ErrorWithContext(logger, "failed to start storlet daemon", "daemon_spawn_failed", logging.Error(err))
		return newDaemonError("start", name, 0, err, "failed to start the storlet daemon "+name)
	}
	logger = logger.With(logging.Int(logging.FieldPID, pid))

	exited, err := f.procs.TryWait(pid)
	if err != nil || exited {
		logging.ErrorWithContext(logger, "storlet daemon exited right after start", "daemon_exited_early", logging.Error(err))
		if !exited {
			f.discard(logger, pid)
		}
		return newDaemonError("start", name, pid, err, "the storlet daemon "+name+" terminated right after it started")
	}

	if !f.waitForDaemonToInitialize(ctx, channel) {
		logging.ErrorWithContext(logger, "storlet daemon did not become ready", "daemon_not_ready",
			logging.Int("attempts", f.pingRetries),
		)
		f.discard(logger, pid)
		return newDaemonError("start", name, pid, nil, "no response from the storlet daemon "+name)
	}

	f.record(name, daemonEntry{pid: pid, channel: channel})
	logger.Info("storlet daemon started")
	return nil
}

// discard kills and reaps a daemon that never made it into the registry.
func (f *Factory) discard(logger *slog.Logger, pid int) {
	if err := f.procs.Kill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn("failed to kill unregistered storlet daemon", logging.Error(err))
	}
	if _, err := f.procs.Wait(pid); err != nil && !errors.Is(err, unix.ECHILD) {
		logger.Warn("failed to reap unregistered storlet daemon", logging.Error(err))
	}
}

// waitForDaemonToInitialize pings channel until the daemon answers or the
// retry budget is spent.
func (f *Factory) waitForDaemonToInitialize(ctx context.Context, channel string) bool {
	for attempt := 1; attempt <= f.pingRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
		reply, err := f.bus.Call(pingCtx, channel, sbus.CommandPing, nil, "")
		cancel()
		if err == nil && reply.OK {
			f.metrics.readiness.Observe(float64(attempt))
			return true
		}
		f.logger.Debug("storlet daemon not ready yet",
			logging.String(logging.FieldChannel, channel),
			logging.Int("attempt", attempt),
			logging.Any("reply", reply),
			logging.Error(err),
		)
		if attempt == f.pingRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.pingRetryDelay):
		}
	}
	return false
}

// ProcessStatusByPID probes pid without blocking. An exited or vanished
// process is reported as not alive.
func (f *Factory) ProcessStatusByPID(pid int, name string) (bool, error) {
	exited, err := f.procs.TryWait(pid)
	switch {
	case err == nil:
		return !exited, nil
	case errors.Is(err, unix.ESRCH), errors.Is(err, unix.ECHILD):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return false, newDaemonError("status", name, pid, err, "no permission to access the storlet daemon for "+name)
	default:
		return false, newDaemonError("status", name, pid, err, "unknown error")
	}
}

// ProcessStatusByName probes the daemon registered for name. An unknown
// name is not alive. A daemon confirmed gone is dropped from the registry,
// since the probe may have reaped it.
func (f *Factory) ProcessStatusByName(name string) (bool, error) {
	entry, ok := f.lookup(name)
	if !ok {
		return false, nil
	}
	alive, err := f.ProcessStatusByPID(entry.pid, name)
	if err == nil && !alive {
		f.forget(name)
		f.logger.Info("storlet daemon is gone; entry removed",
			logging.String(logging.FieldStorlet, name),
			logging.Int(logging.FieldPID, entry.pid),
		)
	}
	return alive, err
}

// ProcessKill kills the daemon for name and collects its exit code. A daemon
// that no longer exists counts as killed. The entry is kept when either step
// otherwise fails.
func (f *Factory) ProcessKill(name string) (pid int, code int, err error) {
	defer func() { f.metrics.stops.WithLabelValues("kill", resultLabel(err)).Inc() }()

	entry, ok := f.lookup(name)
	if !ok {
		return 0, 0, newDaemonError("kill", name, 0, nil, name+" is not found")
	}
	if err := f.procs.Kill(entry.pid); err != nil {
		if errors.Is(err, unix.ESRCH) {
			f.forget(name)
			f.logger.Info("storlet daemon already gone; entry removed",
				logging.String(logging.FieldStorlet, name),
				logging.Int(logging.FieldPID, entry.pid),
			)
			return entry.pid, 0, nil
		}
		logging.WarnWithContext(f.logger, "failed to send kill signal", "daemon_kill_failed",
			logging.String(logging.FieldStorlet, name),
			logging.Int(logging.FieldPID, entry.pid),
			logging.Error(err),
		)
		return 0, 0, newDaemonError("kill", name, entry.pid, err, "failed to send kill signal to "+name)
	}
	code, err = f.procs.Wait(entry.pid)
	if err != nil {
		logging.WarnWithContext(f.logger, "failed to wait for killed daemon", "daemon_wait_failed",
			logging.String(logging.FieldStorlet, name),
			logging.Int(logging.FieldPID, entry.pid),
			logging.Error(err),
		)
		return 0, 0, newDaemonError("kill", name, entry.pid, err, "failed to wait for "+name)
	}
	f.forget(name)
	f.logger.Info("storlet daemon killed",
		logging.String(logging.FieldStorlet, name),
		logging.Int(logging.FieldPID, entry.pid),
		logging.Int("exit_code", code),
	)
	return entry.pid, code, nil
}

// ProcessKillAll kills every registered daemon. With tryAll it carries on
// past failures and reports them together; otherwise it stops at the first.
func (f *Factory) ProcessKillAll(tryAll bool) error {
	var failed []string
	for _, name := range f.Daemons() {
		if _, _, err := f.ProcessKill(name); err != nil {
			if !tryAll {
				return err
			}
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return aggregateError("kill_all", "failed to stop some storlet daemons", failed)
	}
	return nil
}

// ShutdownProcess asks the daemon for name to halt and waits for it to exit.
func (f *Factory) ShutdownProcess(ctx context.Context, name string) (err error) {
	defer func() { f.metrics.stops.WithLabelValues("halt", resultLabel(err)).Inc() }()

	entry, ok := f.lookup(name)
	if !ok {
		return newDaemonError("shutdown", name, 0, nil, name+" is not found")
	}
	haltCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
	_, err = f.bus.CallRaw(haltCtx, entry.channel, sbus.CommandHalt, nil, "")
	cancel()
	if err != nil {
		if alive, serr := f.ProcessStatusByPID(entry.pid, name); serr == nil && !alive {
			f.forget(name)
			f.logger.Info("storlet daemon already gone; entry removed",
				logging.String(logging.FieldStorlet, name),
				logging.Int(logging.FieldPID, entry.pid),
			)
			return nil
		}
		logging.WarnWithContext(f.logger, "failed to send halt", "daemon_halt_failed",
			logging.String(logging.FieldStorlet, name),
			logging.Error(err),
		)
		return newDaemonError("shutdown", name, entry.pid, err, "failed to send halt to "+name)
	}
	code, err := f.procs.Wait(entry.pid)
	if errors.Is(err, unix.ECHILD) {
		f.forget(name)
		return nil
	}
	if err != nil {
		return newDaemonError("shutdown", name, entry.pid, err, "failed to wait for "+name)
	}
	f.forget(name)
	f.logger.Info("storlet daemon halted",
		logging.String(logging.FieldStorlet, name),
		logging.Int(logging.FieldPID, entry.pid),
		logging.Int("exit_code", code),
	)
	return nil
}

// ShutdownAllProcesses halts every registered daemon and returns the names
// that terminated. tryAll behaves as in ProcessKillAll.
func (f *Factory) ShutdownAllProcesses(ctx context.Context, tryAll bool) ([]string, error) {
	var terminated, failed []string
	for _, name := range f.Daemons() {
		if err := f.ShutdownProcess(ctx, name); err != nil {
			if !tryAll {
				return terminated, err
			}
			failed = append(failed, name)
			continue
		}
		terminated = append(terminated, name)
	}
	if len(failed) > 0 {
		return terminated, aggregateError("shutdown_all", "failed to shutdown some storlet daemons", failed)
	}
	return terminated, nil
}
