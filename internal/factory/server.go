package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"

	"storlets/internal/logging"
	"storlets/internal/sbus"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ErrUnknownCommand is returned for commands outside the factory's handler table.
var ErrUnknownCommand = errors.New("unknown command")

// Parameter names of START_DAEMON and the other daemon commands.
const (
	ParamLanguage    = "daemon_language"
	ParamStorletPath = "storlet_path"
	ParamStorletName = "storlet_name"
	ParamPoolSize    = "pool_size"
	ParamChannel     = "uds_path"
	ParamLogLevel    = "log_level"
)

type handlerFunc func(*Factory, context.Context, sbus.Params) CommandResponse

var handlers = map[sbus.Command]handlerFunc{
	sbus.CommandStartDaemon:  (*Factory).startDaemon,
	sbus.CommandStopDaemon:   (*Factory).stopDaemon,
	sbus.CommandDaemonStatus: (*Factory).daemonStatus,
	sbus.CommandStopDaemons:  (*Factory).stopDaemons,
	sbus.CommandHalt:         (*Factory).halt,
	sbus.CommandPing:         (*Factory).ping,
}

func lookupHandler(cmd sbus.Command) (handlerFunc, error) {
	if _, ok := cmd.HandlerName(); ok {
		if h, ok := handlers[cmd]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownCommand, cmd)
}

// Handle runs the handler for cmd. Unknown commands produce a failure that
// keeps the loop going.
func (f *Factory) Handle(ctx context.Context, cmd sbus.Command, params sbus.Params) CommandResponse {
	handler, err := lookupHandler(cmd)
	if err != nil {
		return failure(err.Error())
	}
	return handler(f, ctx, params)
}

func requireParams(params sbus.Params, keys ...string) error {
	var missing []string
	for _, key := range keys {
		if strings.TrimSpace(params.Get(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (f *Factory) startDaemon(ctx context.Context, params sbus.Params) CommandResponse {
	if err := requireParams(params, ParamLanguage, ParamStorletPath, ParamStorletName, ParamPoolSize, ParamChannel); err != nil {
		return failure(err.Error())
	}
	poolSize, err := params.Int(ParamPoolSize)
	if err != nil {
		return failure(fmt.Sprintf("invalid %s: %v", ParamPoolSize, err))
	}
	name := params.Get(ParamStorletName)
	started, err := f.ProcessStartDaemon(ctx,
		params.Get(ParamLanguage),
		params.Get(ParamStorletPath),
		name,
		poolSize,
		params.Get(ParamChannel),
		params.Get(ParamLogLevel),
	)
	if err != nil {
		return failure(err.Error())
	}
	if !started {
		return success(name + " is already running")
	}
	return success("OK")
}

func (f *Factory) stopDaemon(_ context.Context, params sbus.Params) CommandResponse {
	name := params.Get(ParamStorletName)
	pid, code, err := f.ProcessKill(name)
	if err != nil {
		return failure("failed to kill the storlet daemon " + name)
	}
	return success(fmt.Sprintf("Storlet %s, PID = %d, ErrCode = %d", name, pid, code))
}

func (f *Factory) daemonStatus(_ context.Context, params sbus.Params) CommandResponse {
	name := params.Get(ParamStorletName)
	alive, err := f.ProcessStatusByName(name)
	if err != nil {
		return failure(err.Error())
	}
	if !alive {
		return failure("No running storlet daemon for " + name)
	}
	return success(fmt.Sprintf("Storlet %s seems to be OK", name))
}

func (f *Factory) stopDaemons(context.Context, sbus.Params) CommandResponse {
	if err := f.ProcessKillAll(true); err != nil {
		return failure(err.Error()).final()
	}
	return success("OK").final()
}

func (f *Factory) halt(ctx context.Context, _ sbus.Params) CommandResponse {
	names := f.Daemons()
	terminated, _ := f.ShutdownAllProcesses(ctx, true)
	done := make(map[string]bool, len(terminated))
	for _, name := range terminated {
		done[name] = true
	}
	summary := make([]string, 0, len(names))
	for _, name := range names {
		state := "failed"
		if done[name] {
			state = "terminated"
		}
		summary = append(summary, name+": "+state)
	}
	return success(strings.Join(summary, "; ")).final()
}

func (f *Factory) ping(context.Context, sbus.Params) CommandResponse {
	return success("OK")
}

// Start takes the channel lock and serves until a final response or ctx ends.
func (f *Factory) Start(ctx context.Context) (int, error) {
	lockPath := f.channel + ".lock"
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return ExitFailure, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ExitFailure, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			f.logger.Warn("failed to release factory lock", logging.Error(err))
		}
	}()
	return f.Run(ctx), nil
}

// Run serves the factory channel. It returns ExitFailure when the bus fails,
// after a best-effort kill of every daemon.
func (f *Factory) Run(ctx context.Context) int {
	bus, err := sbus.Create(f.channel)
	if err != nil {
		logging.ErrorWithContext(f.logger, "failed to create bus", "bus_create_failed",
			logging.String(logging.FieldChannel, f.channel),
			logging.Error(err),
		)
		return ExitFailure
	}
	defer bus.Close()
	f.logger.Info("daemon factory listening",
		logging.String(logging.FieldChannel, f.channel),
		logging.String(logging.FieldContainerID, f.containerID),
	)

	for {
		if err := bus.Listen(ctx); err != nil {
			if ctx.Err() != nil {
				f.logger.Info("factory context canceled; stopping daemons")
				f.killAllOnExit()
				return ExitSuccess
			}
			logging.ErrorWithContext(f.logger, "failed to wait on bus", "bus_listen_failed", logging.Error(err))
			f.killAllOnExit()
			return ExitFailure
		}
		dtg, err := bus.Receive()
		if err != nil {
			if sbus.IsProtocolError(err) {
				logging.WarnWithContext(f.logger, "discarding malformed datagram", "bus_protocol_error", logging.Error(err))
				continue
			}
			logging.ErrorWithContext(f.logger, "failed to receive message", "bus_receive_failed", logging.Error(err))
			f.killAllOnExit()
			return ExitFailure
		}
		if !f.Dispatch(ctx, dtg).Iterable {
			f.logger.Info("daemon factory leaving main loop")
			return ExitSuccess
		}
	}
}

func (f *Factory) killAllOnExit() {
	if err := f.ProcessKillAll(true); err != nil {
		logging.WarnWithContext(f.logger, "failed to stop storlet daemons on exit", "kill_all_failed", logging.Error(err))
	}
}

// Dispatch handles one datagram, writes the reply to its service out
// descriptor and closes every descriptor it carried.
func (f *Factory) Dispatch(ctx context.Context, dtg *sbus.Datagram) CommandResponse {
	files := make(map[int]*os.File, len(dtg.FDs))
	for _, fd := range dtg.FDs {
		if _, dup := files[fd]; !dup {
			files[fd] = os.NewFile(uintptr(fd), "sbus")
		}
	}
	defer func() {
		for fd, file := range files {
			if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				f.logger.Warn("failed to close descriptor", logging.Int("fd", fd), logging.Error(err))
			}
		}
	}()

	logger := f.logger.With(logging.String(logging.FieldCommand, string(dtg.Command)))
	resp := f.Handle(ctx, dtg.Command, dtg.Params)
	if resp.Status {
		logger.Debug("command succeeded", logging.String("message", resp.Message))
	} else {
		logging.WarnWithContext(logger, "command failed", "command_failed", logging.String("message", resp.Message))
	}

	if fd, ok := dtg.ServiceOutFD(); ok {
		if err := sbus.WriteReply(files[fd], resp.Reply()); err != nil {
			logger.Warn("failed to write reply", logging.Error(err))
		}
	}
	return resp
}
