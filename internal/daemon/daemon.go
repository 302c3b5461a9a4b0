package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"storlets/internal/logging"
	"storlets/internal/sbus"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ErrUnknownCommand is returned for commands outside the daemon's handler table.
var ErrUnknownCommand = errors.New("unknown command")

// Options configures a Daemon.
type Options struct {
	StorletName string
	Channel     string
	ContainerID string
	PoolSize    int
	ChunkSize   int
	LogLevel    string
	// ModulePath is the installed storlet directory. Executors run there.
	ModulePath  string

	Spawner Spawner
	Reaper  Reaper
	Logger  *slog.Logger
}

// Daemon serves one storlet on one channel.
type Daemon struct {
	name        string
	channel     string
	containerID string
	poolSize    int
	chunkSize   int
	logLevel    string
	modulePath  string

	spawner Spawner
	reaper  Reaper
	logger  *slog.Logger

	// tasks maps task id to executor pid. Only the command loop touches it.
	tasks map[string]int
}

// New validates opts and builds a daemon.
func New(opts Options) (*Daemon, error) {
	if opts.StorletName == "" {
		return nil, errors.New("daemon requires a storlet name")
	}
	if opts.Channel == "" {
		return nil, errors.New("daemon requires a channel path")
	}
	if opts.PoolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", opts.PoolSize)
	}
	if opts.Spawner == nil {
		opts.Spawner = &ExecSpawner{Args: []string{"task"}}
	}
	if opts.Reaper == nil {
		opts.Reaper = UnixReaper{}
	}
	return &Daemon{
		name:        opts.StorletName,
		channel:     opts.Channel,
		containerID: opts.ContainerID,
		poolSize:    opts.PoolSize,
		chunkSize:   opts.ChunkSize,
		logLevel:    opts.LogLevel,
		modulePath:  opts.ModulePath,
		spawner:     opts.Spawner,
		reaper:      opts.Reaper,
		logger:      logging.NewComponentLogger(opts.Logger, "daemon"),
		tasks:       make(map[string]int),
	}, nil
}

// Run serves the channel until a halt command arrives or ctx ends, then
// waits for every outstanding executor. The result is a process exit code.
func (d *Daemon) Run(ctx context.Context) int {
	bus, err := sbus.Create(d.channel)
	if err != nil {
		logging.ErrorWithContext(d.logger, "failed to create bus", "bus_create_failed",
			logging.String(logging.FieldChannel, d.channel),
			logging.Error(err),
		)
		return ExitFailure
	}
	defer bus.Close()
	d.logger.Info("daemon listening",
		logging.String(logging.FieldChannel, d.channel),
		logging.Int("pool_size", d.poolSize),
		logging.String("module_path", d.modulePath),
	)

	code := ExitSuccess
	for {
		if err := bus.Listen(ctx); err != nil {
			if ctx.Err() != nil {
				d.logger.Info("daemon context canceled; leaving main loop")
				break
			}
			logging.ErrorWithContext(d.logger, "failed to wait on bus", "bus_listen_failed", logging.Error(err))
			code = ExitFailure
			break
		}
		dtg, err := bus.Receive()
		if err != nil {
			if sbus.IsProtocolError(err) {
				logging.WarnWithContext(d.logger, "discarding malformed datagram", "bus_protocol_error", logging.Error(err))
				continue
			}
			logging.ErrorWithContext(d.logger, "failed to receive message", "bus_receive_failed", logging.Error(err))
			code = ExitFailure
			break
		}
		if !d.Dispatch(dtg) {
			break
		}
	}

	d.logger.Debug("leaving main loop")
	d.waitAllChildProcesses()
	return code
}

// Dispatch handles one datagram and closes its descriptors. It returns false
// when the loop should stop.
func (d *Daemon) Dispatch(dtg *sbus.Datagram) bool {
	req := newRequest(dtg)
	defer req.closeAll(d.logger)

	logger := d.logger.With(logging.String(logging.FieldCommand, string(dtg.Command)))
	logger.Debug("received command")

	handler, err := lookupHandler(dtg.Command)
	if err != nil {
		logging.WarnWithContext(logger, "failed to decide handler", "unknown_command", logging.Error(err))
		req.replyFailure(logger, err)
		return true
	}
	keepGoing, err := handler(d, req)
	if err != nil {
		logging.ErrorWithContext(logger, "command failed", "command_failed", logging.Error(err))
		req.replyFailure(logger, err)
	}
	return keepGoing
}

// Tasks returns a copy of the task registry.
func (d *Daemon) Tasks() map[string]int {
	out := make(map[string]int, len(d.tasks))
	for id, pid := range d.tasks {
		out[id] = pid
	}
	return out
}

type handlerFunc func(*Daemon, *request) (bool, error)

var handlers = map[sbus.Command]handlerFunc{
	sbus.CommandPing:       (*Daemon).ping,
	sbus.CommandExecute:    (*Daemon).execute,
	sbus.CommandCancel:     (*Daemon).cancel,
	sbus.CommandHalt:       (*Daemon).halt,
	sbus.CommandDescriptor: (*Daemon).descriptor,
}

func lookupHandler(cmd sbus.Command) (handlerFunc, error) {
	if _, ok := cmd.HandlerName(); ok {
		if h, ok := handlers[cmd]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownCommand, cmd)
}

func (d *Daemon) ping(req *request) (bool, error) {
	return true, req.reply(sbus.Success("OK"))
}

func (d *Daemon) halt(*request) (bool, error) {
	return false, nil
}

func (d *Daemon) descriptor(*request) (bool, error) {
	return true, errors.New("descriptor operation is not implemented")
}

func (d *Daemon) execute(req *request) (bool, error) {
	dtg := req.dtg
	taskFD, _ := dtg.TaskIDOutFD()
	loggerFD, _ := dtg.LoggerOutFD()
	inFDs := dtg.ObjectInFDs()
	outFDs := dtg.ObjectOutFDs()
	mdFDs := dtg.ObjectMetadataOutFDs()

	taskID := newTaskID()
	for len(d.tasks) >= d.poolSize {
		if err := d.waitChildProcess(); err != nil {
			return true, err
		}
	}

	d.logger.Debug("returning task id", logging.String(logging.FieldTaskID, taskID))
	if _, err := io.WriteString(req.file(taskFD), taskID); err != nil {
		return true, fmt.Errorf("write task id: %w", err)
	}
	req.close(taskFD, d.logger)

	files := TaskFiles{
		Output:   req.file(outFDs[0]),
		Metadata: req.file(mdFDs[0]),
		Logger:   req.file(loggerFD),
	}
	for _, fd := range inFDs {
		files.Inputs = append(files.Inputs, req.file(fd))
	}
	spec := TaskSpec{
		TaskID:        taskID,
		Storlet:       d.name,
		ContainerID:   d.containerID,
		ModulePath:    d.modulePath,
		ChunkSize:     d.chunkSize,
		Inputs:        len(files.Inputs),
		InputMetadata: dtg.ObjectInMetadata(),
		Params:        dtg.Params,
		LogLevel:      d.logLevel,
	}
	pid, err := d.spawner.Spawn(spec, files)
	if err != nil {
		return true, fmt.Errorf("spawn executor for task %s: %w", taskID, err)
	}
	d.tasks[taskID] = pid
	d.logger.Debug("created executor",
		logging.Int(logging.FieldPID, pid),
		logging.String(logging.FieldTaskID, taskID),
	)
	return true, nil
}

func (d *Daemon) cancel(req *request) (bool, error) {
	taskID := req.dtg.TaskID
	pid, ok := d.tasks[taskID]
	if !ok {
		return true, req.reply(sbus.Failure(fmt.Sprintf("task %s not found", taskID)))
	}
	if err := d.terminate(taskID, pid); err != nil {
		logging.ErrorWithContext(d.logger, "failed to cancel task", "cancel_failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.Int(logging.FieldPID, pid),
			logging.Error(err),
		)
		return true, req.reply(sbus.Failure(fmt.Sprintf("failed to cancel task %s: %v", taskID, err)))
	}
	return true, req.reply(sbus.Success("OK"))
}

// request pairs a datagram with *os.File views of its descriptors so each
// descriptor is closed exactly once, whichever path closes it first.
type request struct {
	dtg   *sbus.Datagram
	files map[int]*os.File
	order []int
}

func newRequest(dtg *sbus.Datagram) *request {
	req := &request{dtg: dtg, files: make(map[int]*os.File, len(dtg.FDs))}
	for i, fd := range dtg.FDs {
		if _, dup := req.files[fd]; dup {
			continue
		}
		req.files[fd] = os.NewFile(uintptr(fd), string(dtg.Metadata[i].Type))
		req.order = append(req.order, fd)
	}
	return req
}

func (r *request) file(fd int) *os.File {
	return r.files[fd]
}

func (r *request) reply(rep sbus.Reply) error {
	fd, ok := r.dtg.ServiceOutFD()
	if !ok {
		return errors.New("datagram has no service out descriptor")
	}
	return sbus.WriteReply(r.files[fd], rep)
}

func (r *request) replyFailure(logger *slog.Logger, err error) {
	if _, ok := r.dtg.ServiceOutFD(); !ok {
		return
	}
	if werr := r.reply(sbus.Failure(err.Error())); werr != nil {
		logger.Warn("failed to write failure reply", logging.Error(werr))
	}
}

func (r *request) close(fd int, logger *slog.Logger) {
	f, ok := r.files[fd]
	if !ok {
		return
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("failed to close descriptor", logging.Int("fd", fd), logging.Error(err))
	}
}

func (r *request) closeAll(logger *slog.Logger) {
	for _, fd := range r.order {
		r.close(fd, logger)
	}
}
