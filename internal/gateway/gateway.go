package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"storlets/internal/config"
	"storlets/internal/logging"
	"storlets/internal/sbus"
)

// ErrTimeout is returned when the daemon does not produce the next piece of
// a response in time.
var ErrTimeout = errors.New("storlet timed out")

// StorletInfo is what the directory knows about a registered storlet.
type StorletInfo struct {
	Name         string
	Language     string
	Main         string
	Dependencies []string
}

// Directory resolves storlet names to their registration.
type Directory interface {
	Lookup(ctx context.Context, name string) (StorletInfo, error)
}

// Bus is the part of the bus client the gateway uses.
type Bus interface {
	Call(ctx context.Context, path string, cmd sbus.Command, params sbus.Params, taskID string) (sbus.Reply, error)
	Send(path string, d *sbus.Datagram) error
}

// Option customises the Gateway.
type Option func(*Gateway)

// WithDirectory sets the registration lookup used to fill in missing options.
func WithDirectory(dir Directory) Option {
	return func(g *Gateway) {
		if dir != nil {
			g.dir = dir
		}
	}
}

// WithBus overrides the bus client (primarily for tests).
func WithBus(bus Bus) Option {
	return func(g *Gateway) {
		if bus != nil {
			g.bus = bus
		}
	}
}

// WithTimeout overrides the per-step timeout taken from configuration.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// Gateway runs storlet invocations for one configuration.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	dir     Directory
	bus     Bus
	timeout time.Duration
}

// New constructs a gateway bound to cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "gateway"),
		bus:     sbus.Client{},
		timeout: cfg.GatewayTimeout(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type invocation struct {
	storlet  string
	scope    string
	language string
	name     string
	channel  string
	opts     Options
}

func (g *Gateway) resolve(ctx context.Context, req *Request) (invocation, error) {
	if strings.TrimSpace(req.StorletID) == "" {
		return invocation{}, fmt.Errorf("%w: storlet id is required", ErrValidation)
	}
	if strings.ContainsRune(req.StorletID, '/') {
		return invocation{}, fmt.Errorf("%w: invalid storlet id %q", ErrValidation, req.StorletID)
	}
	opts := req.Options
	if g.dir != nil {
		info, err := g.dir.Lookup(ctx, req.StorletID)
		if err != nil {
			return invocation{}, fmt.Errorf("resolve storlet %s: %w", req.StorletID, err)
		}
		if opts.Language == "" {
			opts.Language = info.Language
		}
		if opts.StorletMain == "" {
			opts.StorletMain = info.Main
		}
		if len(opts.Dependencies) == 0 {
			opts.Dependencies = info.Dependencies
		}
	}
	if opts.Language == "" {
		opts.Language = g.cfg.Gateway.DefaultLanguage
	}
	opts.Language = strings.ToLower(opts.Language)
	scope := opts.Scope
	if scope == "" {
		scope = g.cfg.Factory.Scope
	}

	// Python daemons import their entry point by name.
	name := req.StorletID
	if opts.Language == "python" && opts.StorletMain != "" {
		name = opts.StorletMain
	}
	return invocation{
		storlet:  req.StorletID,
		scope:    scope,
		language: opts.Language,
		name:     name,
		channel:  g.cfg.DaemonChannel(scope, req.StorletID),
		opts:     opts,
	}, nil
}

// ensureDaemon makes sure the daemon for the invocation is running, asking
// the factory to start (or restart) it when needed.
func (g *Gateway) ensureDaemon(ctx context.Context, inv invocation) error {
	factoryChannel := g.cfg.FactoryChannel(inv.scope)
	params := sbus.Params{
		"daemon_language": inv.language,
		"storlet_path":    g.cfg.StorletPath(inv.storlet),
		"storlet_name":    inv.name,
		"pool_size":       strconv.Itoa(g.cfg.Daemon.PoolSize),
		"uds_path":        inv.channel,
		"log_level":       g.cfg.Daemon.LogLevel,
	}
	call := func(cmd sbus.Command) (sbus.Reply, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		reply, err := g.bus.Call(callCtx, factoryChannel, cmd, params, "")
		if err != nil {
			return sbus.Reply{}, fmt.Errorf("%s on %s: %w", cmd, factoryChannel, err)
		}
		return reply, nil
	}

	if inv.opts.Restart {
		reply, err := call(sbus.CommandStopDaemon)
		if err != nil {
			return err
		}
		g.logger.Debug("restarting storlet daemon",
			logging.String(logging.FieldStorlet, inv.name),
			logging.String("reply", reply.Message),
		)
	} else {
		reply, err := call(sbus.CommandDaemonStatus)
		if err != nil {
			return err
		}
		if reply.OK {
			return nil
		}
	}

	reply, err := call(sbus.CommandStartDaemon)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("failed to start storlet daemon %s: %s", inv.name, reply.Message)
	}
	g.logger.Info("storlet daemon started",
		logging.String(logging.FieldStorlet, inv.name),
		logging.String(logging.FieldChannel, inv.channel),
	)
	return nil
}

// Invoke runs req and returns once the daemon has accepted the task and
// produced the output metadata. The output itself streams through the
// returned Response, which the caller must Close.
func (g *Gateway) Invoke(ctx context.Context, req *Request) (*Response, error) {
	inv, err := g.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := g.logger.With(logging.String(logging.FieldStorlet, inv.storlet))
	if err := g.ensureDaemon(ctx, inv); err != nil {
		return nil, err
	}

	pipes, err := openPipes(req.Data)
	if err != nil {
		return nil, err
	}
	closeRemote := true
	defer func() {
		if closeRemote {
			pipes.closeRemote()
		}
	}()

	storlets := map[string]string{}
	if inv.opts.HasRange() {
		storlets[OptionRangeStart] = strconv.FormatInt(inv.opts.RangeStart, 10)
		storlets[OptionRangeEnd] = strconv.FormatInt(inv.opts.RangeEnd, 10)
	}
	metadata := []sbus.FDMetadata{
		{Type: sbus.FDInputObject, StorletsMetadata: storlets, StorageMetadata: req.UserMetadata},
		{Type: sbus.FDOutputTaskID},
		{Type: sbus.FDOutputObject},
		{Type: sbus.FDOutputObjectMetadata},
		{Type: sbus.FDLogger},
	}
	dtg, err := sbus.NewExecuteDatagram(pipes.remoteFDs(), metadata, sbus.Params(req.Params), "")
	if err != nil {
		pipes.closeLocal()
		return nil, err
	}
	if err := g.bus.Send(inv.channel, dtg); err != nil {
		pipes.closeLocal()
		return nil, fmt.Errorf("send execute to %s: %w", inv.channel, err)
	}
	closeRemote = false
	pipes.closeRemote()
	pump := pipes.startPump()

	taskID, err := readAllWithin(pipes.taskID, g.timeout)
	if err != nil || len(taskID) == 0 {
		pipes.closeLocal()
		if err == nil {
			err = errors.New("daemon returned an empty task id")
		}
		return nil, fmt.Errorf("read task id: %w", err)
	}
	logger = logger.With(logging.String(logging.FieldTaskID, string(taskID)))
	logger.Debug("storlet task accepted")

	resp := newResponse(g, inv.channel, string(taskID), pipes, pump, inv.opts.GenerateLog, logger)

	rawMeta, err := readAllWithin(pipes.metadata, g.timeout)
	if err != nil {
		resp.cancelTask()
		resp.Close()
		return nil, fmt.Errorf("read output metadata: %w", err)
	}
	if err := json.Unmarshal(rawMeta, &resp.Metadata); err != nil {
		resp.cancelTask()
		resp.Close()
		return nil, fmt.Errorf("decode output metadata: %w", err)
	}
	return resp, nil
}

// readAllWithin reads f to EOF, failing with ErrTimeout after d.
func readAllWithin(f *os.File, d time.Duration) ([]byte, error) {
	if err := f.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return data, nil
}
