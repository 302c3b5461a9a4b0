package factory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storlets/internal/config"
	"storlets/internal/factory"
	"storlets/internal/sbus"
)

var errBoom = errors.New("boom")

type tryWaitResult struct {
	exited bool
	err    error
}

type fakeProcs struct {
	mu       sync.Mutex
	nextPID  int
	spawnErr error
	spawned  [][]string
	envs     [][]string

	tryWait   map[int]tryWaitResult
	tryWaits  []int
	waitCodes map[int]int
	waitErr   error
	waits     []int
	killErr   error
	kills     []int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		nextPID:   1000,
		tryWait:   map[int]tryWaitResult{},
		waitCodes: map[int]int{},
	}
}

func (p *fakeProcs) Spawn(argv []string, env []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spawnErr != nil {
		return 0, p.spawnErr
	}
	p.spawned = append(p.spawned, argv)
	p.envs = append(p.envs, env)
	pid := p.nextPID
	p.nextPID++
	return pid, nil
}

func (p *fakeProcs) TryWait(pid int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tryWaits = append(p.tryWaits, pid)
	res := p.tryWait[pid]
	return res.exited, res.err
}

func (p *fakeProcs) Wait(pid int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, pid)
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	return p.waitCodes[pid], nil
}

func (p *fakeProcs) Kill(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills = append(p.kills, pid)
	return p.killErr
}

type busCall struct {
	path string
	cmd  sbus.Command
}

type fakeBus struct {
	mu      sync.Mutex
	replies []func() (sbus.Reply, error)
	reply   sbus.Reply
	callErr error
	rawErr  error
	calls   []busCall
	raws    []busCall
}

func okBus() *fakeBus {
	return &fakeBus{reply: sbus.Success("OK")}
}

func (b *fakeBus) Call(_ context.Context, path string, cmd sbus.Command, _ sbus.Params, _ string) (sbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{path: path, cmd: cmd})
	if len(b.replies) > 0 {
		next := b.replies[0]
		b.replies = b.replies[1:]
		return next()
	}
	return b.reply, b.callErr
}

func (b *fakeBus) CallRaw(_ context.Context, path string, cmd sbus.Command, _ sbus.Params, _ string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raws = append(b.raws, busCall{path: path, cmd: cmd})
	return nil, b.rawErr
}

func newFactory(t *testing.T, procs *fakeProcs, bus *fakeBus) *factory.Factory {
	t.Helper()
	langs := factory.NewLanguages(config.Default().Languages)
	langs.Getenv = func(string) string { return "" }
	f, err := factory.New(factory.Options{
		Channel:        "/nonexistent/factory_pipe",
		ContainerID:    "contid",
		PingRetries:    3,
		PingRetryDelay: time.Millisecond,
		PingTimeout:    100 * time.Millisecond,
		Processes:      procs,
		Bus:            bus,
		Languages:      langs,
	})
	if err != nil {
		t.Fatalf("factory.New: %v", err)
	}
	return f
}

// startDaemons registers java daemons under names, with pids from 1000 upward.
func startDaemons(t *testing.T, f *factory.Factory, names ...string) {
	t.Helper()
	for _, name := range names {
		started, err := f.ProcessStartDaemon(context.Background(), "java", "path/to/"+name, name, 1, "path/to/uds/"+name, "DEBUG")
		if err != nil || !started {
			t.Fatalf("start %s: started=%v err=%v", name, started, err)
		}
	}
}

func defaultLanguages() config.Languages {
	return config.Default().Languages
}
