package factory_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"storlets/internal/factory"
	"storlets/internal/sbus"
)

func TestStartDaemonRecordsEntryAfterReadiness(t *testing.T) {
	procs := newFakeProcs()
	bus := okBus()
	f := newFactory(t, procs, bus)

	started, err := f.ProcessStartDaemon(context.Background(), "java", "path/to/storlet/a", "storleta", 1, "path/to/uds/a", "TRACE")
	if err != nil || !started {
		t.Fatalf("started=%v err=%v", started, err)
	}
	if pid, ok := f.PID("storleta"); !ok || pid != 1000 {
		t.Fatalf("pid=%d ok=%v", pid, ok)
	}
	if len(bus.calls) != 1 || bus.calls[0].cmd != sbus.CommandPing || bus.calls[0].path != "path/to/uds/a" {
		t.Fatalf("pings = %+v", bus.calls)
	}
	if len(procs.tryWaits) != 1 || procs.tryWaits[0] != 1000 {
		t.Fatalf("expected an early exit probe, got %v", procs.tryWaits)
	}
	env := strings.Join(procs.envs[0], "\n")
	if !strings.Contains(env, "CLASSPATH=") || !strings.Contains(env, "path/to/storlet/a") {
		t.Fatalf("launch env missing classpath overlay")
	}
}

func TestStartDaemonTwiceReportsAlreadyRunning(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	startDaemons(t, f, "storleta")

	started, err := f.ProcessStartDaemon(context.Background(), "java", "path/to/storlet/a", "storleta", 1, "path/to/uds/a", "TRACE")
	if err != nil || started {
		t.Fatalf("started=%v err=%v", started, err)
	}
	if len(procs.spawned) != 1 {
		t.Fatalf("spawned %d processes", len(procs.spawned))
	}
}

func TestStartDaemonReplacesExitedEntry(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	startDaemons(t, f, "storleta")
	procs.tryWait[1000] = tryWaitResult{exited: true}

	started, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "path/to/uds/a", "INFO")
	if err != nil || !started {
		t.Fatalf("started=%v err=%v", started, err)
	}
	if pid, _ := f.PID("storleta"); pid != 1001 {
		t.Fatalf("pid = %d", pid)
	}
}

func TestStartDaemonUnsupportedLanguage(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	_, err := f.ProcessStartDaemon(context.Background(), "foo", "p", "storleta", 1, "c", "INFO")
	var cfgErr *factory.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(procs.spawned) != 0 || len(f.Daemons()) != 0 {
		t.Fatalf("nothing should be spawned or registered")
	}
}

func TestStartDaemonSpawnFailure(t *testing.T) {
	procs := newFakeProcs()
	procs.spawnErr = errBoom
	f := newFactory(t, procs, okBus())
	_, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "c", "INFO")
	var dErr *factory.DaemonError
	if !errors.As(err, &dErr) || !errors.Is(err, errBoom) || dErr.Module != "storleta" {
		t.Fatalf("unexpected error %v", err)
	}
	if len(f.Daemons()) != 0 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}

func TestStartDaemonExitsImmediately(t *testing.T) {
	procs := newFakeProcs()
	procs.tryWait[1000] = tryWaitResult{exited: true}
	f := newFactory(t, procs, okBus())
	_, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "c", "INFO")
	var dErr *factory.DaemonError
	if !errors.As(err, &dErr) || dErr.PID != 1000 {
		t.Fatalf("unexpected error %v", err)
	}
	if len(f.Daemons()) != 0 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}

func TestStartDaemonProbeErrorKillsAndReaps(t *testing.T) {
	procs := newFakeProcs()
	procs.tryWait[1000] = tryWaitResult{err: errBoom}
	f := newFactory(t, procs, okBus())
	_, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "c", "INFO")
	if !errors.Is(err, errBoom) {
		t.Fatalf("unexpected error %v", err)
	}
	if !reflect.DeepEqual(procs.kills, []int{1000}) || !reflect.DeepEqual(procs.waits, []int{1000}) {
		t.Fatalf("kills=%v waits=%v", procs.kills, procs.waits)
	}
	if len(f.Daemons()) != 0 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}

func TestReadinessRetriesAfterSendFailure(t *testing.T) {
	bus := okBus()
	bus.replies = []func() (sbus.Reply, error){
		func() (sbus.Reply, error) { return sbus.Reply{}, sbus.ErrSend },
	}
	f := newFactory(t, newFakeProcs(), bus)
	startDaemons(t, f, "storleta")
	if len(bus.calls) != 2 {
		t.Fatalf("expected 2 pings, got %d", len(bus.calls))
	}
}

func TestReadinessNeverConfirmedKillsAndReaps(t *testing.T) {
	procs := newFakeProcs()
	bus := &fakeBus{reply: sbus.Failure("NG")}
	f := newFactory(t, procs, bus)

	_, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "c", "INFO")
	var dErr *factory.DaemonError
	if !errors.As(err, &dErr) {
		t.Fatalf("expected DaemonError, got %v", err)
	}
	if len(bus.calls) != 3 {
		t.Fatalf("expected one ping per retry, got %d", len(bus.calls))
	}
	if !reflect.DeepEqual(procs.kills, []int{1000}) || !reflect.DeepEqual(procs.waits, []int{1000}) {
		t.Fatalf("kills=%v waits=%v", procs.kills, procs.waits)
	}
	if len(f.Daemons()) != 0 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}

func TestReadinessUnreachableChannel(t *testing.T) {
	bus := &fakeBus{callErr: sbus.ErrSend}
	f := newFactory(t, newFakeProcs(), bus)
	if _, err := f.ProcessStartDaemon(context.Background(), "java", "p", "storleta", 1, "c", "INFO"); err == nil {
		t.Fatal("expected error")
	}
	if len(bus.calls) != 3 {
		t.Fatalf("expected 3 pings, got %d", len(bus.calls))
	}
}

func TestProcessStatusByPID(t *testing.T) {
	cases := []struct {
		name    string
		result  tryWaitResult
		alive   bool
		wantErr string
	}{
		{name: "alive", result: tryWaitResult{}, alive: true},
		{name: "exited", result: tryWaitResult{exited: true}},
		{name: "no such process", result: tryWaitResult{err: unix.ESRCH}},
		{name: "not a child", result: tryWaitResult{err: unix.ECHILD}},
		{name: "permission", result: tryWaitResult{err: unix.EPERM}, wantErr: "no permission to access the storlet daemon for storleta"},
		{name: "other", result: tryWaitResult{err: errBoom}, wantErr: "unknown error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			procs := newFakeProcs()
			procs.tryWait[1000] = tc.result
			f := newFactory(t, procs, okBus())
			alive, err := f.ProcessStatusByPID(1000, "storleta")
			if tc.wantErr != "" {
				var dErr *factory.DaemonError
				if !errors.As(err, &dErr) || err.Error() != tc.wantErr {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil || alive != tc.alive {
				t.Fatalf("alive=%v err=%v", alive, err)
			}
			if !reflect.DeepEqual(procs.tryWaits, []int{1000}) {
				t.Fatalf("tryWaits = %v", procs.tryWaits)
			}
		})
	}
}

func TestProcessStatusByName(t *testing.T) {
	f := newFactory(t, newFakeProcs(), okBus())
	startDaemons(t, f, "storleta", "storletb")
	if alive, err := f.ProcessStatusByName("storleta"); err != nil || !alive {
		t.Fatalf("alive=%v err=%v", alive, err)
	}
	if alive, err := f.ProcessStatusByName("storletc"); err != nil || alive {
		t.Fatalf("unknown name: alive=%v err=%v", alive, err)
	}
}

func TestProcessStatusByNameDropsExitedDaemon(t *testing.T) {
	cases := []struct {
		name   string
		result tryWaitResult
	}{
		{name: "reaped by probe", result: tryWaitResult{exited: true}},
		{name: "no such process", result: tryWaitResult{err: unix.ESRCH}},
		{name: "not a child", result: tryWaitResult{err: unix.ECHILD}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			procs := newFakeProcs()
			f := newFactory(t, procs, okBus())
			startDaemons(t, f, "storleta", "storletb")
			procs.tryWait[1000] = tc.result

			if alive, err := f.ProcessStatusByName("storleta"); err != nil || alive {
				t.Fatalf("alive=%v err=%v", alive, err)
			}
			if !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
				t.Fatalf("registry = %v", f.Daemons())
			}
			if _, _, err := f.ProcessKill("storleta"); err == nil {
				t.Fatal("expected not found after the entry was dropped")
			}
			if len(procs.kills) != 0 {
				t.Fatalf("a reaped pid must never be signalled, kills=%v", procs.kills)
			}
		})
	}
}

func TestProcessStatusByNameKeepsEntryOnPermissionError(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	startDaemons(t, f, "storleta")
	procs.tryWait[1000] = tryWaitResult{err: unix.EPERM}
	if _, err := f.ProcessStatusByName("storleta"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.Daemons()) != 1 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}

func TestDaemonStatusThenStopAfterDaemonDied(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	startDaemons(t, f, "storleta")
	procs.tryWait[1000] = tryWaitResult{exited: true}
	ctx := context.Background()
	params := sbus.Params{factory.ParamStorletName: "storleta"}

	if resp := f.Handle(ctx, sbus.CommandDaemonStatus, params); resp.Status {
		t.Fatalf("status = %+v", resp)
	}
	if resp := f.Handle(ctx, sbus.CommandStopDaemons, nil); !resp.Status {
		t.Fatalf("stop daemons = %+v", resp)
	}
	if len(procs.kills) != 0 {
		t.Fatalf("kills = %v", procs.kills)
	}
}

func TestProcessKill(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		pid, code, err := f.ProcessKill("storleta")
		if err != nil || pid != 1000 || code != 0 {
			t.Fatalf("pid=%d code=%d err=%v", pid, code, err)
		}
		if len(procs.kills) != 1 || len(procs.waits) != 1 {
			t.Fatalf("kills=%v waits=%v", procs.kills, procs.waits)
		}
		if !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
			t.Fatalf("registry = %v", f.Daemons())
		}
	})
	t.Run("kill fails", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.killErr = errBoom
		_, _, err := f.ProcessKill("storleta")
		if err == nil || err.Error() != "failed to send kill signal to storleta" {
			t.Fatalf("err = %v", err)
		}
		if len(procs.waits) != 0 || len(f.Daemons()) != 2 {
			t.Fatalf("waits=%v registry=%v", procs.waits, f.Daemons())
		}
	})
	t.Run("already gone", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.killErr = unix.ESRCH
		pid, code, err := f.ProcessKill("storleta")
		if err != nil || pid != 1000 || code != 0 {
			t.Fatalf("pid=%d code=%d err=%v", pid, code, err)
		}
		if len(procs.waits) != 0 || !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
			t.Fatalf("waits=%v registry=%v", procs.waits, f.Daemons())
		}
	})
	t.Run("wait fails", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.waitErr = errBoom
		_, _, err := f.ProcessKill("storleta")
		if err == nil || err.Error() != "failed to wait for storleta" {
			t.Fatalf("err = %v", err)
		}
		if len(procs.kills) != 1 || len(f.Daemons()) != 2 {
			t.Fatalf("kills=%v registry=%v", procs.kills, f.Daemons())
		}
	})
	t.Run("unknown", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta")
		if _, _, err := f.ProcessKill("storletc"); err == nil {
			t.Fatal("expected error")
		}
		if len(procs.kills) != 0 || len(procs.waits) != 0 {
			t.Fatalf("kills=%v waits=%v", procs.kills, procs.waits)
		}
	})
}

func TestProcessKillAll(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		if err := f.ProcessKillAll(true); err != nil {
			t.Fatalf("ProcessKillAll: %v", err)
		}
		if len(procs.kills) != 2 || len(procs.waits) != 2 || len(f.Daemons()) != 0 {
			t.Fatalf("kills=%v waits=%v registry=%v", procs.kills, procs.waits, f.Daemons())
		}
	})
	t.Run("nothing registered", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		if err := f.ProcessKillAll(true); err != nil || len(procs.kills) != 0 {
			t.Fatalf("err=%v kills=%v", err, procs.kills)
		}
	})
	t.Run("try all", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.killErr = errBoom
		err := f.ProcessKillAll(true)
		var dErr *factory.DaemonError
		if !errors.As(err, &dErr) {
			t.Fatalf("expected DaemonError, got %v", err)
		}
		if !strings.HasPrefix(err.Error(), "failed to stop some storlet daemons: ") ||
			!strings.Contains(err.Error(), "storleta") || !strings.Contains(err.Error(), "storletb") {
			t.Fatalf("err = %v", err)
		}
		if !reflect.DeepEqual(dErr.Failed, []string{"storleta", "storletb"}) {
			t.Fatalf("failed = %v", dErr.Failed)
		}
		if len(procs.kills) != 2 || len(procs.waits) != 0 || len(f.Daemons()) != 2 {
			t.Fatalf("kills=%v waits=%v registry=%v", procs.kills, procs.waits, f.Daemons())
		}
	})
	t.Run("fail fast", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.killErr = errBoom
		err := f.ProcessKillAll(false)
		if err == nil || err.Error() != "failed to send kill signal to storleta" {
			t.Fatalf("err = %v", err)
		}
		if len(procs.kills) != 1 || len(procs.waits) != 0 || len(f.Daemons()) != 2 {
			t.Fatalf("kills=%v waits=%v registry=%v", procs.kills, procs.waits, f.Daemons())
		}
	})
}

func TestShutdownProcess(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		procs := newFakeProcs()
		bus := okBus()
		f := newFactory(t, procs, bus)
		startDaemons(t, f, "storleta", "storletb")
		if err := f.ShutdownProcess(context.Background(), "storleta"); err != nil {
			t.Fatalf("ShutdownProcess: %v", err)
		}
		if len(bus.raws) != 1 || bus.raws[0].cmd != sbus.CommandHalt || bus.raws[0].path != "path/to/uds/storleta" {
			t.Fatalf("raw calls = %+v", bus.raws)
		}
		if !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
			t.Fatalf("registry = %v", f.Daemons())
		}
	})
	t.Run("send fails", func(t *testing.T) {
		procs := newFakeProcs()
		bus := okBus()
		f := newFactory(t, procs, bus)
		startDaemons(t, f, "storleta", "storletb")
		bus.rawErr = sbus.ErrSend
		if err := f.ShutdownProcess(context.Background(), "storleta"); err == nil || err.Error() != "failed to send halt to storleta" {
			t.Fatalf("err = %v", err)
		}
		if len(procs.waits) != 0 || len(f.Daemons()) != 2 {
			t.Fatalf("waits=%v registry=%v", procs.waits, f.Daemons())
		}
	})
	t.Run("send fails to a dead daemon", func(t *testing.T) {
		procs := newFakeProcs()
		bus := okBus()
		f := newFactory(t, procs, bus)
		startDaemons(t, f, "storleta", "storletb")
		bus.rawErr = sbus.ErrSend
		procs.tryWait[1000] = tryWaitResult{exited: true}
		if err := f.ShutdownProcess(context.Background(), "storleta"); err != nil {
			t.Fatalf("ShutdownProcess: %v", err)
		}
		if len(procs.waits) != 0 || !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
			t.Fatalf("waits=%v registry=%v", procs.waits, f.Daemons())
		}
	})
	t.Run("already reaped", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.waitErr = unix.ECHILD
		if err := f.ShutdownProcess(context.Background(), "storleta"); err != nil {
			t.Fatalf("ShutdownProcess: %v", err)
		}
		if !reflect.DeepEqual(f.Daemons(), []string{"storletb"}) {
			t.Fatalf("registry = %v", f.Daemons())
		}
	})
	t.Run("wait fails", func(t *testing.T) {
		procs := newFakeProcs()
		f := newFactory(t, procs, okBus())
		startDaemons(t, f, "storleta", "storletb")
		procs.waitErr = errBoom
		if err := f.ShutdownProcess(context.Background(), "storleta"); err == nil {
			t.Fatal("expected error")
		}
		if len(f.Daemons()) != 2 {
			t.Fatalf("registry = %v", f.Daemons())
		}
	})
	t.Run("unknown", func(t *testing.T) {
		f := newFactory(t, newFakeProcs(), okBus())
		if err := f.ShutdownProcess(context.Background(), "storletc"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestShutdownAllProcesses(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFactory(t, newFakeProcs(), okBus())
		startDaemons(t, f, "storleta", "storletb")
		terminated, err := f.ShutdownAllProcesses(context.Background(), true)
		if err != nil || !reflect.DeepEqual(terminated, []string{"storleta", "storletb"}) {
			t.Fatalf("terminated=%v err=%v", terminated, err)
		}
		if len(f.Daemons()) != 0 {
			t.Fatalf("registry = %v", f.Daemons())
		}
	})
	t.Run("try all", func(t *testing.T) {
		procs := newFakeProcs()
		bus := okBus()
		f := newFactory(t, procs, bus)
		startDaemons(t, f, "storleta", "storletb")
		bus.rawErr = sbus.ErrSend
		_, err := f.ShutdownAllProcesses(context.Background(), true)
		if err == nil || !strings.HasPrefix(err.Error(), "failed to shutdown some storlet daemons: ") ||
			!strings.Contains(err.Error(), "storleta") || !strings.Contains(err.Error(), "storletb") {
			t.Fatalf("err = %v", err)
		}
		if len(bus.raws) != 2 || len(procs.waits) != 0 || len(f.Daemons()) != 2 {
			t.Fatalf("raws=%d waits=%v registry=%v", len(bus.raws), procs.waits, f.Daemons())
		}
	})
	t.Run("fail fast", func(t *testing.T) {
		procs := newFakeProcs()
		bus := okBus()
		f := newFactory(t, procs, bus)
		startDaemons(t, f, "storleta", "storletb")
		bus.rawErr = sbus.ErrSend
		_, err := f.ShutdownAllProcesses(context.Background(), false)
		if err == nil || err.Error() != "failed to send halt to storleta" {
			t.Fatalf("err = %v", err)
		}
		if len(bus.raws) != 1 || len(procs.waits) != 0 {
			t.Fatalf("raws=%d waits=%v", len(bus.raws), procs.waits)
		}
	})
}

func TestStartStatusStopEndToEnd(t *testing.T) {
	procs := newFakeProcs()
	f := newFactory(t, procs, okBus())
	ctx := context.Background()
	params := sbus.Params{
		factory.ParamLanguage:    "java",
		factory.ParamStorletPath: "path/to/storlet/a",
		factory.ParamStorletName: "storleta",
		factory.ParamPoolSize:    "1",
		factory.ParamChannel:     "path/to/uds/a",
		factory.ParamLogLevel:    "TRACE",
	}

	resp := f.Handle(ctx, sbus.CommandStartDaemon, params)
	if !resp.Status || resp.Message != "OK" || !resp.Iterable {
		t.Fatalf("start = %+v", resp)
	}
	resp = f.Handle(ctx, sbus.CommandDaemonStatus, params)
	if !resp.Status || resp.Message != "Storlet storleta seems to be OK" {
		t.Fatalf("status = %+v", resp)
	}
	resp = f.Handle(ctx, sbus.CommandStopDaemon, params)
	if !resp.Status || resp.Message != "Storlet storleta, PID = 1000, ErrCode = 0" || !resp.Iterable {
		t.Fatalf("stop = %+v", resp)
	}
	if len(f.Daemons()) != 0 {
		t.Fatalf("registry = %v", f.Daemons())
	}
}
