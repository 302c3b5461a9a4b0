package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"storlets/internal/config"
	"storlets/internal/gateway"
	"storlets/internal/logging"
	"storlets/internal/sbus"
	"storlets/internal/testsupport"
)

type busCall struct {
	path   string
	cmd    sbus.Command
	params sbus.Params
	taskID string
}

// daemonEnds are the descriptors a daemon receives with an execute datagram.
type daemonEnds struct {
	input    *os.File
	taskID   *os.File
	output   *os.File
	metadata *os.File
	log      *os.File
}

func (e daemonEnds) closeAll() {
	for _, f := range []*os.File{e.input, e.taskID, e.output, e.metadata, e.log} {
		_ = f.Close()
	}
}

// fakeBus answers factory calls from a table and plays the daemon for
// execute datagrams.
type fakeBus struct {
	t *testing.T

	mu      sync.Mutex
	replies map[sbus.Command]sbus.Reply
	calls   []busCall
	sends   []*sbus.Datagram
	sendErr error
	daemon  func(daemonEnds)
	wg      sync.WaitGroup
}

func newFakeBus(t *testing.T, daemon func(daemonEnds)) *fakeBus {
	b := &fakeBus{t: t, daemon: daemon}
	b.replies = map[sbus.Command]sbus.Reply{
		sbus.CommandDaemonStatus: sbus.Success("1000"),
		sbus.CommandStartDaemon:  sbus.Success("OK"),
		sbus.CommandStopDaemon:   sbus.Success("OK"),
		sbus.CommandCancel:       sbus.Success("OK"),
	}
	t.Cleanup(b.wg.Wait)
	return b
}

func (b *fakeBus) Call(_ context.Context, path string, cmd sbus.Command, params sbus.Params, taskID string) (sbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{path: path, cmd: cmd, params: params, taskID: taskID})
	reply, ok := b.replies[cmd]
	if !ok {
		return sbus.Failure("unexpected"), nil
	}
	return reply, nil
}

func (b *fakeBus) Send(_ string, d *sbus.Datagram) error {
	b.mu.Lock()
	b.sends = append(b.sends, d)
	err := b.sendErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	files := make([]*os.File, len(d.FDs))
	for i, fd := range d.FDs {
		dup, err := unix.Dup(fd)
		if err != nil {
			b.t.Fatalf("dup: %v", err)
		}
		files[i] = os.NewFile(uintptr(dup), "fd")
	}
	ends := daemonEnds{input: files[0], taskID: files[1], output: files[2], metadata: files[3], log: files[4]}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.daemon(ends)
	}()
	return nil
}

func (b *fakeBus) commands() []sbus.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sbus.Command, 0, len(b.calls))
	for _, c := range b.calls {
		out = append(out, c.cmd)
	}
	return out
}

func (b *fakeBus) call(cmd sbus.Command) (busCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c.cmd == cmd {
			return c, true
		}
	}
	return busCall{}, false
}

func (b *fakeBus) sent() []*sbus.Datagram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*sbus.Datagram(nil), b.sends...)
}

// upperDaemon behaves like a well-mannered storlet: it reports a task id,
// echoes the input metadata, uppercases the input and logs one line.
func upperDaemon(ends daemonEnds) {
	defer ends.closeAll()
	_, _ = ends.taskID.WriteString("abcd1234")
	_ = ends.taskID.Close()
	_, _ = ends.metadata.WriteString(`{"color":"blue"}`)
	_ = ends.metadata.Close()
	body, _ := io.ReadAll(ends.input)
	_, _ = ends.output.Write(bytes.ToUpper(body))
	_, _ = ends.log.WriteString("converted\n")
}

func newGateway(t *testing.T, bus gateway.Bus, opts ...gateway.Option) (*gateway.Gateway, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Daemon.ChunkSize = 2
	opts = append([]gateway.Option{gateway.WithBus(bus)}, opts...)
	return gateway.New(cfg, logging.NewNop(), opts...), cfg
}

func readOutput(t *testing.T, resp *gateway.Response) string {
	t.Helper()
	var out strings.Builder
	if _, err := resp.WriteTo(&out); err != nil {
		t.Fatalf("read output: %v", err)
	}
	return out.String()
}

func TestInvokeStreamsOutput(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	gw, cfg := newGateway(t, bus)

	resp, err := gw.Invoke(context.Background(), &gateway.Request{
		StorletID:    "upper",
		Params:       map[string]string{"mode": "fast"},
		UserMetadata: map[string]string{"color": "blue"},
		Data:         strings.NewReader("body"),
		Options:      gateway.Options{Language: "go", GenerateLog: true},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()

	if resp.TaskID != "abcd1234" {
		t.Fatalf("task id = %q", resp.TaskID)
	}
	if resp.Metadata["color"] != "blue" {
		t.Fatalf("metadata = %v", resp.Metadata)
	}
	if got := readOutput(t, resp); got != "BODY" {
		t.Fatalf("output = %q, want BODY", got)
	}
	if got := string(resp.Log()); got != "converted\n" {
		t.Fatalf("log = %q", got)
	}

	cmds := bus.commands()
	if len(cmds) != 1 || cmds[0] != sbus.CommandDaemonStatus {
		t.Fatalf("factory calls = %v, want status only", cmds)
	}
	status, _ := bus.call(sbus.CommandDaemonStatus)
	if status.path != cfg.FactoryChannel(cfg.Factory.Scope) {
		t.Fatalf("factory channel = %q", status.path)
	}
	if status.params["uds_path"] != cfg.DaemonChannel(cfg.Factory.Scope, "upper") {
		t.Fatalf("uds_path = %q", status.params["uds_path"])
	}

	sends := bus.sent()
	if len(sends) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sends))
	}
	dtg := sends[0]
	if dtg.Command != sbus.CommandExecute || dtg.Params["mode"] != "fast" {
		t.Fatalf("unexpected datagram: %+v", dtg)
	}
	wantTypes := []sbus.FDType{sbus.FDInputObject, sbus.FDOutputTaskID, sbus.FDOutputObject, sbus.FDOutputObjectMetadata, sbus.FDLogger}
	for i, typ := range dtg.FDTypes() {
		if typ != wantTypes[i] {
			t.Fatalf("fd %d type = %s, want %s", i, typ, wantTypes[i])
		}
	}
	if md := dtg.ObjectInMetadata(); len(md) != 1 || md[0]["color"] != "blue" {
		t.Fatalf("input metadata = %v", md)
	}
	if len(dtg.Metadata[0].StorletsMetadata) != 0 {
		t.Fatalf("unexpected storlets metadata: %v", dtg.Metadata[0].StorletsMetadata)
	}
}

func TestInvokeStartsDaemonWhenNotRunning(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	bus.replies[sbus.CommandDaemonStatus] = sbus.Failure("upper is not found")
	gw, cfg := newGateway(t, bus)

	resp, err := gw.Invoke(context.Background(), &gateway.Request{
		StorletID: "upper",
		Data:      strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	readOutput(t, resp)

	cmds := bus.commands()
	if len(cmds) != 2 || cmds[1] != sbus.CommandStartDaemon {
		t.Fatalf("factory calls = %v", cmds)
	}
	start, _ := bus.call(sbus.CommandStartDaemon)
	want := map[string]string{
		"daemon_language": cfg.Gateway.DefaultLanguage,
		"storlet_path":    cfg.StorletPath("upper"),
		"storlet_name":    "upper",
		"pool_size":       "5",
		"log_level":       cfg.Daemon.LogLevel,
	}
	for k, v := range want {
		if start.params[k] != v {
			t.Fatalf("start param %s = %q, want %q", k, start.params[k], v)
		}
	}
}

func TestInvokeRestart(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	gw, _ := newGateway(t, bus)

	resp, err := gw.Invoke(context.Background(), &gateway.Request{
		StorletID: "upper",
		Data:      strings.NewReader("x"),
		Options:   gateway.Options{Restart: true},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	readOutput(t, resp)

	cmds := bus.commands()
	if len(cmds) != 2 || cmds[0] != sbus.CommandStopDaemon || cmds[1] != sbus.CommandStartDaemon {
		t.Fatalf("factory calls = %v, want stop then start", cmds)
	}
}

func TestInvokeStartFailure(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	bus.replies[sbus.CommandDaemonStatus] = sbus.Failure("upper is not found")
	bus.replies[sbus.CommandStartDaemon] = sbus.Failure("failed to start the storlet daemon upper")
	gw, _ := newGateway(t, bus)

	_, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper", Data: strings.NewReader("x")})
	if err == nil || !strings.Contains(err.Error(), "failed to start the storlet daemon upper") {
		t.Fatalf("expected start failure, got %v", err)
	}
	if len(bus.sent()) != 0 {
		t.Fatal("execute must not be sent when the daemon did not start")
	}
}

func TestInvokeSendFailure(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	bus.sendErr = sbus.ErrSend
	gw, _ := newGateway(t, bus)

	_, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper", Data: strings.NewReader("x")})
	if !errors.Is(err, sbus.ErrSend) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestInvokeRangeAndFileInput(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	gw, _ := newGateway(t, bus)

	path := filepath.Join(t.TempDir(), "object")
	if err := os.WriteFile(path, []byte("from file"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	input, err := os.Open(path)
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	defer input.Close()

	resp, err := gw.Invoke(context.Background(), &gateway.Request{
		StorletID: "upper",
		Data:      input,
		Options:   gateway.Options{}.WithRange(1, 6),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	if got := readOutput(t, resp); got != "FROM FILE" {
		t.Fatalf("output = %q", got)
	}
	storlets := bus.sent()[0].Metadata[0].StorletsMetadata
	if storlets["range_start"] != "1" || storlets["range_end"] != "6" {
		t.Fatalf("storlets metadata = %v", storlets)
	}
	// the caller's file stays usable
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("input closed by gateway: %v", err)
	}
}

func TestInvokeEmptyTaskID(t *testing.T) {
	bus := newFakeBus(t, func(ends daemonEnds) { ends.closeAll() })
	gw, _ := newGateway(t, bus)

	_, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper", Data: strings.NewReader("x")})
	if err == nil || !strings.Contains(err.Error(), "empty task id") {
		t.Fatalf("expected empty task id error, got %v", err)
	}
}

func TestInvokeOutputTimeoutCancelsTask(t *testing.T) {
	release := make(chan struct{})
	bus := newFakeBus(t, func(ends daemonEnds) {
		defer ends.closeAll()
		_, _ = ends.taskID.WriteString("deadbeef")
		_ = ends.taskID.Close()
		_, _ = ends.metadata.WriteString(`{}`)
		_ = ends.metadata.Close()
		<-release
	})
	gw, _ := newGateway(t, bus, gateway.WithTimeout(50*time.Millisecond))

	resp, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper", Data: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	defer close(release)

	var gotErr error
	for _, err := range resp.Chunks() {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, gateway.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", gotErr)
	}
	cancel, ok := bus.call(sbus.CommandCancel)
	if !ok || cancel.taskID != "deadbeef" {
		t.Fatalf("expected cancel for deadbeef, got %+v", cancel)
	}
}

func TestResponseChunksSingleUse(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	gw, _ := newGateway(t, bus)

	resp, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper", Data: strings.NewReader("abc")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	readOutput(t, resp)
	if _, err := resp.WriteTo(io.Discard); !errors.Is(err, gateway.ErrConsumed) {
		t.Fatalf("expected ErrConsumed, got %v", err)
	}
	if len(resp.Log()) != 0 {
		t.Fatal("log should be discarded unless requested")
	}
}

type fakeDirectory map[string]gateway.StorletInfo

func (d fakeDirectory) Lookup(_ context.Context, name string) (gateway.StorletInfo, error) {
	info, ok := d[name]
	if !ok {
		return gateway.StorletInfo{}, errors.New("not registered")
	}
	return info, nil
}

func TestInvokeUsesDirectory(t *testing.T) {
	bus := newFakeBus(t, upperDaemon)
	bus.replies[sbus.CommandDaemonStatus] = sbus.Failure("not found")
	dir := fakeDirectory{"upper.py": {Name: "upper.py", Language: "python", Main: "upper.Upper"}}
	gw, _ := newGateway(t, bus, gateway.WithDirectory(dir))

	resp, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "upper.py", Data: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Close()
	readOutput(t, resp)

	start, _ := bus.call(sbus.CommandStartDaemon)
	if start.params["daemon_language"] != "python" || start.params["storlet_name"] != "upper.Upper" {
		t.Fatalf("start params = %v", start.params)
	}

	if _, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: "missing"}); err == nil {
		t.Fatal("expected lookup failure for unregistered storlet")
	}
}

func TestInvokeRejectsBadStorletID(t *testing.T) {
	gw, _ := newGateway(t, newFakeBus(t, upperDaemon))
	for _, id := range []string{"", "  ", "../escape"} {
		if _, err := gw.Invoke(context.Background(), &gateway.Request{StorletID: id}); !errors.Is(err, gateway.ErrValidation) {
			t.Fatalf("Invoke(%q) err = %v, want validation error", id, err)
		}
	}
}
