package daemon_test

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"storlets/internal/daemon"
	"storlets/internal/sbus"
)

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	specs   []daemon.TaskSpec
	err     error
}

func (s *fakeSpawner) Spawn(spec daemon.TaskSpec, files daemon.TaskFiles) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.nextPID == 0 {
		s.nextPID = 1000
	}
	s.nextPID++
	s.specs = append(s.specs, spec)
	return s.nextPID, nil
}

type fakeReaper struct {
	exited       map[int]bool
	waitQueue    []int
	waitErr      error
	waitAnyCalls int
	terminated   []int
	terminateErr error
}

func newFakeReaper() *fakeReaper {
	return &fakeReaper{exited: map[int]bool{}}
}

func (r *fakeReaper) WaitAny() (int, error) {
	r.waitAnyCalls++
	if r.waitErr != nil {
		return 0, r.waitErr
	}
	if len(r.waitQueue) == 0 {
		return 0, unix.ECHILD
	}
	pid := r.waitQueue[0]
	r.waitQueue = r.waitQueue[1:]
	return pid, nil
}

func (r *fakeReaper) TryWait(pid int) (bool, error) {
	if r.exited[pid] {
		delete(r.exited, pid)
		return true, nil
	}
	return false, nil
}

func (r *fakeReaper) Terminate(pid int) error {
	r.terminated = append(r.terminated, pid)
	return r.terminateErr
}

func newTestDaemon(t *testing.T, pool int, spawner daemon.Spawner, reaper daemon.Reaper) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(daemon.Options{
		StorletName: "identity",
		Channel:     "/nonexistent/channel",
		ContainerID: "test",
		PoolSize:    pool,
		ChunkSize:   16,
		ModulePath:  "/srv/storlets/identity",
		Spawner:     spawner,
		Reaper:      reaper,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func newPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

// dup mimics what the bus hands a receiver: a private copy of the descriptor.
func dup(t *testing.T, f *os.File) int {
	t.Helper()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	return fd
}

type serviceCall struct {
	dtg    *sbus.Datagram
	reader *os.File
	writer *os.File
}

func newServiceCall(t *testing.T, cmd sbus.Command, taskID string) *serviceCall {
	t.Helper()
	r, w := newPipe(t)
	dtg, err := sbus.Build(cmd, []int{dup(t, w)}, []sbus.FDMetadata{{Type: sbus.FDServiceOut}}, nil, taskID)
	if err != nil {
		t.Fatalf("build datagram: %v", err)
	}
	return &serviceCall{dtg: dtg, reader: r, writer: w}
}

func (c *serviceCall) readReply(t *testing.T) string {
	t.Helper()
	c.writer.Close()
	data, err := io.ReadAll(c.reader)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(data)
}

type executeCall struct {
	dtg     *sbus.Datagram
	input   *os.File
	taskID  *os.File
	output  *os.File
	meta    *os.File
	log     *os.File
	writers []*os.File
}

func newExecuteCall(t *testing.T, storage map[string]string) *executeCall {
	t.Helper()
	inR, inW := newPipe(t)
	taskR, taskW := newPipe(t)
	outR, outW := newPipe(t)
	mdR, mdW := newPipe(t)
	logR, logW := newPipe(t)

	fds := []int{dup(t, inR), dup(t, taskW), dup(t, outW), dup(t, mdW), dup(t, logW)}
	md := []sbus.FDMetadata{
		{Type: sbus.FDInputObject, StorageMetadata: storage},
		{Type: sbus.FDOutputTaskID},
		{Type: sbus.FDOutputObject},
		{Type: sbus.FDOutputObjectMetadata},
		{Type: sbus.FDLogger},
	}
	dtg, err := sbus.NewExecuteDatagram(fds, md, sbus.Params{"color": "blue"}, "")
	if err != nil {
		t.Fatalf("build execute datagram: %v", err)
	}
	return &executeCall{
		dtg:     dtg,
		input:   inW,
		taskID:  taskR,
		output:  outR,
		meta:    mdR,
		log:     logR,
		writers: []*os.File{inR, taskW, outW, mdW, logW},
	}
}

// releaseLocal closes the test's own copies of the ends handed to the daemon.
func (c *executeCall) releaseLocal() {
	for _, f := range c.writers {
		f.Close()
	}
}

// closeSent drops the descriptors carried by the datagram once the receiver
// holds its own copies.
func (c *executeCall) closeSent() {
	for _, fd := range c.dtg.FDs {
		unix.Close(fd)
	}
}

func (c *executeCall) readTaskID(t *testing.T) string {
	t.Helper()
	c.releaseLocal()
	data, err := io.ReadAll(c.taskID)
	if err != nil {
		t.Fatalf("read task id: %v", err)
	}
	return string(data)
}

var errSpawn = errors.New("spawn refused")
