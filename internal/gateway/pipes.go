package gateway

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// taskPipes holds both ends of the descriptors handed to a daemon for one
// execute. Remote ends are forwarded and closed once sent; local ends stay
// with the gateway.
type taskPipes struct {
	input    int
	pump     *os.File
	data     io.Reader
	taskID   *os.File
	output   *os.File
	metadata *os.File
	log      *os.File

	remote []*os.File
}

func openPipes(data io.Reader) (p *taskPipes, err error) {
	p = &taskPipes{input: -1, data: data}
	defer func() {
		if err != nil {
			p.closeRemote()
			p.closeLocal()
		}
	}()

	if f, ok := data.(*os.File); ok {
		fd, err := dupFile(f)
		if err != nil {
			return p, err
		}
		p.input = fd
		p.data = nil
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return p, fmt.Errorf("create input pipe: %w", err)
		}
		p.pump = w
		p.remote = append(p.remote, r)
	}

	for _, local := range []**os.File{&p.taskID, &p.output, &p.metadata, &p.log} {
		r, w, err := os.Pipe()
		if err != nil {
			return p, fmt.Errorf("create pipe: %w", err)
		}
		*local = r
		p.remote = append(p.remote, w)
	}
	return p, nil
}

// dupFile duplicates the descriptor behind f without switching f to
// blocking mode.
func dupFile(f *os.File) (int, error) {
	conn, err := f.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("input descriptor: %w", err)
	}
	fd := -1
	var dupErr error
	if err := conn.Control(func(raw uintptr) {
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, fmt.Errorf("input descriptor: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup input descriptor: %w", dupErr)
	}
	return fd, nil
}

// remoteFDs returns the descriptors in execute datagram order: input, task
// id, output, metadata, logger.
func (p *taskPipes) remoteFDs() []int {
	fds := make([]int, 0, 5)
	rest := p.remote
	if p.input >= 0 {
		fds = append(fds, p.input)
	} else {
		fds = append(fds, int(rest[0].Fd()))
		rest = rest[1:]
	}
	for _, f := range rest {
		fds = append(fds, int(f.Fd()))
	}
	return fds
}

func (p *taskPipes) closeRemote() {
	if p.input >= 0 {
		_ = unix.Close(p.input)
		p.input = -1
	}
	for _, f := range p.remote {
		_ = f.Close()
	}
	p.remote = nil
}

func (p *taskPipes) closeLocal() {
	for _, f := range []*os.File{p.pump, p.taskID, p.output, p.metadata, p.log} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// startPump copies the request body into the input pipe until the body is
// exhausted or the daemon goes away.
func (p *taskPipes) startPump() <-chan error {
	done := make(chan error, 1)
	if p.pump == nil {
		close(done)
		return done
	}
	go func() {
		var err error
		if p.data != nil {
			_, err = io.Copy(p.pump, p.data)
		}
		if cerr := p.pump.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
		done <- err
	}()
	return done
}
