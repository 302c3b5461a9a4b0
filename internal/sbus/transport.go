package sbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const listenPollInterval = 500 * time.Millisecond

var (
	// ErrSend marks a datagram that could not be handed to the destination channel.
	ErrSend = errors.New("sbus: send failed")
	// ErrTruncated marks a received message whose payload or descriptors were cut short.
	ErrTruncated = errors.New("sbus: message truncated")
)

// Bus is the receiving end of a channel.
type Bus struct {
	fd   int
	path string
}

// Create binds a datagram socket at path, replacing a stale socket file.
func Create(path string) (*Bus, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove existing channel: %w", err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return &Bus{fd: fd, path: path}, nil
}

// Path returns the channel address.
func (b *Bus) Path() string { return b.path }

// Listen blocks until a datagram is ready to be received or ctx ends.
func (b *Bus) Listen(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, int(listenPollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll channel: %w", err)
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll channel: revents %#x", pfd[0].Revents)
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			return nil
		}
	}
}

// Receive reads one datagram. Received descriptors belong to the caller;
// they are closed here only when the datagram is rejected.
func (b *Bus) Receive() (*Datagram, error) {
	buf := make([]byte, MaxPayloadBytes)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))

	var (
		n, oobn, flags int
		err            error
	)
	for {
		n, oobn, flags, _, err = unix.Recvmsg(b.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		closeFDs(fds)
		return nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeFDs(fds)
		return nil, fmt.Errorf("%w: flags %#x", ErrTruncated, flags)
	}
	md, cmd, err := decodePayload(buf[:n])
	if err != nil {
		closeFDs(fds)
		return nil, err
	}
	dtg, err := FromWire(fds, md, cmd)
	if err != nil {
		closeFDs(fds)
		return nil, err
	}
	return dtg, nil
}

// Close releases the socket and removes the channel file.
func (b *Bus) Close() error {
	err := unix.Close(b.fd)
	if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// Send delivers d to the channel at path. The caller keeps ownership of the
// descriptors; the receiver gets its own duplicates.
func Send(path string, d *Datagram) error {
	if d == nil {
		return fmt.Errorf("%w: nil datagram", ErrSend)
	}
	if len(d.FDs) > MaxFDs {
		return fmt.Errorf("%w: %d descriptors exceeds limit %d", ErrSend, len(d.FDs), MaxFDs)
	}
	payload, err := encodePayload(d)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: create socket: %w", ErrSend, err)
	}
	defer unix.Close(fd)

	var oob []byte
	if len(d.FDs) > 0 {
		oob = unix.UnixRights(d.FDs...)
	}
	to := &unix.SockaddrUnix{Name: path}
	for {
		err = unix.Sendmsg(fd, payload, oob, to, 0)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSend, path, err)
	}
	return nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// IsProtocolError reports whether err describes a malformed message rather
// than a failure of the channel itself.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidDatagram) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrShortPayload)
}
