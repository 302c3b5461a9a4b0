package sbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrTimeout marks a reply that did not arrive before the caller's deadline.
var ErrTimeout = errors.New("sbus: reply timed out")

const maxReplyBytes = 4096

// Client performs request/reply exchanges over service datagrams.
// The zero value is ready to use.
type Client struct{}

// Send delivers a prepared datagram.
func (Client) Send(path string, d *Datagram) error { return Send(path, d) }

// Call sends cmd with a reply pipe and parses the answer.
func (c Client) Call(ctx context.Context, path string, cmd Command, params Params, taskID string) (Reply, error) {
	raw, err := c.CallRaw(ctx, path, cmd, params, taskID)
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(raw)
}

// CallRaw sends cmd with a reply pipe and returns whatever the peer wrote
// before closing its end.
func (Client) CallRaw(ctx context.Context, path string, cmd Command, params Params, taskID string) ([]byte, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create reply pipe: %w", err)
	}
	defer r.Close()

	dtg, err := NewServiceDatagram(cmd, int(w.Fd()), params, taskID)
	if err != nil {
		w.Close()
		return nil, err
	}
	sendErr := Send(path, dtg)
	w.Close()
	if sendErr != nil {
		return nil, sendErr
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := r.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set reply deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = r.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := io.ReadAll(io.LimitReader(r, maxReplyBytes))
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, cmd, path)
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return data, nil
}
