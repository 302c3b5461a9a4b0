package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"storlets/internal/logging"
	"storlets/internal/sbus"
)

// ErrConsumed is returned when the output of a response is iterated twice.
var ErrConsumed = errors.New("response output already consumed")

const maxLogBytes = 1 << 20

// Response is the result of a successful Invoke. The output streams from the
// daemon as it is produced.
type Response struct {
	TaskID   string
	Metadata map[string]string

	gw      *Gateway
	channel string
	logger  *slog.Logger
	pipes   *taskPipes
	pump    <-chan error
	keepLog bool

	consumed  atomic.Bool
	logDone   chan struct{}
	logBuf    bytes.Buffer
	closeOnce sync.Once
}

func newResponse(g *Gateway, channel, taskID string, pipes *taskPipes, pump <-chan error, keepLog bool, logger *slog.Logger) *Response {
	r := &Response{
		TaskID:  taskID,
		gw:      g,
		channel: channel,
		logger:  logger,
		pipes:   pipes,
		pump:    pump,
		keepLog: keepLog,
		logDone: make(chan struct{}),
	}
	go r.drainLog()
	return r
}

func (r *Response) drainLog() {
	defer close(r.logDone)
	if r.keepLog {
		_, _ = io.Copy(&r.logBuf, io.LimitReader(r.pipes.log, maxLogBytes))
	}
	_, _ = io.Copy(io.Discard, r.pipes.log)
}

// Chunks yields the storlet output. Each read waits at most the gateway
// timeout; on expiry the task is cancelled and ErrTimeout is yielded. The
// sequence can be iterated once.
func (r *Response) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}
		size := r.gw.cfg.Daemon.ChunkSize
		if size <= 0 {
			size = 64 * 1024
		}
		buf := make([]byte, size)
		out := r.pipes.output
		for {
			if err := out.SetReadDeadline(time.Now().Add(r.gw.timeout)); err != nil {
				yield(nil, fmt.Errorf("set read deadline: %w", err))
				return
			}
			n, err := out.Read(buf)
			if n > 0 {
				if !yield(bytes.Clone(buf[:n]), nil) {
					return
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, os.ErrDeadlineExceeded):
				r.cancelTask()
				yield(nil, ErrTimeout)
				return
			default:
				yield(nil, fmt.Errorf("read output: %w", err))
				return
			}
		}
	}
}

// WriteTo copies the whole output to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for chunk, err := range r.Chunks() {
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Log returns what the storlet wrote to its logger. It blocks until the
// storlet closes the log or the response is closed. Nothing is kept unless
// the invocation asked for the log.
func (r *Response) Log() []byte {
	<-r.logDone
	return bytes.Clone(r.logBuf.Bytes())
}

// Close releases the descriptors held for the invocation.
func (r *Response) Close() error {
	r.closeOnce.Do(func() {
		r.pipes.closeLocal()
		<-r.logDone
		select {
		case err := <-r.pump:
			if err != nil {
				r.logger.Debug("input pump stopped", logging.Error(err))
			}
		default:
		}
	})
	return nil
}

// cancelTask asks the daemon to terminate the task.
func (r *Response) cancelTask() {
	ctx, cancel := context.WithTimeout(context.Background(), r.gw.timeout)
	defer cancel()
	reply, err := r.gw.bus.Call(ctx, r.channel, sbus.CommandCancel, nil, r.TaskID)
	if err != nil {
		logging.WarnWithContext(r.logger, "failed to cancel storlet task", "task_cancel_failed",
			logging.Error(err),
		)
		return
	}
	if !reply.OK {
		logging.WarnWithContext(r.logger, "daemon refused to cancel storlet task", "task_cancel_refused",
			logging.String("reply", reply.Message),
		)
		return
	}
	r.logger.Info("storlet task cancelled")
}
