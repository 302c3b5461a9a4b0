package sbus

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedReply marks a reply that is not of the "True: msg" / "False: msg" form.
var ErrMalformedReply = errors.New("sbus: malformed reply")

// Reply is the single textual answer to a service datagram.
type Reply struct {
	OK      bool
	Message string
}

// Success builds a positive reply.
func Success(message string) Reply { return Reply{OK: true, Message: message} }

// Failure builds a negative reply.
func Failure(message string) Reply { return Reply{OK: false, Message: message} }

func (r Reply) String() string {
	status := "False"
	if r.OK {
		status = "True"
	}
	return status + ": " + r.Message
}

// ParseReply decodes a raw reply read from a service-out descriptor.
func ParseReply(raw []byte) (Reply, error) {
	status, message, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, truncate(string(raw), 64))
	}
	switch strings.TrimSpace(status) {
	case "True":
		return Success(strings.TrimSpace(message)), nil
	case "False":
		return Failure(strings.TrimSpace(message)), nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, truncate(string(raw), 64))
	}
}

// WriteReply writes r to w in one call.
func WriteReply(w io.Writer, r Reply) error {
	_, err := io.WriteString(w, r.String())
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
