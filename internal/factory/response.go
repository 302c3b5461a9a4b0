package factory

import "storlets/internal/sbus"

// CommandResponse is the outcome of one factory command. A response that is
// not iterable ends the factory's command loop after it is reported.
type CommandResponse struct {
	Status   bool
	Message  string
	Iterable bool
}

func success(message string) CommandResponse {
	return CommandResponse{Status: true, Message: message, Iterable: true}
}

func failure(message string) CommandResponse {
	return CommandResponse{Status: false, Message: message, Iterable: true}
}

func (r CommandResponse) final() CommandResponse {
	r.Iterable = false
	return r
}

// Reply converts the response to the bus reply convention.
func (r CommandResponse) Reply() sbus.Reply {
	return sbus.Reply{OK: r.Status, Message: r.Message}
}

// ReportMessage is the text written back to the caller.
func (r CommandResponse) ReportMessage() string {
	return r.Reply().String()
}
