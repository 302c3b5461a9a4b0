package sbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// ErrInvalidDatagram marks datagrams that fail structural validation.
var ErrInvalidDatagram = errors.New("invalid datagram")

// Params carries command parameters. Values arriving as JSON numbers or
// booleans are kept in their textual form.
type Params map[string]string

// UnmarshalJSON accepts string, number, boolean and null values.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*p = nil
		return nil
	}
	out := make(Params, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		case nil:
			out[key] = ""
		default:
			return fmt.Errorf("param %q: unsupported value type %T", key, value)
		}
	}
	*p = out
	return nil
}

// Get returns the value for key, or the empty string.
func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// Int parses the value for key as a decimal integer.
func (p Params) Int(key string) (int, error) {
	raw, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing param %q", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return n, nil
}

// FDMetadata describes one descriptor of a datagram.
type FDMetadata struct {
	Type             FDType
	StorletsMetadata map[string]string
	StorageMetadata  map[string]string
}

type wireFDMetadata struct {
	Storlets Params `json:"storlets"`
	Storage  Params `json:"storage"`
}

// MarshalJSON renders the {"storlets": {...,"type": T}, "storage": {...}} form.
func (m FDMetadata) MarshalJSON() ([]byte, error) {
	storlets := make(Params, len(m.StorletsMetadata)+1)
	maps.Copy(storlets, m.StorletsMetadata)
	storlets["type"] = string(m.Type)
	storage := make(Params, len(m.StorageMetadata))
	maps.Copy(storage, m.StorageMetadata)
	return json.Marshal(wireFDMetadata{Storlets: storlets, Storage: storage})
}

// UnmarshalJSON parses the wire form and lifts "type" out of the storlets map.
func (m *FDMetadata) UnmarshalJSON(data []byte) error {
	var raw wireFDMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fdType := FDType(raw.Storlets.Get("type"))
	if !fdType.Valid() {
		return fmt.Errorf("%w: unknown fd type %q", ErrInvalidDatagram, fdType)
	}
	delete(raw.Storlets, "type")
	*m = FDMetadata{
		Type:             fdType,
		StorletsMetadata: compactMap(raw.Storlets),
		StorageMetadata:  compactMap(raw.Storage),
	}
	return nil
}

func (m FDMetadata) normalized() FDMetadata {
	return FDMetadata{
		Type:             m.Type,
		StorletsMetadata: compactMap(m.StorletsMetadata),
		StorageMetadata:  compactMap(m.StorageMetadata),
	}
}

func compactMap[M ~map[string]string](in M) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(map[string]string(in))
}

// Datagram is one bus message: a command envelope plus descriptors.
type Datagram struct {
	Command  Command
	Params   Params
	TaskID   string
	FDs      []int
	Metadata []FDMetadata

	kind Kind
}

type wireCommand struct {
	Command string `json:"command"`
	Params  Params `json:"params"`
	TaskID  string `json:"task_id"`
}

// Build constructs and validates a datagram, choosing its kind from cmd.
func Build(cmd Command, fds []int, metadata []FDMetadata, params Params, taskID string) (*Datagram, error) {
	if cmd == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidDatagram)
	}
	if len(fds) != len(metadata) {
		return nil, fmt.Errorf("%w: fds and metadata length mismatch (%d != %d)", ErrInvalidDatagram, len(fds), len(metadata))
	}
	md := make([]FDMetadata, len(metadata))
	for i, entry := range metadata {
		md[i] = entry.normalized()
	}
	var p Params
	if len(params) > 0 {
		p = maps.Clone(params)
	}
	d := &Datagram{
		Command:  cmd,
		Params:   p,
		TaskID:   taskID,
		FDs:      slices.Clone(fds),
		Metadata: md,
		kind:     KindOf(cmd),
	}
	if err := d.validateFDTypes(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewServiceDatagram builds a datagram carrying a single reply descriptor.
func NewServiceDatagram(cmd Command, fd int, params Params, taskID string) (*Datagram, error) {
	if cmd == CommandExecute {
		return nil, fmt.Errorf("%w: %s cannot be sent as a service datagram", ErrInvalidDatagram, cmd)
	}
	md := []FDMetadata{{Type: FDServiceOut}}
	return Build(cmd, []int{fd}, md, params, taskID)
}

// NewExecuteDatagram builds an execute datagram. Extra input descriptors may
// follow the five required ones.
func NewExecuteDatagram(fds []int, metadata []FDMetadata, params Params, taskID string) (*Datagram, error) {
	return Build(CommandExecute, fds, metadata, params, taskID)
}

// FromWire reconstructs a datagram from received descriptors and the two JSON
// documents carried in the payload.
func FromWire(fds []int, metadataJSON, commandJSON []byte) (*Datagram, error) {
	var md []FDMetadata
	if err := json.Unmarshal(metadataJSON, &md); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrInvalidDatagram, err)
	}
	var cmd wireCommand
	if err := json.Unmarshal(commandJSON, &cmd); err != nil {
		return nil, fmt.Errorf("%w: decode command: %w", ErrInvalidDatagram, err)
	}
	return Build(Command(cmd.Command), fds, md, cmd.Params, cmd.TaskID)
}

func (d *Datagram) validateFDTypes() error {
	required := RequiredFDTypes(d.kind)
	given := d.FDTypes()
	if len(given) < len(required) || !slices.Equal(given[:len(required)], required) {
		return fmt.Errorf("%w: fd type mismatch given_fd_types=%v required_fd_types=%v", ErrInvalidDatagram, given, required)
	}
	for _, extra := range given[len(required):] {
		if !slices.Contains(required, extra) {
			return fmt.Errorf("%w: fd type mismatch given_fd_types=%v required_fd_types=%v", ErrInvalidDatagram, given, required)
		}
	}
	return nil
}

// Kind reports the datagram layout.
func (d *Datagram) Kind() Kind { return d.kind }

// FDTypes lists the role of each descriptor in order.
func (d *Datagram) FDTypes() []FDType {
	out := make([]FDType, len(d.Metadata))
	for i, md := range d.Metadata {
		out[i] = md.Type
	}
	return out
}

// MetadataJSON serializes the per-descriptor metadata list.
func (d *Datagram) MetadataJSON() ([]byte, error) {
	md := d.Metadata
	if md == nil {
		md = []FDMetadata{}
	}
	return json.Marshal(md)
}

// CommandJSON serializes the command envelope.
func (d *Datagram) CommandJSON() ([]byte, error) {
	params := d.Params
	if params == nil {
		params = Params{}
	}
	return json.Marshal(wireCommand{Command: string(d.Command), Params: params, TaskID: d.TaskID})
}

// FindFDs returns every descriptor with the given role.
func (d *Datagram) FindFDs(t FDType) []int {
	var out []int
	for i, md := range d.Metadata {
		if md.Type == t {
			out = append(out, d.FDs[i])
		}
	}
	return out
}

// FindFD returns the first descriptor with the given role.
func (d *Datagram) FindFD(t FDType) (int, bool) {
	for i, md := range d.Metadata {
		if md.Type == t {
			return d.FDs[i], true
		}
	}
	return -1, false
}

func (d *Datagram) ServiceOutFD() (int, bool) { return d.FindFD(FDServiceOut) }
func (d *Datagram) TaskIDOutFD() (int, bool) { return d.FindFD(FDOutputTaskID) }
func (d *Datagram) LoggerOutFD() (int, bool) { return d.FindFD(FDLogger) }
func (d *Datagram) ObjectInFDs() []int { return d.FindFDs(FDInputObject) }
func (d *Datagram) ObjectOutFDs() []int { return d.FindFDs(FDOutputObject) }
func (d *Datagram) ObjectMetadataOutFDs() []int { return d.FindFDs(FDOutputObjectMetadata) }

// ObjectInMetadata returns the storage metadata of each input descriptor.
func (d *Datagram) ObjectInMetadata() []map[string]string {
	var out []map[string]string
	for _, md := range d.Metadata {
		if md.Type == FDInputObject {
			out = append(out, md.StorageMetadata)
		}
	}
	return out
}
