package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrValidation marks a request or registration rejected before any process is involved.
var ErrValidation = errors.New("validation failed")

// Option keys understood by ParseOptions.
const (
	OptionStorletMain       = "storlet_main"
	OptionStorletLanguage   = "storlet_language"
	OptionStorletDependency = "storlet_dependency"
	OptionRangeStart        = "range_start"
	OptionRangeEnd          = "range_end"
	OptionGenerateLog       = "generate_log"
	OptionScope             = "scope"
	OptionRestart           = "restart"
)

// Options are the per-invocation settings supplied by the storage middleware.
type Options struct {
	StorletMain  string
	Language     string
	Dependencies []string
	RangeStart   int64
	RangeEnd     int64
	GenerateLog  bool
	Scope        string
	Restart      bool

	rangeSet bool
}

// HasRange reports whether the request targets a byte range.
func (o Options) HasRange() bool {
	return o.rangeSet
}

// ParseOptions reads options from their string form.
func ParseOptions(raw map[string]string) (Options, error) {
	opts := Options{
		StorletMain:  strings.TrimSpace(raw[OptionStorletMain]),
		Language:     strings.TrimSpace(raw[OptionStorletLanguage]),
		Dependencies: splitList(raw[OptionStorletDependency]),
		Scope:        strings.TrimSpace(raw[OptionScope]),
	}
	var err error
	if opts.RangeStart, _, err = parseInt(raw, OptionRangeStart); err != nil {
		return Options{}, err
	}
	if opts.RangeEnd, opts.rangeSet, err = parseInt(raw, OptionRangeEnd); err != nil {
		return Options{}, err
	}
	if opts.GenerateLog, err = parseBool(raw, OptionGenerateLog); err != nil {
		return Options{}, err
	}
	if opts.Restart, err = parseBool(raw, OptionRestart); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// WithRange returns a copy of o limited to [start, end].
func (o Options) WithRange(start, end int64) Options {
	o.RangeStart = start
	o.RangeEnd = end
	o.rangeSet = true
	return o
}

func parseInt(raw map[string]string, key string) (int64, bool, error) {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be an integer, got %q", ErrValidation, key, value)
	}
	return n, true, nil
}

func parseBool(raw map[string]string, key string) (bool, error) {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrValidation, key, value)
	}
	return b, nil
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
