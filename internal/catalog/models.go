package catalog

import (
	"errors"
	"time"

	"storlets/internal/gateway"
)

var (
	// ErrNotFound is returned when a storlet or dependency is not registered.
	ErrNotFound = errors.New("not registered")
	// ErrInUse is returned when deleting a dependency some storlet still names.
	ErrInUse = errors.New("dependency in use")
)

// Storlet is a registered storlet.
type Storlet struct {
	Name             string
	Language         string
	InterfaceVersion string
	ObjectMetadata   string
	Main             string
	Dependencies     []string
	RegisteredAt     time.Time
}

// Info converts s to what the gateway needs to invoke it.
func (s Storlet) Info() gateway.StorletInfo {
	return gateway.StorletInfo{
		Name:         s.Name,
		Language:     s.Language,
		Main:         s.Main,
		Dependencies: append([]string(nil), s.Dependencies...),
	}
}

// Dependency is a registered storlet dependency.
type Dependency struct {
	Name         string
	Version      string
	Permissions  uint32 // 0 when not set
	RegisteredAt time.Time
}
