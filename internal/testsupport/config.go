package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"storlets/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Channels live under a short directory in os.TempDir because unix socket
// addresses are limited to 107 bytes.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	pipes, err := os.MkdirTemp("", "sl")
	if err != nil {
		t.Fatalf("mkdir pipes dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(pipes) })

	cfgVal := config.Default()
	cfgVal.Paths.PipesDir = pipes
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StorletDir = filepath.Join(base, "storlets")
	cfgVal.Paths.CatalogPath = filepath.Join(base, "catalog.db")
	cfgVal.Factory.ContainerID = "test"
	cfgVal.Factory.PingRetries = 3
	cfgVal.Factory.PingRetryDelayMS = 10
	cfgVal.Factory.PingTimeoutMS = 500
	cfgVal.Gateway.TimeoutSeconds = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithPoolSize overrides the daemon pool size.
func WithPoolSize(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.PoolSize = n
	}
}

// WithScope overrides the factory scope.
func WithScope(scope string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Factory.Scope = scope
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.LogDir)
}
