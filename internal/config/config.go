package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	PipesDir    string `toml:"pipes_dir"`
	LogDir      string `toml:"log_dir"`
	StorletDir  string `toml:"storlet_dir"`
	CatalogPath string `toml:"catalog_path"`
}

// Factory contains daemon factory supervision settings.
type Factory struct {
	Scope            string `toml:"scope"`
	ContainerID      string `toml:"container_id"`
	PingRetries      int    `toml:"ping_retries"`
	PingRetryDelayMS int    `toml:"ping_retry_delay_ms"`
	PingTimeoutMS    int    `toml:"ping_timeout_ms"`
	MetricsBind      string `toml:"metrics_bind"`
}

// Daemon contains defaults handed to storlet daemons.
type Daemon struct {
	PoolSize  int    `toml:"pool_size"`
	ChunkSize int    `toml:"chunk_size"`
	LogLevel  string `toml:"log_level"`
}

// Gateway contains invocation settings.
type Gateway struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	DefaultLanguage string `toml:"default_language"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Java describes the JVM runtime used for java storlets.
type Java struct {
	Binary string   `toml:"binary"`
	LibDir string   `toml:"lib_dir"`
	Jars   []string `toml:"jars"`
}

// Python describes the python daemon launcher.
type Python struct {
	Binary string `toml:"binary"`
}

// Go describes the native daemon. An empty binary means the running executable.
type Go struct {
	Binary string `toml:"binary"`
}

// Languages groups per-language runtime settings.
type Languages struct {
	Java   Java   `toml:"java"`
	Python Python `toml:"python"`
	Go     Go     `toml:"go"`
}

// Config encapsulates all configuration values.
//
// Configuration sections by subsystem:
//   - Paths: channel, log, storlet and catalog locations
//   - Factory: scope, readiness policy and metrics endpoint
//   - Daemon: pool and streaming defaults for spawned daemons
//   - Gateway: invocation timeout and default language
//   - Logging: log format and level
//   - Languages: runtime binaries per storlet language
type Config struct {
	Paths     Paths     `toml:"paths"`
	Factory   Factory   `toml:"factory"`
	Daemon    Daemon    `toml:"daemon"`
	Gateway   Gateway   `toml:"gateway"`
	Logging   Logging   `toml:"logging"`
	Languages Languages `toml:"languages"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/storlets/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		if env := strings.TrimSpace(os.Getenv("STORLETS_CONFIG")); env != "" {
			path = env
		}
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the factory and daemons write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.LogDir,
		c.Paths.StorletDir,
		c.ScopeDir(c.Factory.Scope),
		filepath.Dir(c.Paths.CatalogPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ScopeDir returns the directory holding the channels of one scope.
func (c *Config) ScopeDir(scope string) string {
	if strings.TrimSpace(scope) == "" {
		scope = c.Factory.Scope
	}
	return filepath.Join(c.Paths.PipesDir, scope)
}

// FactoryChannel returns the channel address of the factory serving scope.
func (c *Config) FactoryChannel(scope string) string {
	return filepath.Join(c.ScopeDir(scope), factoryChannelName)
}

// DaemonChannel returns the channel address of the daemon running storlet in scope.
func (c *Config) DaemonChannel(scope, storlet string) string {
	return filepath.Join(c.ScopeDir(scope), storlet)
}

// StorletPath returns the directory a storlet's artifacts are installed in.
func (c *Config) StorletPath(storlet string) string {
	return filepath.Join(c.Paths.StorletDir, storlet)
}

// PingRetryDelay is the pause between readiness probes of a starting daemon.
func (c *Config) PingRetryDelay() time.Duration {
	return time.Duration(c.Factory.PingRetryDelayMS) * time.Millisecond
}

// PingTimeout bounds a single readiness probe.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Factory.PingTimeoutMS) * time.Millisecond
}

// GatewayTimeout bounds each blocking step of one invocation.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
