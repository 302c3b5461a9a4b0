package factory

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"storlets/internal/config"
)

const javaDaemonClass = "org.openstack.storlet.daemon.SDaemon"

// ModulePathEnv carries the storlet directory to native daemons, which start
// their executors in it.
const ModulePathEnv = "STORLETS_MODULE_PATH"

// LaunchOptions is everything a language needs to build a daemon command line.
type LaunchOptions struct {
	RuntimeBinary string
	ModulePath    string
	ModuleName    string
	PoolSize      int
	Channel       string
	LogLevel      string
	ContainerID   string
}

// LanguageSpec turns launch options into an argument vector and an
// environment overlay. getenv reads the factory's current environment.
type LanguageSpec interface {
	Launch(opts LaunchOptions, getenv func(string) string) (argv []string, env map[string]string, err error)
}

// LanguageFunc adapts a function to LanguageSpec.
type LanguageFunc func(opts LaunchOptions, getenv func(string) string) ([]string, map[string]string, error)

func (f LanguageFunc) Launch(opts LaunchOptions, getenv func(string) string) ([]string, map[string]string, error) {
	return f(opts, getenv)
}

// Languages is the registry of daemon languages keyed by name.
type Languages struct {
	mu    sync.RWMutex
	specs map[string]LanguageSpec

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// NewLanguages registers the java, python and go launchers configured in cfg.
func NewLanguages(cfg config.Languages) *Languages {
	l := &Languages{specs: make(map[string]LanguageSpec)}
	l.Register("java", javaLauncher(cfg.Java))
	l.Register("python", pythonLauncher(cfg.Python))
	l.Register("go", goLauncher(cfg.Go))
	return l
}

// Register adds or replaces the launcher for name.
func (l *Languages) Register(name string, spec LanguageSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.specs == nil {
		l.specs = make(map[string]LanguageSpec)
	}
	l.specs[name] = spec
}

// Names lists the registered languages in sorted order.
func (l *Languages) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.specs))
	for name := range l.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves lang and returns its argument vector and environment overlay.
// An unknown language is a *ConfigError.
func (l *Languages) Build(lang string, opts LaunchOptions) ([]string, map[string]string, error) {
	l.mu.RLock()
	spec, ok := l.specs[lang]
	l.mu.RUnlock()
	if !ok {
		return nil, nil, &ConfigError{Message: "got unsupported daemon language: " + lang}
	}
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return spec.Launch(opts, getenv)
}

func daemonArgs(opts LaunchOptions) []string {
	return []string{
		opts.ModuleName,
		opts.Channel,
		opts.LogLevel,
		strconv.Itoa(opts.PoolSize),
		opts.ContainerID,
	}
}

// appendPath joins entries onto an existing search path without a leading
// separator when the existing value is empty.
func appendPath(existing string, entries ...string) string {
	parts := make([]string, 0, len(entries)+1)
	if existing != "" {
		parts = append(parts, existing)
	}
	parts = append(parts, entries...)
	return strings.Join(parts, ":")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func javaLauncher(cfg config.Java) LanguageFunc {
	return func(opts LaunchOptions, getenv func(string) string) ([]string, map[string]string, error) {
		libDir := firstNonEmpty(cfg.LibDir, "/opt/storlets/")
		if !strings.HasSuffix(libDir, "/") {
			libDir += "/"
		}
		entries := make([]string, 0, len(cfg.Jars)+2)
		for _, jar := range cfg.Jars {
			entries = append(entries, libDir+jar)
		}
		entries = append(entries, libDir, opts.ModulePath)

		argv := append([]string{firstNonEmpty(opts.RuntimeBinary, cfg.Binary, "/usr/bin/java"), javaDaemonClass}, daemonArgs(opts)...)
		env := map[string]string{
			"CLASSPATH":       appendPath(getenv("CLASSPATH"), entries...),
			"LD_LIBRARY_PATH": appendPath(getenv("LD_LIBRARY_PATH"), libDir),
		}
		return argv, env, nil
	}
}

func pythonLauncher(cfg config.Python) LanguageFunc {
	return func(opts LaunchOptions, getenv func(string) string) ([]string, map[string]string, error) {
		argv := append([]string{firstNonEmpty(opts.RuntimeBinary, cfg.Binary, "/usr/local/bin/storlets-daemon")}, daemonArgs(opts)...)
		env := map[string]string{
			"PYTHONPATH": appendPath(getenv("PYTHONPATH"), opts.ModulePath),
		}
		return argv, env, nil
	}
}

func goLauncher(cfg config.Go) LanguageFunc {
	return func(opts LaunchOptions, _ func(string) string) ([]string, map[string]string, error) {
		binary := firstNonEmpty(opts.RuntimeBinary, cfg.Binary)
		if binary == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve executable: %w", err)
			}
			binary = self
		}
		argv := append([]string{binary, "daemon"}, daemonArgs(opts)...)
		env := map[string]string{ModulePathEnv: opts.ModulePath}
		return argv, env, nil
	}
}

// mergeEnv applies overlay to base, replacing existing keys.
func mergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overlay[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}
