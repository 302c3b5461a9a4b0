// Package deps reports whether the language runtimes storlet daemons are
// launched with are present on this host.
package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"storlets/internal/config"
)

// Requirement defines an external runtime a storlet language relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// LanguageRequirements lists the runtime binary of every configured
// language. Only the native go daemon is mandatory; it defaults to the
// running executable.
func LanguageRequirements(cfg config.Languages) []Requirement {
	goBinary := strings.TrimSpace(cfg.Go.Binary)
	if goBinary == "" {
		if self, err := os.Executable(); err == nil {
			goBinary = self
		}
	}
	return []Requirement{
		{Name: "go", Command: goBinary, Description: "Native storlet daemon"},
		{Name: "java", Command: cfg.Java.Binary, Description: "JVM for java storlets", Optional: true},
		{Name: "python", Command: cfg.Python.Binary, Description: "Python storlet daemon launcher", Optional: true},
	}
}

// CheckJavaLibraries reports the configured daemon jars missing from the
// java library directory.
func CheckJavaLibraries(cfg config.Java) Status {
	status := Status{
		Name:        "java libraries",
		Command:     cfg.LibDir,
		Description: "Storlet daemon jars on the CLASSPATH",
		Optional:    true,
	}
	var missing []string
	for _, jar := range cfg.Jars {
		if _, err := os.Stat(filepath.Join(cfg.LibDir, jar)); err != nil {
			missing = append(missing, jar)
		}
	}
	if len(missing) > 0 {
		status.Detail = "missing " + strings.Join(missing, ", ")
		return status
	}
	status.Available = true
	return status
}

// CheckLanguages combines the binary and library checks for cfg.
func CheckLanguages(cfg config.Languages) []Status {
	results := CheckBinaries(LanguageRequirements(cfg))
	return append(results, CheckJavaLibraries(cfg.Java))
}
