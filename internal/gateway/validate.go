package gateway

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Registration header names.
const (
	HeaderLanguage              = "Language"
	HeaderInterfaceVersion      = "Interface-Version"
	HeaderObjectMetadata        = "Object-Metadata"
	HeaderMain                  = "Main"
	HeaderDependency            = "Dependency"
	HeaderDependencyVersion     = "Dependency-Version"
	HeaderDependencyPermissions = "Dependency-Permissions"
)

var (
	storletHeaders    = []string{HeaderLanguage, HeaderInterfaceVersion, HeaderObjectMetadata, HeaderMain}
	dependencyHeaders = []string{HeaderDependencyVersion}

	javaObjectName = regexp.MustCompile(`^[^/]+-[^-/]+\.jar$`)
)

// CanonicalHeader normalizes a registration header key, so "main" and
// "MAIN" both become "Main".
func CanonicalHeader(key string) string {
	return cases.Title(language.Und).String(strings.ToLower(strings.TrimSpace(key)))
}

// CanonicalParams returns params with every key in canonical form.
func CanonicalParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[CanonicalHeader(k)] = strings.TrimSpace(v)
	}
	return out
}

// ValidateStorletRegistration checks the headers and object name of a storlet upload.
func ValidateStorletRegistration(params map[string]string, objectName string) error {
	params = CanonicalParams(params)
	if err := CheckMandatoryParams(params, storletHeaders); err != nil {
		return err
	}

	lang := strings.ToLower(params[HeaderLanguage])
	switch lang {
	case "java":
		if !javaObjectName.MatchString(objectName) {
			return fmt.Errorf("%w: storlet name is incorrect, expected <name>-<version>.jar: %s", ErrValidation, objectName)
		}
	case "python":
		stem, ok := strings.CutSuffix(objectName, ".py")
		if !ok || stem == "" {
			return fmt.Errorf("%w: storlet name is incorrect, expected <name>.py: %s", ErrValidation, objectName)
		}
		parts := strings.Split(params[HeaderMain], ".")
		if len(parts) != 2 || parts[0] != stem || parts[1] == "" {
			return fmt.Errorf("%w: main class should be %s.<Class>, got %q", ErrValidation, stem, params[HeaderMain])
		}
	case "go":
		if ext := filepath.Ext(objectName); ext != "" && ext != ".so" {
			return fmt.Errorf("%w: go storlet must have no extension or .so: %s", ErrValidation, objectName)
		}
	default:
		return fmt.Errorf("%w: unsupported language %q", ErrValidation, params[HeaderLanguage])
	}

	deps := splitList(params[HeaderDependency])
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if dep == objectName {
			return fmt.Errorf("%w: a storlet cannot depend on itself: %s", ErrValidation, dep)
		}
		if seen[dep] {
			return fmt.Errorf("%w: duplicated dependency: %s", ErrValidation, dep)
		}
		seen[dep] = true
	}
	return nil
}

// ValidateDependencyRegistration checks the headers of a dependency upload.
func ValidateDependencyRegistration(params map[string]string, objectName string) error {
	params = CanonicalParams(params)
	if err := CheckMandatoryParams(params, dependencyHeaders); err != nil {
		return err
	}
	if raw, ok := params[HeaderDependencyPermissions]; ok {
		if _, err := ParsePermissions(raw); err != nil {
			return fmt.Errorf("%w (dependency %s)", err, objectName)
		}
	}
	return nil
}

// ParsePermissions parses an octal file mode for a dependency. The owner must
// be able to read and write it, and it must not be world writable.
func ParsePermissions(raw string) (uint32, error) {
	perm, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil || perm > 0o777 {
		return 0, fmt.Errorf("%w: invalid dependency permissions %q", ErrValidation, raw)
	}
	if perm&0o600 != 0o600 {
		return 0, fmt.Errorf("%w: dependency permissions %s must allow owner read and write", ErrValidation, raw)
	}
	if perm&0o002 != 0 {
		return 0, fmt.Errorf("%w: dependency permissions %s must not be world writable", ErrValidation, raw)
	}
	return uint32(perm), nil
}
