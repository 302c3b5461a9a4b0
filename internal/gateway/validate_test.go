package gateway_test

import (
	"errors"
	"testing"

	"storlets/internal/gateway"
)

func storletParams(lang, main, deps string) map[string]string {
	params := map[string]string{
		"Language":          lang,
		"Interface-Version": "1.0",
		"Object-Metadata":   "no",
	}
	if main != "" {
		params["Main"] = main
	}
	if deps != "" {
		params["Dependency"] = deps
	}
	return params
}

func TestValidateStorletRegistration(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		object  string
		wantErr bool
	}{
		{"java with dependency", storletParams("java", "path.to.storlet.class", "dep_file"), "storlet-1.0.jar", false},
		{"java without dependency", storletParams("java", "path.to.storlet.class", ""), "storlet-1.0.jar", false},
		{"java missing main", storletParams("java", "", "dep_file"), "storlet-1.0.jar", true},
		{"java without version", storletParams("java", "path.to.storlet.class", "dep_file"), "storlet.jar", true},
		{"python", storletParams("python", "storlet.Storlet", "dep_file"), "storlet.py", false},
		{"python wrong suffix", storletParams("python", "storlet.Storlet", "dep_file"), "storlet.pyfoo", true},
		{"python other module", storletParams("python", "another_storlet.Storlet", "dep_file"), "storlet.py", true},
		{"python no class", storletParams("python", "storlet", "dep_file"), "storlet.py", true},
		{"python nested class", storletParams("python", "storlet.foo.Storlet", "dep_file"), "storlet.py", true},
		{"go binary", storletParams("go", "main", ""), "upper", false},
		{"go plugin", storletParams("go", "main", ""), "upper.so", false},
		{"go with jar", storletParams("go", "main", ""), "upper.jar", true},
		{"unsupported language", storletParams("bar", "path.to.storlet.class", "dep_file"), "storlet.foo", true},
		{"self dependency", storletParams("java", "path.to.storlet.class", "storlet-1.0.jar"), "storlet-1.0.jar", true},
		{"duplicated dependency", storletParams("java", "path.to.storlet.class", "dep_file,dep_file"), "storlet-1.0.jar", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gateway.ValidateStorletRegistration(tt.params, tt.object)
			if tt.wantErr {
				if !errors.Is(err, gateway.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateStorletRegistrationHeaderCase(t *testing.T) {
	params := map[string]string{
		"language":          "Java",
		"INTERFACE-VERSION": "1.0",
		"object-metadata":   "no",
		"main":              "path.to.storlet.class",
	}
	if err := gateway.ValidateStorletRegistration(params, "storlet-1.0.jar"); err != nil {
		t.Fatalf("ValidateStorletRegistration: %v", err)
	}
	if got := gateway.CanonicalHeader(" dependency-permissions "); got != gateway.HeaderDependencyPermissions {
		t.Fatalf("CanonicalHeader = %q", got)
	}
}

func TestValidateDependencyRegistration(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{"version only", map[string]string{"Dependency-Version": "1.0"}, false},
		{"permissions", map[string]string{"Dependency-Permissions": "755", "Dependency-Version": "1.0"}, false},
		{"read only", map[string]string{"Dependency-Permissions": "400", "Dependency-Version": "1.0"}, true},
		{"not octal", map[string]string{"Dependency-Permissions": "foo", "Dependency-Version": "1.0"}, true},
		{"out of range", map[string]string{"Dependency-Permissions": "888", "Dependency-Version": "1.0"}, true},
		{"world writable", map[string]string{"Dependency-Permissions": "777", "Dependency-Version": "1.0"}, true},
		{"missing version", map[string]string{"Dependency-Permissions": "755"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gateway.ValidateDependencyRegistration(tt.params, "dep_file")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePermissions(t *testing.T) {
	perm, err := gateway.ParsePermissions("0640")
	if err != nil {
		t.Fatalf("ParsePermissions: %v", err)
	}
	if perm != 0o640 {
		t.Fatalf("perm = %o, want 640", perm)
	}
}
