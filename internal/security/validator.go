package security

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// systemRoots are directories that must never be designated as a library
// root. Scanning them would walk OS internals and risk destructive
// reconciliation against paths the application has no business touching.
var systemRoots = []string{
	"/",
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/lib",
	"/proc",
	"/root",
	"/sbin",
	"/sys",
	"/usr",
	"/var",
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
}

// RootPathValidation is the result of checking an admin-supplied root
// path. Canonical is only set when every check passed.
type RootPathValidation struct {
	Valid     bool   `json:"valid"`
	Exists    bool   `json:"exists"`
	Readable  bool   `json:"readable"`
	Canonical string `json:"canonical,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ValidateRootPath checks that a candidate library root exists, is a
// readable directory, and is not a protected system location. The path
// is resolved through symlinks so that later containment checks compare
// against the real filesystem location.
func ValidateRootPath(path string) RootPathValidation {
	result := RootPathValidation{}

	if strings.TrimSpace(path) == "" {
		result.Error = "root path must not be empty"
		return result
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		result.Error = fmt.Sprintf("cannot resolve path: %v", err)
		return result
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			result.Error = "path does not exist"
			return result
		}
		result.Error = fmt.Sprintf("cannot resolve path: %v", err)
		return result
	}
	result.Exists = true

	info, err := os.Stat(resolved)
	if err != nil {
		result.Error = fmt.Sprintf("cannot stat path: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Error = "path is not a directory"
		return result
	}

	if isSystemRoot(resolved) {
		result.Error = fmt.Sprintf("refusing to use protected system directory: %s", resolved)
		return result
	}

	if _, err := os.ReadDir(resolved); err != nil {
		result.Error = fmt.Sprintf("directory is not readable: %v", err)
		return result
	}
	result.Readable = true

	result.Valid = true
	result.Canonical = resolved
	return result
}

func isSystemRoot(path string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range systemRoots {
		if runtime.GOOS == "windows" {
			if strings.EqualFold(cleaned, filepath.Clean(root)) {
				return true
			}
		} else if cleaned == root {
			return true
		}
	}
	return false
}
