// Package validation provides the safety checks applied to user-supplied
// destinations and template sources: the output path guard that keeps
// compiled artifacts out of system directories, and URL classification for
// the input resolver.
package validation

import (
	"path/filepath"
	"runtime"
	"strings"
)

// dangerousPatterns flag traversal or injection attempts in a resolved
// output path. ":" is deliberately absent; it is legitimate in Windows
// drive letters.
var dangerousPatterns = []string{"..", "%", "<", ">", "|", "\"", "?", "*"}

var (
	windowsSystemDirs = []string{
		"C:\\Windows",
		"C:\\System32",
		"C:\\Program Files",
		"C:\\Program Files (x86)",
	}

	posixSystemDirs = []string{
		"/etc",
		"/bin",
		"/sbin",
		"/usr/bin",
		"/usr/sbin",
		"/proc",
		"/sys",
		"/dev",
		"/boot",
	}
)

// IsSafeOutputPath reports whether path may receive a compiled artifact.
// The check is pure: nothing is created, opened, or stat'd. Resolution
// failures count as unsafe.
func IsSafeOutputPath(path string) bool {
	if path == "" {
		return false
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	for _, pattern := range dangerousPatterns {
		if strings.Contains(resolved, pattern) {
			return false
		}
	}

	if runtime.GOOS == "windows" {
		// Windows paths compare case-insensitively.
		upper := strings.ToUpper(resolved)
		for _, sysDir := range windowsSystemDirs {
			if strings.HasPrefix(upper, strings.ToUpper(sysDir)) {
				return false
			}
		}
		return true
	}

	for _, sysDir := range posixSystemDirs {
		if strings.HasPrefix(resolved, sysDir) {
			return false
		}
	}

	return true
}
