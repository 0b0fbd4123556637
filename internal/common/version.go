package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version identifiers, overridable via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// GetFullVersion returns the version with the commit it was built from.
func GetFullVersion() string {
	return fmt.Sprintf("%s (commit: %s)", Version, GitCommit)
}

// LoadVersionFromFile overrides Version from a .version file next to
// the executable, when one exists.
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return Version
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
	return Version
}
