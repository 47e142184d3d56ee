//go:build darwin

package runtime

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Well-known install roots: Homebrew's versioned postgresql kegs.
func platformBinDirs() []string {
	out, err := exec.Command("brew", "--prefix").Output()
	if err != nil {
		return nil
	}
	prefix := strings.TrimSpace(string(out))
	if prefix == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(prefix, "Cellar", "postgresql@*", "*", "bin", "pg_ctl"))
	if err != nil {
		return nil
	}
	var dirs []string
	for _, match := range matches {
		dirs = append(dirs, filepath.Dir(match))
	}
	return dirs
}
