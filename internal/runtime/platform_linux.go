//go:build linux

package runtime

import "path/filepath"

// Well-known install roots: Debian/Ubuntu postgresql-common layout and
// the PGDG RPM layout used on RHEL/Fedora.
func platformBinDirs() []string {
	var dirs []string
	for _, pattern := range []string{
		"/usr/lib/postgresql/*/bin/pg_ctl",
		"/usr/pgsql-*/bin/pg_ctl",
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, match := range matches {
			dirs = append(dirs, filepath.Dir(match))
		}
	}
	return dirs
}
