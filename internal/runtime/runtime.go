// Package runtime discovers installed PostgreSQL runtimes and selects
// one for a data directory.
package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/pgden/pgden/internal/version"
)

// Runtime is one installed PostgreSQL version: a bin directory holding
// pg_ctl, initdb, postgres, psql, pg_basebackup and friends. Runtimes
// are immutable once discovered.
type Runtime struct {
	BinDir  string
	Version version.Version
}

// Discover probes the given bin directory for a PostgreSQL runtime by
// running pg_ctl --version.
func Discover(bindir string) (Runtime, error) {
	bindir, err := filepath.Abs(bindir)
	if err != nil {
		return Runtime{}, err
	}
	out, err := exec.Command(filepath.Join(bindir, "pg_ctl"), "--version").Output()
	if err != nil {
		return Runtime{}, fmt.Errorf("probe runtime at %s: %w", bindir, err)
	}
	v, err := version.ParseToolOutput(string(out))
	if err != nil {
		return Runtime{}, fmt.Errorf("probe runtime at %s: %w", bindir, err)
	}
	return Runtime{BinDir: bindir, Version: v}, nil
}

// Command builds a command for the named tool in this runtime's bin
// directory. The caller owns environment and I/O wiring.
func (r Runtime) Command(name string, args ...string) *exec.Cmd {
	return exec.Command(filepath.Join(r.BinDir, name), args...)
}

// CommandContext is Command with the lifetime bound to ctx.
func (r Runtime) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, filepath.Join(r.BinDir, name), args...)
}

func (r Runtime) String() string {
	return fmt.Sprintf("%s (%s)", r.Version, r.BinDir)
}
