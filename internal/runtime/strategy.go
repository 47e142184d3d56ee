package runtime

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Strategy finds PostgreSQL runtimes. Discovery is restartable: every
// call to Runtimes re-inspects the host.
type Strategy interface {
	Runtimes() []Runtime
}

// PathEnv finds runtimes on the PATH environment variable.
type PathEnv struct{}

func (PathEnv) Runtimes() []Runtime {
	var runtimes []Runtime
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "pg_ctl")); err != nil {
			continue
		}
		rt, err := Discover(dir)
		if err != nil {
			// A pg_ctl we cannot interrogate is not a usable runtime.
			log.Debug().Err(err).Str("bindir", dir).Msg("Skipping undetectable runtime")
			continue
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes
}

// Dir finds a runtime in one explicit, user-supplied bin directory.
type Dir string

func (d Dir) Runtimes() []Runtime {
	rt, err := Discover(string(d))
	if err != nil {
		log.Debug().Err(err).Str("bindir", string(d)).Msg("Skipping undetectable runtime")
		return nil
	}
	return []Runtime{rt}
}

// Platform finds runtimes in platform-specific well-known install
// roots, e.g. /usr/lib/postgresql/*/bin on Debian and Ubuntu. The
// per-platform roots live in the build-tagged platform files.
type Platform struct{}

func (Platform) Runtimes() []Runtime {
	var runtimes []Runtime
	for _, dir := range platformBinDirs() {
		rt, err := Discover(dir)
		if err != nil {
			log.Debug().Err(err).Str("bindir", dir).Msg("Skipping undetectable runtime")
			continue
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes
}

// Single is a fixed runtime that always discovers itself.
type Single Runtime

func (s Single) Runtimes() []Runtime {
	return []Runtime{Runtime(s)}
}

// Chain consults strategies in order, deduplicating by version: the
// first strategy to yield a version wins.
type Chain []Strategy

func (c Chain) Runtimes() []Runtime {
	var runtimes []Runtime
	seen := make(map[string]bool)
	for _, strategy := range c {
		for _, rt := range strategy.Runtimes() {
			key := rt.Version.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			runtimes = append(runtimes, rt)
		}
	}
	return runtimes
}

// Filtered narrows another strategy to the runtimes matching a
// constraint. Wrapping the constraint into the strategy lets callers
// that only know about strategies, like cluster handles, honor it.
type Filtered struct {
	Strategy   Strategy
	Constraint Constraint
}

func (f Filtered) Runtimes() []Runtime {
	var runtimes []Runtime
	for _, rt := range f.Strategy.Runtimes() {
		if f.Constraint == nil || f.Constraint(rt) {
			runtimes = append(runtimes, rt)
		}
	}
	return runtimes
}

// Default is the discovery order used when the caller has no
// preference: PATH entries first, then platform install roots.
func Default() Strategy {
	return Chain{PathEnv{}, Platform{}}
}
