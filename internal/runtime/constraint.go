package runtime

import (
	"path/filepath"

	"github.com/pgden/pgden/internal/version"
)

// Constraint narrows runtime selection. Constraints compose with
// AnyOf, AllOf and Not.
type Constraint func(Runtime) bool

// Anything matches every runtime.
func Anything(Runtime) bool { return true }

// Nothing matches no runtime.
func Nothing(Runtime) bool { return false }

// VersionIs matches runtimes compatible with the given version string,
// which may be partial: "14" matches any 14.x runtime, "14.2" only
// that patch level.
func VersionIs(s string) (Constraint, error) {
	v, err := version.Parse(s)
	if err != nil {
		return nil, err
	}
	return VersionCompatible(v), nil
}

// VersionCompatible matches runtimes compatible with the given
// version.
func VersionCompatible(v version.Version) Constraint {
	return func(r Runtime) bool { return v.CompatibleWith(r.Version) }
}

// BinDirMatches matches runtimes whose bin directory matches the given
// pattern, in filepath.Match syntax.
func BinDirMatches(pattern string) Constraint {
	return func(r Runtime) bool {
		ok, err := filepath.Match(pattern, r.BinDir)
		return err == nil && ok
	}
}

// AnyOf matches when at least one of the given constraints matches.
func AnyOf(constraints ...Constraint) Constraint {
	return func(r Runtime) bool {
		for _, c := range constraints {
			if c(r) {
				return true
			}
		}
		return false
	}
}

// AllOf matches when every one of the given constraints matches.
func AllOf(constraints ...Constraint) Constraint {
	return func(r Runtime) bool {
		for _, c := range constraints {
			if !c(r) {
				return false
			}
		}
		return true
	}
}

// Not inverts a constraint.
func Not(c Constraint) Constraint {
	return func(r Runtime) bool { return !c(r) }
}
