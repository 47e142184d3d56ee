package runtime

import (
	"fmt"
	"sort"

	"github.com/pgden/pgden/internal/version"
)

// SelectionError reports that no installed runtime satisfies the
// selection criteria. Selection never falls back to an incompatible
// runtime.
type SelectionError struct {
	// Existing is the version recorded by an already initialized data
	// directory, when that version bound the selection.
	Existing *version.Version
}

func (e *SelectionError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("no installed PostgreSQL runtime is compatible with cluster version %s and the requested constraint", e.Existing)
	}
	return "no installed PostgreSQL runtime satisfies the requested constraint"
}

// Select picks the highest-versioned runtime known to the strategy
// that satisfies the constraint. Descending version order breaks ties,
// so selection is deterministic for a given host state.
func Select(strategy Strategy, constraint Constraint) (Runtime, error) {
	return selectRuntime(strategy, constraint, nil)
}

// SelectFor picks a runtime for a data directory. When the directory
// already holds an initialized cluster, its recorded version binds the
// selection: the chosen runtime must be compatible with that version
// as well as with the caller's constraint.
func SelectFor(strategy Strategy, constraint Constraint, existing *version.Version) (Runtime, error) {
	return selectRuntime(strategy, constraint, existing)
}

func selectRuntime(strategy Strategy, constraint Constraint, existing *version.Version) (Runtime, error) {
	if constraint == nil {
		constraint = Anything
	}
	var candidates []Runtime
	for _, rt := range strategy.Runtimes() {
		if !constraint(rt) {
			continue
		}
		if existing != nil && !existing.CompatibleWith(rt.Version) {
			continue
		}
		candidates = append(candidates, rt)
	}
	if len(candidates) == 0 {
		return Runtime{}, &SelectionError{Existing: existing}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Version.Compare(candidates[j].Version) > 0
	})
	return candidates[0], nil
}
