// Package version parses and compares PostgreSQL version numbers.
//
// PostgreSQL versions are not semver. Before PostgreSQL 10 the release
// line is identified by the first two components (9.6.x), from 10
// onwards by the first component alone (14.x). A version may also be
// partial: a data directory's PG_VERSION file records only the release
// line ("14", "9.6"), never a patch level.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a possibly partial PostgreSQL version number. Components
// that are not stated are -1.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseError reports a string that could not be parsed as a PostgreSQL
// version number.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid PostgreSQL version %q", e.Input)
}

// Parse parses strings like "14", "14.2", "9.6" or "9.6.24".
func Parse(s string) (Version, error) {
	v := Version{Major: -1, Minor: -1, Patch: -1}
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return v, &ParseError{Input: s}
	}
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{Major: -1, Minor: -1, Patch: -1}, &ParseError{Input: s}
		}
		*fields[i] = n
	}
	if v.Major < 0 {
		return v, &ParseError{Input: s}
	}
	return v, nil
}

// Matches the version number in output like "pg_ctl (PostgreSQL) 14.2"
// or "initdb (PostgreSQL) 9.6.24". Development builds ("17devel",
// "16beta1") report just the leading numeric part.
var toolVersionPattern = regexp.MustCompile(`\(PostgreSQL\)\s+(\d+(?:\.\d+){0,2})`)

// ParseToolOutput extracts a version from the output of a PostgreSQL
// tool invoked with --version.
func ParseToolOutput(output string) (Version, error) {
	m := toolVersionPattern.FindStringSubmatch(output)
	if m == nil {
		return Version{Major: -1, Minor: -1, Patch: -1}, &ParseError{Input: strings.TrimSpace(output)}
	}
	return Parse(m[1])
}

func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", v.Major)
	if v.Minor >= 0 {
		fmt.Fprintf(&b, ".%d", v.Minor)
	}
	if v.Patch >= 0 {
		fmt.Fprintf(&b, ".%d", v.Patch)
	}
	return b.String()
}

// Compare orders versions component-wise. An unstated component sorts
// before any stated one, so 9.6 < 9.6.0 < 9.6.24 < 10 < 14.
func (v Version) Compare(o Version) int {
	for _, pair := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompatibleWith reports whether a runtime at version r can serve a
// cluster or constraint at version v. The release lines must agree,
// and any further component stated by v must match r exactly.
func (v Version) CompatibleWith(r Version) bool {
	if v.Major != r.Major {
		return false
	}
	if v.Major < 10 {
		// Pre-10 the release line includes the second component.
		if v.Minor < 0 || r.Minor < 0 || v.Minor != r.Minor {
			return false
		}
		return v.Patch < 0 || v.Patch == r.Patch
	}
	if v.Minor >= 0 && r.Minor >= 0 && v.Minor != r.Minor {
		return false
	}
	return true
}
