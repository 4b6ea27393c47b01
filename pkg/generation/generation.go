// Package generation names cache tiers and orders their versions.
//
// A tier name is `<role>-v<version>`, e.g. `static-v5` or `api-v3`.
// Versions compare numerically when both are integers and lexicographically otherwise.
package generation

import (
	"strconv"
	"strings"
)

type Role string

const (
	RoleStatic Role = "static"
	RoleAPI    Role = "api"
)

const versionSeparator = "-v"

// Generation identifies one version-tagged instance of a tier.
type Generation struct {
	Role    Role
	Version string
}

func New(role Role, version string) Generation {
	return Generation{Role: role, Version: version}
}

// Name returns the tier name of the generation.
func (g Generation) Name() string {
	return string(g.Role) + versionSeparator + g.Version
}

func (g Generation) String() string {
	return g.Name()
}

// Parse splits a tier name into role and version.
// It returns false for names not following the `<role>-v<version>` pattern.
func Parse(name string) (Generation, bool) {
	i := strings.LastIndex(name, versionSeparator)
	if i <= 0 || i+len(versionSeparator) == len(name) {
		return Generation{}, false
	}
	return Generation{
		Role:    Role(name[:i]),
		Version: name[i+len(versionSeparator):],
	}, true
}

// CompareVersions returns -1, 0 or 1 depending on whether a is older than, equal to or newer than b.
func CompareVersions(a, b string) int {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Reclaimable decides whether the named tier should be deleted when the given
// generations are current. It returns the reason for deletion, or "" to keep the tier.
//
// Tiers of a known role are kept when their version equals the current one and
// deleted otherwise. Any other tier is kept only if it is exactly a current tier.
func Reclaimable(name string, current ...Generation) string {
	for _, c := range current {
		if name == c.Name() {
			return ""
		}
	}
	if g, ok := Parse(name); ok {
		for _, c := range current {
			if g.Role != c.Role {
				continue
			}
			switch CompareVersions(g.Version, c.Version) {
			case -1:
				return "superseded"
			case 0:
				return ""
			default:
				return "newer than current"
			}
		}
	}
	return "unknown"
}
