package plugin

import (
	"strings"

	"golang.org/x/mod/semver"
)

// ValidVersion reports whether v is a semantic version, with or without a leading "v".
func ValidVersion(v string) bool {
	if v == "" {
		return false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}

// CompareVersions orders two versions accepted by ValidVersion.
func CompareVersions(a, b string) int {
	if !strings.HasPrefix(a, "v") {
		a = "v" + a
	}
	if !strings.HasPrefix(b, "v") {
		b = "v" + b
	}
	return semver.Compare(a, b)
}
