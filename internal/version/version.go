package version

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is set at build time with:
// -ldflags "-X github.com/izzyreal/edgeagent/internal/version.Version=vX.Y.Z"
var Version = "dev"

func Current() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		return "dev"
	}
	return v
}

// Outdated reports whether an agent version is older than the reference version.
// Non-semver values ("dev", empty) are never considered outdated.
func Outdated(agentVersion, reference string) bool {
	a := canonical(agentVersion)
	r := canonical(reference)
	if a == "" || r == "" {
		return false
	}
	return semver.Compare(a, r) < 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
