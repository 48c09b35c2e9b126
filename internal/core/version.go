package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var Version string

func init() {
	Version = resolveVersion()
}

func resolveVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	// Tagged module versions win, local pseudo-versions fall through to VCS data
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	v := "devel-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" prefix of tagged releases.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies the agent to the control plane
func UserAgent() string {
	return fmt.Sprintf("inspectd/%s (%s; %s)", FormatVersion(Version), runtime.GOOS, runtime.GOARCH)
}

// isPseudoVersion reports whether v ends in a 12 character commit hash,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
