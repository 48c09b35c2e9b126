package discovery

import (
	"regexp"
	"strings"

	"go.olrik.dev/inspectd/internal/model"
)

var runtimePatterns = []struct {
	runtime model.Runtime
	pattern *regexp.Regexp
}{
	{model.RuntimeNode, regexp.MustCompile(`(?i)(^|[\s/\\"])node(\.exe)?(\s|"|$)`)},
	{model.RuntimeDeno, regexp.MustCompile(`(?i)(^|[\s/\\"])deno(\.exe)?(\s|"|$)`)},
}

// inspectFlag matches --inspect, --inspect-brk and --inspect=host:port but not --inspect-port
var inspectFlag = regexp.MustCompile(`--inspect(-brk)?(=|\s|$)`)

// classify returns the runtime of p when at least threshold of its attributes
// name the runtime's executable.
func classify(p Process, threshold int) (model.Runtime, bool) {
	attrs := []string{p.Name, p.Cmdline, p.Exe}
	threshold = min(max(threshold, 1), len(attrs))

	for _, rp := range runtimePatterns {
		matches := 0
		for _, attr := range attrs {
			if attr != "" && rp.pattern.MatchString(attr) {
				matches++
			}
		}
		if matches >= threshold {
			return rp.runtime, true
		}
	}
	return "", false
}

// hasInspectFlag reports whether a command line enables the inspector at startup
func hasInspectFlag(cmdline string) bool {
	return inspectFlag.MatchString(cmdline)
}

// isDockerProcess reports whether p looks like part of a docker installation
func isDockerProcess(p Process) bool {
	name := strings.ToLower(p.Name)
	return strings.HasPrefix(name, "docker") || strings.Contains(name, "containerd")
}
