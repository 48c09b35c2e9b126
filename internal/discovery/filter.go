package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// filterPresets maps a named preset to the command line fragment it excludes
var filterPresets = map[string]string{
	"vscode":  ".vscode-server",
	"nodemon": "nodemon",
	"pm2":     "pm2",
}

// Filter excludes processes that should never be reported
type Filter struct {
	fragments []string
	selfPID   int
	selfName  string
}

// NewFilter builds a filter from preset names and plain substrings.
// The running agent is always excluded.
func NewFilter(apps, fragments []string) *Filter {
	f := &Filter{selfPID: os.Getpid()}
	if exe, err := os.Executable(); err == nil {
		f.selfName = filepath.Base(exe)
	}

	for _, app := range apps {
		fragment, ok := filterPresets[strings.ToLower(app)]
		if !ok {
			slog.Warn("Unknown filter preset, ignoring", "preset", app)
			continue
		}
		f.fragments = append(f.fragments, fragment)
	}
	for _, s := range fragments {
		if s != "" {
			f.fragments = append(f.fragments, s)
		}
	}
	return f
}

// Excluded reports whether p should be dropped from discovery
func (f *Filter) Excluded(p Process) bool {
	if p.PID == f.selfPID {
		return true
	}
	if f.selfName != "" && strings.Contains(p.Cmdline, f.selfName) {
		return true
	}
	for _, fragment := range f.fragments {
		if strings.Contains(p.Cmdline, fragment) {
			return true
		}
	}
	return false
}
