package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/inspectd/internal/discovery"
)

// isOrphanForward reports whether cmdline is a relay forward started by an
// earlier daemon for the same account
func isOrphanForward(p discovery.Process, destination string) bool {
	if p.PID == os.Getpid() {
		return false
	}
	name := strings.TrimSuffix(strings.ToLower(p.Name), ".exe")
	if name != "ssh" {
		return false
	}
	fields := strings.Fields(p.Cmdline)
	hasForward, hasDest, hasExitOpt := false, false, false
	for i, f := range fields {
		switch {
		case f == "-R" && i+1 < len(fields) && strings.Contains(fields[i+1], ":localhost:"):
			hasForward = true
		case f == destination:
			hasDest = true
		case f == "ExitOnForwardFailure=yes":
			hasExitOpt = true
		}
	}
	return hasForward && hasDest && hasExitOpt
}

// cleanOrphanForwards terminates forwards left behind by a daemon that died
// without shutting down. They hold relay ports nobody tracks any more.
func (d *Daemon) cleanOrphanForwards(ctx context.Context, lister discovery.ProcessLister, destination string) int {
	procs, err := lister.Processes(ctx)
	if err != nil {
		slog.Warn("Failed to search for orphan forwards", "error", err)
		return 0
	}

	killed := 0
	for _, p := range procs {
		if !isOrphanForward(p, destination) {
			continue
		}
		slog.Warn("Found orphan relay forward, terminating", "pid", p.PID)
		if err := terminatePID(p.PID, 2*time.Second); err != nil {
			slog.Error("Failed to terminate orphan forward", "pid", p.PID, "error", err)
			continue
		}
		killed++
		if d.database != nil {
			if err := d.database.LogDaemonEvent("orphan_killed", fmt.Sprintf("Terminated orphan forward with PID %d", p.PID)); err != nil {
				slog.Debug("Failed to log orphan kill event", "error", err)
			}
		}
	}
	return killed
}

// terminatePID sends SIGTERM and kills the process if it outlives timeout
func terminatePID(pid int, timeout time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return process.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Debug("Process did not exit after SIGTERM, killing", "pid", pid)
	return process.Kill()
}
