//go:build !windows

package agent

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// signalInspector asks a node or deno process to open its inspector
func signalInspector(pid int) error {
	if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}
