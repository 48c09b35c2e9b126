package daemon

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"go.olrik.dev/inspectd/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// shortTempDir avoids the socket path length limit on macOS
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "insp-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// useTempConfig points core.Config at a fresh directory
func useTempConfig(t *testing.T) {
	t.Helper()
	oldConfig := core.Config
	t.Cleanup(func() { core.Config = oldConfig })
	core.Config = core.GetDefaultConfig()
	core.Config.ConfigPath = shortTempDir(t)
}

// setupSocketServer listens on the daemon socket path
func setupSocketServer(t *testing.T) net.Listener {
	t.Helper()
	useTempConfig(t)

	listener, err := net.Listen("unix", core.GetSocketPath())
	if err != nil {
		t.Fatalf("failed to create Unix listener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return listener
}
