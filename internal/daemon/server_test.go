package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/tunnel"
)

func roundTrip(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	server, client := net.Pipe()
	defer client.Close()
	go d.handleConnection(server)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("Failed to send %q: %v", command, err)
	}
	raw, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Invalid response %q: %v", raw, err)
	}
	return resp
}

func TestHandleConnectionCommands(t *testing.T) {
	quietLogger(t)
	useTempConfig(t)

	tests := []struct {
		command   string
		wantError bool
		wantText  string
	}{
		{"VERSION", false, "OK"},
		{"STATUS", false, "OK"},
		{"BOGUS", true, "Unknown command: BOGUS"},
		{"INSPECT", true, "Usage: INSPECT <pid>"},
		{"INSPECT abc", true, `Invalid pid "abc"`},
		{"INSPECT -5", true, `Invalid pid "-5"`},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			d := New()
			defer d.cancelFunc()

			resp := roundTrip(t, d, tt.command)
			if resp.Failed() != tt.wantError {
				t.Errorf("Failed() = %v, want %v (%+v)", resp.Failed(), tt.wantError, resp.Messages)
			}
			if len(resp.Messages) == 0 || resp.Messages[0].Message != tt.wantText {
				t.Errorf("Messages = %+v, want %q", resp.Messages, tt.wantText)
			}
		})
	}
}

func TestVersionResponse(t *testing.T) {
	quietLogger(t)
	useTempConfig(t)

	d := New()
	defer d.cancelFunc()

	var data struct {
		Version string `json:"version"`
		Pid     int    `json:"pid"`
	}
	resp := roundTrip(t, d, "VERSION")
	if err := resp.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.Version != core.Version {
		t.Errorf("Version = %q, want %q", data.Version, core.Version)
	}
	if data.Pid != os.Getpid() {
		t.Errorf("Pid = %d, want %d", data.Pid, os.Getpid())
	}
}

func TestStopCommandShutsDown(t *testing.T) {
	quietLogger(t)
	useTempConfig(t)

	d := New()
	resp := roundTrip(t, d, "STOP")
	if len(resp.Messages) == 0 || resp.Messages[0].Message != "Stopping daemon..." {
		t.Errorf("Messages = %+v", resp.Messages)
	}

	select {
	case <-d.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("STOP did not shut the daemon down")
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	quietLogger(t)
	useTempConfig(t)

	path := core.GetSocketPath()
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	listener, err := listen(path)
	if err != nil {
		t.Fatalf("listen() error = %v", err)
	}
	listener.Close()
}

func TestListenDetectsRunningDaemon(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if _, err := listen(core.GetSocketPath()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("listen() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestTunnelStatus(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	base := tunnel.Tunnel{
		PID:         100,
		LocalSocket: "127.0.0.1:9229",
		RemoteHost:  "r1.example.com",
		RemotePort:  40010,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	connected := base
	connected.State = tunnel.StateConnected
	if got := tunnelStatus(connected); got.Remote != "r1.example.com:40010" || got.State != "connected" {
		t.Errorf("connected status = %+v", got)
	}

	failed := base
	failed.State = tunnel.StateError
	failed.LastError = "out of free ports"
	got := tunnelStatus(failed)
	if got.Remote != "" {
		t.Errorf("Error tunnel advertised remote %q", got.Remote)
	}
	if !strings.Contains(got.LastError, "free ports") || got.CreatedAt != "2026-03-04T05:06:07Z" {
		t.Errorf("error status = %+v", got)
	}
}
