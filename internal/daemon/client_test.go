package daemon

import (
	"os"
	"testing"

	"go.olrik.dev/inspectd/internal/core"
)

func serveOnce(t *testing.T, reply string) chan string {
	t.Helper()
	listener := setupSocketServer(t)
	got := make(chan string, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		got <- string(buf[:n])
		conn.Write([]byte(reply))
	}()
	return got
}

func TestSendCommandSuccess(t *testing.T) {
	quietLogger(t)

	got := serveOnce(t, `{"messages":[{"message":"OK","status":"INFO"}],"data":{"version":"v1.2.3"}}`)

	resp, err := SendCommand("VERSION")
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if cmd := <-got; cmd != "VERSION\n" {
		t.Errorf("Daemon received %q, want %q", cmd, "VERSION\n")
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Status != StatusInfo {
		t.Errorf("Unexpected messages %+v", resp.Messages)
	}

	var data struct {
		Version string `json:"version"`
	}
	if err := resp.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if data.Version != "v1.2.3" {
		t.Errorf("Version = %q", data.Version)
	}
}

func TestSendCommandInvalidJSON(t *testing.T) {
	quietLogger(t)

	serveOnce(t, "not json")

	if _, err := SendCommand("STATUS"); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestSendCommandNotRunning(t *testing.T) {
	quietLogger(t)
	useTempConfig(t)

	if _, err := SendCommand("STATUS"); err == nil {
		t.Fatal("Expected error with no daemon listening")
	}
	if IsRunning() {
		t.Error("IsRunning() = true with no daemon listening")
	}
}

func TestReadPID(t *testing.T) {
	useTempConfig(t)

	if _, err := ReadPID(); err == nil {
		t.Error("Expected error for missing pid file")
	}

	if err := os.WriteFile(core.GetPIDFilePath(), []byte("4242"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPID()
	if err != nil {
		t.Fatalf("ReadPID() error = %v", err)
	}
	if pid != 4242 {
		t.Errorf("ReadPID() = %d, want 4242", pid)
	}
}
