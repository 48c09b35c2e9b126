package agent

import (
	"testing"
	"time"

	"go.olrik.dev/inspectd/internal/model"
	"go.olrik.dev/inspectd/internal/tunnel"
)

func TestMerge(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := model.NewRecordSet(7, at, map[int]model.ProcessRecord{
		100: {PID: 100, Runtime: model.RuntimeNode, InspectPort: 9229, InspectSocket: "127.0.0.1:9229"},
		200: {PID: 200, Runtime: model.RuntimeNode, InspectPort: 9230, InspectSocket: "127.0.0.1:9230"},
		300: {PID: 300, Runtime: model.RuntimeDeno, InspectPort: 9231, InspectSocket: "127.0.0.1:9231"},
		400: {PID: 400, Runtime: model.RuntimeNode, TunnelSocket: "stale:1", TunnelState: "connected"},
	})
	tunnels := map[int]tunnel.Tunnel{
		100: {PID: 100, State: tunnel.StateConnected, RemoteHost: "r1.example.com", RemotePort: 40010},
		200: {PID: 200, State: tunnel.StateError, RemoteHost: "r1.example.com", RemotePort: 40011},
		300: {PID: 300, State: tunnel.StateRetrying},
		999: {PID: 999, State: tunnel.StateConnected, RemoteHost: "r1.example.com", RemotePort: 40012},
	}

	merged := Merge(records, tunnels)

	if merged.Cycle() != 7 || !merged.CollectedAt().Equal(at) {
		t.Errorf("Merge changed cycle metadata: %d %v", merged.Cycle(), merged.CollectedAt())
	}
	if merged.Len() != 4 {
		t.Errorf("Len() = %d, want 4 (tunnels without records are not added)", merged.Len())
	}

	tests := []struct {
		pid        int
		wantSocket string
		wantState  string
	}{
		{100, "r1.example.com:40010", "connected"},
		{200, "", "error"},
		{300, "", "retrying"},
		{400, "", ""},
	}
	for _, tt := range tests {
		rec, _ := merged.Get(tt.pid)
		if rec.TunnelSocket != tt.wantSocket {
			t.Errorf("pid %d TunnelSocket = %q, want %q", tt.pid, rec.TunnelSocket, tt.wantSocket)
		}
		if rec.TunnelState != tt.wantState {
			t.Errorf("pid %d TunnelState = %q, want %q", tt.pid, rec.TunnelState, tt.wantState)
		}
	}

	orig, _ := records.Get(100)
	if orig.TunnelSocket != "" {
		t.Error("Merge modified the input record set")
	}
}
