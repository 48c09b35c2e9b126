package daemon

import (
	"os"
	"slices"
	"time"

	"go.olrik.dev/inspectd/internal/agent"
	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/model"
	"go.olrik.dev/inspectd/internal/tunnel"
)

// DaemonStatus is the STATUS payload
type DaemonStatus struct {
	Version     string          `json:"version"`
	Pid         int             `json:"pid"`
	StartedAt   string          `json:"started_at"`
	Host        agent.HostInfo  `json:"host"`
	Connected   bool            `json:"control_connected"`
	Relays      int             `json:"relays"`
	Cycle       uint64          `json:"cycle"`
	CollectedAt string          `json:"collected_at,omitempty"`
	Summary     model.Summary   `json:"summary"`
	Processes   []ProcessStatus `json:"processes"`
	Tunnels     []TunnelStatus  `json:"tunnels"`
}

// ProcessStatus is a merged record plus its remote debugger URL
type ProcessStatus struct {
	model.ProcessRecord
	DebuggerURL string `json:"debuggerUrl,omitempty"`
}

// TunnelStatus is one orchestrator registry entry
type TunnelStatus struct {
	Pid        int    `json:"pid"`
	Local      string `json:"local"`
	Remote     string `json:"remote,omitempty"`
	RelayID    string `json:"relay_id,omitempty"`
	SessionPid int    `json:"session_pid,omitempty"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func (d *Daemon) status() DaemonStatus {
	status := DaemonStatus{
		Version:   core.Version,
		Pid:       os.Getpid(),
		StartedAt: d.startedAt.Format(time.RFC3339),
		Processes: []ProcessStatus{},
		Tunnels:   []TunnelStatus{},
	}
	if d.coordinator == nil {
		return status
	}

	snap := d.coordinator.Snapshot()
	urls := d.coordinator.DebuggerURLs()
	status.Host = snap.HostInfo
	status.Cycle = snap.Cycle
	status.Summary = snap.Summary
	if latest := d.engine.Latest(); !latest.CollectedAt().IsZero() {
		status.CollectedAt = latest.CollectedAt().Format(time.RFC3339)
	}
	if d.control != nil {
		status.Connected = d.control.Connected()
	}

	for _, rec := range snap.Processes {
		status.Processes = append(status.Processes, ProcessStatus{ProcessRecord: rec, DebuggerURL: urls[rec.PID]})
	}
	slices.SortFunc(status.Processes, func(a, b ProcessStatus) int { return a.PID - b.PID })

	tunnels := d.orchestrator.Snapshot()
	status.Relays = d.orchestrator.Directory().Len()
	for _, t := range tunnels {
		status.Tunnels = append(status.Tunnels, tunnelStatus(t))
	}
	slices.SortFunc(status.Tunnels, func(a, b TunnelStatus) int { return a.Pid - b.Pid })
	return status
}

func tunnelStatus(t tunnel.Tunnel) TunnelStatus {
	ts := TunnelStatus{
		Pid:        t.PID,
		Local:      t.LocalSocket,
		RelayID:    t.RelayID,
		SessionPid: t.SessionPID,
		State:      string(t.State),
		RetryCount: t.RetryCount,
		LastError:  t.LastError,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  t.UpdatedAt.Format(time.RFC3339),
	}
	if t.State == tunnel.StateConnected {
		ts.Remote = t.Endpoint().String()
	}
	return ts
}
