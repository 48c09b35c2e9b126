package agent

import (
	"go.olrik.dev/inspectd/internal/model"
	"go.olrik.dev/inspectd/internal/tunnel"
)

// Merge overlays tunnel status onto a discovery result and returns a new set.
// Tunnel data wins for TunnelState; TunnelSocket is only set for connected
// tunnels so a failed or closed forward is never advertised.
func Merge(records *model.RecordSet, tunnels map[int]tunnel.Tunnel) *model.RecordSet {
	merged := records.Records()
	for pid, rec := range merged {
		t, ok := tunnels[pid]
		if !ok {
			rec.TunnelSocket = ""
			rec.TunnelState = ""
			merged[pid] = rec
			continue
		}
		rec.TunnelState = string(t.State)
		if t.State == tunnel.StateConnected {
			rec.TunnelSocket = t.Endpoint().String()
		} else {
			rec.TunnelSocket = ""
		}
		merged[pid] = rec
	}
	return model.NewRecordSet(records.Cycle(), records.CollectedAt(), merged)
}
