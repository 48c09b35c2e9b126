// Package model holds the per-cycle process records shared by discovery,
// the tunnel orchestrator and the coordinator.
package model

import (
	"maps"
	"slices"
	"time"
)

// Runtime identifies the V8 based runtime a process runs on
type Runtime string

const (
	RuntimeNode Runtime = "node"
	RuntimeDeno Runtime = "deno"
)

// DebuggerInfo is the first target reported by an inspector's /json endpoint
type DebuggerInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ProcessRecord describes one process of interest for a single discovery cycle
type ProcessRecord struct {
	PID      int     `json:"pid"`
	Name     string  `json:"name"`
	Cmdline  string  `json:"cmd"`
	Platform string  `json:"platform"`
	Runtime  Runtime `json:"runtime"`

	DockerContainer bool   `json:"dockerContainer"`
	ContainerID     string `json:"containerId,omitempty"`
	ContainerName   string `json:"containerName,omitempty"`

	InspectFlagSet bool   `json:"nodeInspectFlagSet"`
	InspectSocket  string `json:"nodeInspectSocket,omitempty"`
	InspectPort    int    `json:"inspectPort,omitempty"`

	TunnelSocket string `json:"tunnelSocket,omitempty"`
	TunnelState  string `json:"tunnelState,omitempty"`

	Debugger *DebuggerInfo `json:"debugger,omitempty"`
}

// HasDebugSocket reports whether a probe confirmed an inspector for the process
func (r ProcessRecord) HasDebugSocket() bool {
	return r.InspectPort > 0
}

// clone returns a copy that shares no pointers with r
func (r ProcessRecord) clone() ProcessRecord {
	if r.Debugger != nil {
		d := *r.Debugger
		r.Debugger = &d
	}
	return r
}

// Summary counts the records of one cycle
type Summary struct {
	Total       int `json:"total"`
	Docker      int `json:"docker"`
	Node        int `json:"node"`
	Deno        int `json:"deno"`
	InspectFlag int `json:"inspectFlag"`
}

// RecordSet is the immutable result of one discovery cycle.
// Every accessor returns copies; a RecordSet is never modified after NewRecordSet.
type RecordSet struct {
	cycle       uint64
	collectedAt time.Time
	records     map[int]ProcessRecord
}

// NewRecordSet copies records into a new set
func NewRecordSet(cycle uint64, collectedAt time.Time, records map[int]ProcessRecord) *RecordSet {
	own := make(map[int]ProcessRecord, len(records))
	for pid, r := range records {
		own[pid] = r.clone()
	}
	return &RecordSet{cycle: cycle, collectedAt: collectedAt, records: own}
}

// EmptyRecordSet is the set published before the first cycle completes
func EmptyRecordSet() *RecordSet {
	return NewRecordSet(0, time.Time{}, nil)
}

func (s *RecordSet) Cycle() uint64          { return s.cycle }
func (s *RecordSet) CollectedAt() time.Time { return s.collectedAt }
func (s *RecordSet) Len() int               { return len(s.records) }

// Get returns a copy of the record for pid
func (s *RecordSet) Get(pid int) (ProcessRecord, bool) {
	r, ok := s.records[pid]
	if !ok {
		return ProcessRecord{}, false
	}
	return r.clone(), true
}

// PIDs returns the pids in ascending order
func (s *RecordSet) PIDs() []int {
	return slices.Sorted(maps.Keys(s.records))
}

// Records returns a copy of the underlying map
func (s *RecordSet) Records() map[int]ProcessRecord {
	out := make(map[int]ProcessRecord, len(s.records))
	for pid, r := range s.records {
		out[pid] = r.clone()
	}
	return out
}

// Summary counts records by kind
func (s *RecordSet) Summary() Summary {
	var sum Summary
	for _, r := range s.records {
		sum.Total++
		if r.DockerContainer {
			sum.Docker++
		}
		switch r.Runtime {
		case RuntimeNode:
			sum.Node++
		case RuntimeDeno:
			sum.Deno++
		}
		if r.InspectFlagSet {
			sum.InspectFlag++
		}
	}
	return sum
}
