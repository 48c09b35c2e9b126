package discovery

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is the subset of OS process attributes discovery looks at
type Process struct {
	PID     int
	PPID    int
	Name    string
	Cmdline string
	Exe     string
}

// ProcessLister enumerates OS processes
type ProcessLister interface {
	Processes(ctx context.Context) ([]Process, error)
}

// GopsutilProcesses lists processes through gopsutil.
// Processes that disappear mid-listing are skipped.
type GopsutilProcesses struct{}

func (GopsutilProcesses) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)

		out = append(out, Process{
			PID:     int(p.Pid),
			PPID:    int(ppid),
			Name:    name,
			Cmdline: cmdline,
			Exe:     exe,
		})
	}
	return out, nil
}
