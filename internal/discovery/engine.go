// Package discovery finds Node.js and Deno processes, on the host and in
// containers, and matches them to their inspector sockets.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.olrik.dev/inspectd/internal/model"
)

// Options tune a discovery Engine
type Options struct {
	MatchThreshold   int
	ProbeConcurrency int
	Platform         string
	// ContainersAlways queries containers even when no docker process is visible
	ContainersAlways bool
}

// Engine produces one RecordSet per Discover call
type Engine struct {
	sockets    SocketTable
	processes  ProcessLister
	prober     Prober
	containers ContainerSource
	opts       Options

	filter  atomic.Pointer[Filter]
	current atomic.Pointer[model.RecordSet]
	cycle   atomic.Uint64
	now     func() time.Time
}

// NewEngine wires the discovery sources. containers may be nil.
func NewEngine(sockets SocketTable, processes ProcessLister, prober Prober, containers ContainerSource, filter *Filter, opts Options) *Engine {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = 8
	}
	if filter == nil {
		filter = NewFilter(nil, nil)
	}

	e := &Engine{
		sockets:    sockets,
		processes:  processes,
		prober:     prober,
		containers: containers,
		opts:       opts,
		now:        time.Now,
	}
	e.filter.Store(filter)
	e.current.Store(model.EmptyRecordSet())
	return e
}

// SetFilter replaces the process filter used from the next cycle on
func (e *Engine) SetFilter(f *Filter) {
	e.filter.Store(f)
}

// Latest returns the most recently published RecordSet
func (e *Engine) Latest() *model.RecordSet {
	return e.current.Load()
}

// Containers returns the configured container source, nil when disabled
func (e *Engine) Containers() ContainerSource {
	return e.containers
}

type candidate struct {
	proc    Process
	runtime model.Runtime
	sockets []ListeningSocket
}

// Discover runs one full cycle and publishes its RecordSet.
// Failing sources degrade to empty results, the cycle itself never fails.
func (e *Engine) Discover(ctx context.Context) *model.RecordSet {
	start := e.now()

	sockets, err := e.sockets.Listening(ctx)
	if err != nil {
		slog.Warn("Failed to read listening sockets", "error", err)
	}
	procs, err := e.processes.Processes(ctx)
	if err != nil {
		slog.Warn("Failed to list processes", "error", err)
	}

	byPID := ByPID(sockets)
	filter := e.filter.Load()

	var candidates []candidate
	dockerSeen := false
	for _, p := range procs {
		if isDockerProcess(p) {
			dockerSeen = true
		}
		rt, ok := classify(p, e.opts.MatchThreshold)
		if !ok || filter.Excluded(p) {
			continue
		}
		candidates = append(candidates, candidate{proc: p, runtime: rt, sockets: byPID[p.PID]})
	}

	hostRecords := make([]model.ProcessRecord, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ProbeConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			hostRecords[i] = e.hostRecord(gctx, c)
			return nil
		})
	}

	var containerRecords []model.ProcessRecord
	if e.containers != nil && (dockerSeen || e.opts.ContainersAlways) {
		containerRecords = e.discoverContainers(ctx, procs)
	}
	_ = g.Wait()

	records := make(map[int]model.ProcessRecord, len(hostRecords)+len(containerRecords))
	for _, r := range hostRecords {
		records[r.PID] = r
	}
	for _, r := range containerRecords {
		records[r.PID] = r
	}

	set := model.NewRecordSet(e.cycle.Add(1), e.now(), records)
	e.current.Store(set)

	sum := set.Summary()
	slog.Info("Discovery cycle complete",
		"cycle", set.Cycle(),
		"processes", sum.Total,
		"docker", sum.Docker,
		"node", sum.Node,
		"deno", sum.Deno,
		"inspect_flag", sum.InspectFlag,
		"duration", e.now().Sub(start).Round(time.Millisecond))
	return set
}

func (e *Engine) hostRecord(ctx context.Context, c candidate) model.ProcessRecord {
	r := model.ProcessRecord{
		PID:            c.proc.PID,
		Name:           c.proc.Name,
		Cmdline:        c.proc.Cmdline,
		Platform:       e.opts.Platform,
		Runtime:        c.runtime,
		InspectFlagSet: hasInspectFlag(c.proc.Cmdline),
	}

	for _, s := range c.sockets {
		addr := s.ProbeAddress()
		info, err := e.prober.Probe(ctx, addr)
		if err != nil {
			slog.Debug("Socket is not an inspector", "pid", r.PID, "addr", addr, "error", err)
			continue
		}
		r.InspectSocket = addr
		r.InspectPort = s.Port
		r.Debugger = info
		break
	}
	return r
}

// discoverContainers lists debug-exposing containers, probes their published
// port and correlates each with a host pid.
func (e *Engine) discoverContainers(ctx context.Context, procs []Process) []model.ProcessRecord {
	containers, err := e.containers.Containers(ctx)
	if err != nil {
		slog.Warn("Failed to list containers", "error", err)
		return nil
	}

	results := make([]model.ProcessRecord, len(containers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ProbeConcurrency)
	for i, c := range containers {
		g.Go(func() error {
			results[i] = e.containerRecord(gctx, c, procs)
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, r := range results {
		if r.PID > 0 {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) containerRecord(ctx context.Context, c Container, procs []Process) model.ProcessRecord {
	pid := proxyPID(procs, c.HostPort)
	if pid == 0 {
		hostPID, err := e.containers.HostPID(ctx, c.ID)
		if err != nil {
			slog.Warn("Failed to correlate container with host process", "container", c.Name, "error", err)
			return model.ProcessRecord{}
		}
		pid = hostPID
	}

	rt := model.RuntimeNode
	if classified, ok := classify(Process{Cmdline: c.Command}, 1); ok {
		rt = classified
	}

	r := model.ProcessRecord{
		PID:             pid,
		Name:            c.Name,
		Cmdline:         c.Command,
		Platform:        e.opts.Platform,
		Runtime:         rt,
		DockerContainer: true,
		ContainerID:     c.ID,
		ContainerName:   c.Name,
		InspectFlagSet:  c.InspectFlagSet(),
	}

	addr := ListeningSocket{Addr: "127.0.0.1", Port: c.HostPort}.ProbeAddress()
	info, err := e.prober.Probe(ctx, addr)
	if err != nil {
		slog.Debug("Container port is not an inspector", "container", c.Name, "addr", addr, "error", err)
		return r
	}
	r.InspectSocket = addr
	r.InspectPort = c.HostPort
	r.Debugger = info
	return r
}

// proxyPID finds the docker-proxy process publishing hostPort
func proxyPID(procs []Process, hostPort int) int {
	needle := fmt.Sprintf("-host-port %d", hostPort)
	for _, p := range procs {
		if strings.Contains(p.Cmdline+" ", needle+" ") {
			return p.PID
		}
	}
	return 0
}
