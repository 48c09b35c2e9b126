// Package agent schedules discovery and tunnel reconciliation, publishes the
// merged snapshot to the control plane and executes inbound commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"go.olrik.dev/inspectd/internal/control"
	"go.olrik.dev/inspectd/internal/discovery"
	"go.olrik.dev/inspectd/internal/model"
	"go.olrik.dev/inspectd/internal/tunnel"
)

var (
	ErrUnknownPID        = errors.New("pid not found in latest discovery cycle")
	ErrSignalUnsupported = errors.New("opening the inspector by signal is not supported on this platform")
)

// Discoverer produces record sets
type Discoverer interface {
	Discover(ctx context.Context) *model.RecordSet
	Latest() *model.RecordSet
	Containers() discovery.ContainerSource
}

// Tunnels is the part of the tunnel orchestrator the coordinator drives
type Tunnels interface {
	Request(ctx context.Context, pid, inspectPort int) (tunnel.Endpoint, error)
	Snapshot() map[int]tunnel.Tunnel
	Sweep() int
	Directory() *tunnel.Directory
}

// Publisher sends messages to the control plane
type Publisher interface {
	Publish(ctx context.Context, msgType string, v any) error
}

// CycleLogger records discovery cycle summaries
type CycleLogger interface {
	LogDiscoveryCycle(cycle uint64, sum model.Summary, duration time.Duration) error
}

// Options set the coordinator schedule
type Options struct {
	DiscoveryInterval time.Duration
	TunnelInterval    time.Duration
	SweepInterval     time.Duration
	ProxyHost         string
}

// Snapshot is the metadata message sent to the control plane
type Snapshot struct {
	HostInfo
	Cycle     uint64                      `json:"cycle"`
	Summary   model.Summary               `json:"summary"`
	Processes map[int]model.ProcessRecord `json:"processes"`
}

// Coordinator ties discovery, tunnels and the control channel together
type Coordinator struct {
	discovery Discoverer
	tunnels   Tunnels
	publisher Publisher
	cycles    CycleLogger
	host      HostInfo
	opts      Options
	guard     CycleGuard

	mu           sync.Mutex
	connectionID string
	printed      map[int]string
	pending      map[int]bool

	requests sync.WaitGroup

	goos   string
	signal func(pid int) error
	now    func() time.Time
}

func NewCoordinator(d Discoverer, t Tunnels, host HostInfo, opts Options) *Coordinator {
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 5 * time.Second
	}
	if opts.TunnelInterval <= 0 {
		opts.TunnelInterval = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	return &Coordinator{
		discovery: d,
		tunnels:   t,
		host:      host,
		opts:      opts,
		printed:   make(map[int]string),
		pending:   make(map[int]bool),
		goos:      runtime.GOOS,
		signal:    signalInspector,
		now:       time.Now,
	}
}

// SetPublisher attaches the control channel
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

// SetCycleLogger attaches a history sink
func (c *Coordinator) SetCycleLogger(l CycleLogger) {
	c.cycles = l
}

func (c *Coordinator) Host() HostInfo {
	return c.host
}

// Guard exposes the discovery cycle guard
func (c *Coordinator) Guard() *CycleGuard {
	return &c.guard
}

// Run schedules the periodic jobs and blocks until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	sched := cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	))

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"discovery", c.opts.DiscoveryInterval, func(ctx context.Context) {
			c.RunDiscovery(ctx)
			c.Publish(ctx)
		}},
		{"reconcile", c.opts.TunnelInterval, c.Reconcile},
		{"sweep", c.opts.SweepInterval, func(context.Context) { c.tunnels.Sweep() }},
	}
	for _, job := range jobs {
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := sched.AddFunc(spec, func() { job.fn(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	// First cycle right away, cron's first tick is one interval out
	c.RunDiscovery(ctx)
	c.Publish(ctx)

	sched.Start()
	slog.Info("Coordinator started",
		"discovery_interval", c.opts.DiscoveryInterval,
		"tunnel_interval", c.opts.TunnelInterval,
		"sweep_interval", c.opts.SweepInterval)

	<-ctx.Done()
	<-sched.Stop().Done()
	c.requests.Wait()
	slog.Info("Coordinator stopped")
	return nil
}

// RunDiscovery runs one discovery cycle unless one is already in flight
func (c *Coordinator) RunDiscovery(ctx context.Context) *model.RecordSet {
	if !c.guard.Begin() {
		slog.Debug("Discovery cycle already in flight, skipping")
		return c.discovery.Latest()
	}
	defer c.guard.End()

	start := c.now()
	set := c.discovery.Discover(ctx)
	if c.cycles != nil {
		if err := c.cycles.LogDiscoveryCycle(set.Cycle(), set.Summary(), c.now().Sub(start)); err != nil {
			slog.Debug("Failed to record discovery cycle", "error", err)
		}
	}
	return set
}

// Reconcile starts a tunnel request for every process with a confirmed
// inspector socket that has no working forward on that socket. Each request
// runs on its own, so a pid stuck in negotiation never holds back the others.
// It is skipped while discovery runs or before any relay is known.
func (c *Coordinator) Reconcile(ctx context.Context) {
	if c.guard.Active() {
		slog.Debug("Discovery in flight, skipping tunnel reconciliation")
		return
	}
	if c.tunnels.Directory().Len() == 0 {
		slog.Debug("No relays known yet, skipping tunnel reconciliation")
		return
	}

	set := c.discovery.Latest()
	tunnels := c.tunnels.Snapshot()
	for _, pid := range set.PIDs() {
		rec, _ := set.Get(pid)
		if !rec.HasDebugSocket() {
			continue
		}
		if t, ok := tunnels[pid]; ok && t.State == tunnel.StateConnected && t.LocalPort == rec.InspectPort {
			continue
		}
		if !c.beginRequest(pid) {
			continue
		}

		c.requests.Add(1)
		go func() {
			defer c.requests.Done()
			defer c.endRequest(pid)
			c.request(ctx, pid, rec.InspectPort)
		}()
	}
}

// request negotiates one tunnel and publishes once it settles
func (c *Coordinator) request(ctx context.Context, pid, inspectPort int) {
	ep, err := c.tunnels.Request(ctx, pid, inspectPort)
	switch {
	case err == nil:
		slog.Debug("Tunnel ready", "pid", pid, "endpoint", ep.String())
	case errors.Is(err, tunnel.ErrConnecting), errors.Is(err, tunnel.ErrRetrying):
		return
	case errors.Is(err, tunnel.ErrClosed), errors.Is(err, context.Canceled):
		return
	default:
		slog.Warn(fmt.Sprintf("Tunnel for pid %d failed", pid), "error", err)
	}
	c.Publish(ctx)
}

func (c *Coordinator) beginRequest(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[pid] {
		return false
	}
	c.pending[pid] = true
	return true
}

func (c *Coordinator) endRequest(pid int) {
	c.mu.Lock()
	delete(c.pending, pid)
	c.mu.Unlock()
}

// Snapshot merges the latest records with tunnel status
func (c *Coordinator) Snapshot() Snapshot {
	set := Merge(c.discovery.Latest(), c.tunnels.Snapshot())
	return Snapshot{
		HostInfo:  c.host,
		Cycle:     set.Cycle(),
		Summary:   set.Summary(),
		Processes: set.Records(),
	}
}

// Publish sends the merged snapshot and reports new remote debugger URLs
func (c *Coordinator) Publish(ctx context.Context) {
	snap := c.Snapshot()
	c.reportDebuggerURLs(snap.Processes)

	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, control.TypeMetadata, snap); err != nil {
		if errors.Is(err, control.ErrNotConnected) {
			slog.Debug("Control channel down, snapshot not sent")
			return
		}
		slog.Warn("Failed to publish snapshot", "error", err)
	}
}

func (c *Coordinator) reportDebuggerURLs(records map[int]model.ProcessRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pid := range c.printed {
		if _, ok := records[pid]; !ok {
			delete(c.printed, pid)
		}
	}
	for pid, rec := range records {
		url, ok := RemoteDebuggerURL(c.opts.ProxyHost, c.connectionID, rec)
		if !ok || c.printed[pid] == url {
			continue
		}
		c.printed[pid] = url
		slog.Info(fmt.Sprintf("Remote debugger for pid %d: %s", pid, url), "pid", pid, "runtime", rec.Runtime)
	}
}

// DebuggerURLs returns the remote debugger URL of every tunneled process
func (c *Coordinator) DebuggerURLs() map[int]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]string, len(c.printed))
	for pid, url := range c.printed {
		out[pid] = url
	}
	return out
}

// Inspect opens the inspector of pid. It waits for an in-flight discovery
// cycle so it acts on that cycle's result.
func (c *Coordinator) Inspect(ctx context.Context, pid int) error {
	if err := c.guard.Wait(ctx); err != nil {
		return err
	}

	rec, ok := c.discovery.Latest().Get(pid)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPID, pid)
	}

	if rec.DockerContainer && rec.ContainerID != "" {
		containers := c.discovery.Containers()
		if containers == nil {
			return fmt.Errorf("container inspection disabled: %w", ErrSignalUnsupported)
		}
		slog.Info(fmt.Sprintf("Opening inspector in container %s", rec.ContainerName), "pid", pid, "container", rec.ContainerID)
		return containers.Signal(ctx, rec.ContainerID)
	}

	if c.goos == "windows" {
		return ErrSignalUnsupported
	}
	slog.Info(fmt.Sprintf("Opening inspector for pid %d", pid))
	return c.signal(pid)
}

// HandleInspect executes an inspect command addressed to this host
func (c *Coordinator) HandleInspect(ctx context.Context, cmd control.InspectCommand) {
	if cmd.UUID != c.host.UUID {
		slog.Debug("Ignoring inspect command for another host", "uuid", cmd.UUID)
		return
	}
	if err := c.Inspect(ctx, cmd.PID); err != nil {
		slog.Warn(fmt.Sprintf("Failed to open inspector for pid %d", cmd.PID), "error", err)
	}
}

// HandleRelayMap caches the relays announced by the control plane
func (c *Coordinator) HandleRelayMap(relays []tunnel.RelayInfo) {
	c.tunnels.Directory().Replace(relays)
	slog.Debug("Relay map updated", "relays", len(relays))
}

// HandleConnection stores the connection id used in remote debugger URLs
func (c *Coordinator) HandleConnection(info control.ConnectionInfo) {
	c.mu.Lock()
	c.connectionID = info.ID
	clear(c.printed)
	c.mu.Unlock()
	slog.Debug("Control plane connection id assigned", "id", info.ID)
}

// Wake runs discovery and reconciliation immediately, used after resume
func (c *Coordinator) Wake(ctx context.Context) {
	c.RunDiscovery(ctx)
	c.Reconcile(ctx)
}

// cronLogger routes cron's own logging into slog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}
