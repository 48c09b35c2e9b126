package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"
)

var errSuperseded = errors.New("tunnel entry was replaced during negotiation")

// Endpoint is the public side of a forward on the relay
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Tunnel is one registry entry
type Tunnel struct {
	PID         int
	LocalSocket string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
	RelayID     string
	SessionPID  int
	State       State
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	session Session
}

// Endpoint returns the relay side of the tunnel
func (t Tunnel) Endpoint() Endpoint {
	return Endpoint{Host: t.RemoteHost, Port: t.RemotePort}
}

// EventLogger records tunnel lifecycle events
type EventLogger interface {
	LogTunnelEvent(pid int, eventType, details string) error
}

// Options tune retry behaviour
type Options struct {
	MaxAttempts      int
	RetryDelay       time.Duration // Multiplied by the attempt number
	TerminateTimeout time.Duration
}

// Orchestrator owns the pid keyed tunnel registry
type Orchestrator struct {
	relay     Relay
	directory *Directory
	opts      Options
	events    EventLogger

	mu      sync.Mutex
	tunnels map[int]*Tunnel
	closed  bool
	done    chan struct{}

	randIntN func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewOrchestrator(relay Relay, directory *Directory, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		relay:     relay,
		directory: directory,
		opts:      opts,
		tunnels:   make(map[int]*Tunnel),
		done:      make(chan struct{}),
		randIntN:  rand.IntN,
		now:       time.Now,
	}
	o.sleep = o.sleepOrClose
	return o
}

// SetEventLogger attaches a history sink
func (o *Orchestrator) SetEventLogger(l EventLogger) {
	o.events = l
}

// Directory returns the relay directory used to resolve relay ids
func (o *Orchestrator) Directory() *Directory {
	return o.directory
}

func localSocket(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Request returns the relay endpoint for pid's inspector on inspectPort,
// negotiating a new forward when none exists.
func (o *Orchestrator) Request(ctx context.Context, pid, inspectPort int) (Endpoint, error) {
	socket := localSocket(inspectPort)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Endpoint{}, ErrClosed
	}

	if t := o.reassign(pid, socket); t != nil {
		state, ep := t.State, t.Endpoint()
		o.mu.Unlock()
		return stateResult(state, ep)
	}

	var stale Session
	t, exists := o.tunnels[pid]
	if exists && t.LocalSocket != socket && t.State != StateConnecting && t.State != StateRetrying {
		// Inspector moved to another port, the old entry points nowhere
		if t.State == StateConnected {
			stale = t.session
		}
		exists = false
	}

	if exists {
		switch t.State {
		case StateConnected:
			ep := t.Endpoint()
			o.mu.Unlock()
			return ep, nil
		case StateConnecting:
			o.mu.Unlock()
			return Endpoint{}, ErrConnecting
		case StateRetrying:
			o.mu.Unlock()
			return Endpoint{}, ErrRetrying
		case StateError:
			t.State = StateConnecting
			t.RetryCount = 0
			t.LastError = ""
			t.UpdatedAt = o.now()
		default:
			exists = false
		}
	}
	if !exists {
		now := o.now()
		t = &Tunnel{
			PID:         pid,
			LocalSocket: socket,
			LocalPort:   inspectPort,
			State:       StateConnecting,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		o.tunnels[pid] = t
	}
	o.mu.Unlock()

	if stale != nil {
		go o.terminate(stale)
	}

	ep, err := o.negotiate(ctx, t)
	if errors.Is(err, errSuperseded) {
		return o.current(pid)
	}
	return ep, err
}

// current reports the state of whatever entry now holds pid
func (o *Orchestrator) current(pid int) (Endpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Endpoint{}, ErrClosed
	}
	t, ok := o.tunnels[pid]
	if !ok {
		return Endpoint{}, errSuperseded
	}
	return stateResult(t.State, t.Endpoint())
}

// superseded reports whether t is no longer the registry entry for its pid.
// Caller holds o.mu.
func (o *Orchestrator) superseded(t *Tunnel) error {
	if o.closed {
		return ErrClosed
	}
	if o.tunnels[t.PID] != t {
		return errSuperseded
	}
	return nil
}

// reassign moves an active tunnel for socket held by another pid over to pid.
// Caller holds o.mu.
func (o *Orchestrator) reassign(pid int, socket string) *Tunnel {
	for oldPID, t := range o.tunnels {
		if oldPID == pid || t.LocalSocket != socket || t.State == StateClosed {
			continue
		}

		if prev, ok := o.tunnels[pid]; ok && prev.State == StateConnected && prev.session != nil {
			go o.terminate(prev.session)
		}

		delete(o.tunnels, oldPID)
		t.PID = pid
		t.UpdatedAt = o.now()
		o.tunnels[pid] = t

		slog.Info(fmt.Sprintf("Tunnel for %s reassigned from pid %d to pid %d", socket, oldPID, pid))
		o.event(pid, "reassigned", fmt.Sprintf("from pid %d", oldPID))
		return t
	}
	return nil
}

func stateResult(state State, ep Endpoint) (Endpoint, error) {
	switch state {
	case StateConnected:
		return ep, nil
	case StateConnecting:
		return Endpoint{}, ErrConnecting
	case StateRetrying:
		return Endpoint{}, ErrRetrying
	default:
		return Endpoint{}, ErrRetriesExhausted
	}
}

// negotiate runs up to MaxAttempts attempts, sleeping attempt × RetryDelay
// between them.
func (o *Orchestrator) negotiate(ctx context.Context, t *Tunnel) (Endpoint, error) {
	for attempt := 1; ; attempt++ {
		ep, err := o.attempt(ctx, t)
		if err == nil {
			return ep, nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, errSuperseded) {
			return Endpoint{}, err
		}

		o.mu.Lock()
		if gone := o.superseded(t); gone != nil {
			o.mu.Unlock()
			return Endpoint{}, gone
		}
		pid := t.PID
		t.RetryCount = attempt
		t.LastError = err.Error()
		if attempt >= o.opts.MaxAttempts {
			o.transition(t, StateError)
			o.mu.Unlock()

			slog.Error(fmt.Sprintf("Tunnel for pid %d failed after %d attempts", pid, attempt), "error", err)
			o.event(pid, "error", err.Error())
			return Endpoint{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		o.transition(t, StateRetrying)
		o.mu.Unlock()

		delay := time.Duration(attempt) * o.opts.RetryDelay
		slog.Warn(fmt.Sprintf("Tunnel for pid %d failed, retrying in %v", pid, delay), "attempt", attempt, "error", err)
		o.event(pid, "retry", fmt.Sprintf("attempt %d: %v", attempt, err))

		if err := o.sleep(ctx, delay); err != nil {
			o.mu.Lock()
			o.transition(t, StateError)
			o.mu.Unlock()
			return Endpoint{}, err
		}

		o.mu.Lock()
		if gone := o.superseded(t); gone != nil {
			o.mu.Unlock()
			return Endpoint{}, gone
		}
		o.transition(t, StateConnecting)
		o.mu.Unlock()
	}
}

// attempt performs one probe + forward round
func (o *Orchestrator) attempt(ctx context.Context, t *Tunnel) (Endpoint, error) {
	ports, err := o.relay.FreePorts(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	if len(ports) == 0 {
		return Endpoint{}, ErrNoFreePorts
	}
	port := ports[o.randIntN(len(ports))]

	session, err := o.relay.Forward(ctx, port, t.LocalPort)
	if err != nil {
		return Endpoint{}, err
	}

	relay, ok := o.directory.Lookup(session.RelayID())
	if !ok {
		go o.terminate(session)
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownRelay, session.RelayID())
	}

	o.mu.Lock()
	if gone := o.superseded(t); gone != nil {
		o.mu.Unlock()
		go o.terminate(session)
		return Endpoint{}, gone
	}
	t.session = session
	t.SessionPID = session.Pid()
	t.RelayID = relay.UUID
	t.RemoteHost = relay.PublicHost()
	t.RemotePort = port
	t.LastError = ""
	o.transition(t, StateConnected)
	pid, ep := t.PID, t.Endpoint()
	o.mu.Unlock()

	slog.Info(fmt.Sprintf("Tunnel for pid %d connected: %s -> %s", pid, t.LocalSocket, ep))
	o.event(pid, "connect", ep.String())

	go o.watch(t, session)
	return ep, nil
}

// watch closes the entry when its forward process exits
func (o *Orchestrator) watch(t *Tunnel, session Session) {
	<-session.Done()

	o.mu.Lock()
	if t.session != session || t.State == StateClosed {
		o.mu.Unlock()
		return
	}
	o.transition(t, StateClosed)
	pid := t.PID
	o.mu.Unlock()

	slog.Info(fmt.Sprintf("Tunnel for pid %d closed", pid), "error", session.Err())
	o.event(pid, "closed", fmt.Sprint(session.Err()))
}

// transition moves t to next if the state table allows it. Caller holds o.mu.
func (o *Orchestrator) transition(t *Tunnel, next State) bool {
	if !t.State.CanTransition(next) {
		slog.Debug("Ignoring tunnel state change", "pid", t.PID, "from", t.State, "to", next)
		return false
	}
	t.State = next
	t.UpdatedAt = o.now()
	return true
}

// Sweep deletes closed entries and returns how many were removed
func (o *Orchestrator) Sweep() int {
	o.mu.Lock()
	var swept []int
	for pid, t := range o.tunnels {
		if t.State == StateClosed {
			delete(o.tunnels, pid)
			swept = append(swept, pid)
		}
	}
	o.mu.Unlock()

	for _, pid := range swept {
		o.event(pid, "swept", "")
	}
	if len(swept) > 0 {
		slog.Debug("Swept closed tunnels", "count", len(swept))
	}
	return len(swept)
}

// Snapshot returns a copy of the registry
func (o *Orchestrator) Snapshot() map[int]Tunnel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]Tunnel, len(o.tunnels))
	for pid, t := range o.tunnels {
		c := *t
		c.session = nil
		out[pid] = c
	}
	return out
}

// Endpoint returns the relay endpoint for a connected pid
func (o *Orchestrator) Endpoint(pid int) (Endpoint, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tunnels[pid]
	if !ok || t.State != StateConnected {
		return Endpoint{}, false
	}
	return t.Endpoint(), true
}

// Close terminates every forward. Requests after Close fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)

	var sessions []Session
	for _, t := range o.tunnels {
		if t.session != nil && t.State == StateConnected {
			sessions = append(sessions, t.session)
		}
		o.transition(t, StateClosed)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.terminate(s)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) terminate(s Session) {
	if err := s.Terminate(o.opts.TerminateTimeout); err != nil {
		slog.Warn("Failed to terminate forward", "pid", s.Pid(), "error", err)
	}
}

func (o *Orchestrator) sleepOrClose(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) event(pid int, eventType, details string) {
	if o.events == nil {
		return
	}
	if err := o.events.LogTunnelEvent(pid, eventType, details); err != nil {
		slog.Debug("Failed to record tunnel event", "pid", pid, "event", eventType, "error", err)
	}
}
