package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

const testRelayID = "5b0c2d8e-3f1a-4c2b-9d7e-6a5f4e3d2c1b"

type fakeSession struct {
	id         string
	pid        int
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
}

func newFakeSession(id string, pid int) *fakeSession {
	return &fakeSession{id: id, pid: pid, done: make(chan struct{})}
}

func (s *fakeSession) RelayID() string       { return s.id }
func (s *fakeSession) Pid() int              { return s.pid }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Err() error            { return nil }

func (s *fakeSession) exit() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) Terminate(timeout time.Duration) error {
	s.terminated.Store(true)
	s.exit()
	return nil
}

type fakeRelay struct {
	mu         sync.Mutex
	ports      []int
	portsErr   error
	forwardErr error
	relayID    string
	gate       chan struct{} // when set, Forward blocks until closed

	probes   int
	forwards []forwardCall
	sessions []*fakeSession
}

type forwardCall struct {
	remote, local int
}

func (r *fakeRelay) FreePorts(ctx context.Context) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
	return r.ports, r.portsErr
}

func (r *fakeRelay) Forward(ctx context.Context, remotePort, localPort int) (Session, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwards = append(r.forwards, forwardCall{remotePort, localPort})
	if r.forwardErr != nil {
		return nil, r.forwardErr
	}
	s := newFakeSession(r.relayID, 7000+len(r.sessions))
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRelay) forwardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forwards)
}

func testDirectory() *Directory {
	d := NewDirectory()
	d.Replace([]RelayInfo{{UUID: testRelayID, FQDN: "relay-1.example.com", Address: "203.0.113.7"}})
	return d
}

// newTestOrchestrator records sleeps instead of waiting
func newTestOrchestrator(relay Relay) (*Orchestrator, *[]time.Duration) {
	o := NewOrchestrator(relay, testDirectory(), Options{MaxAttempts: 4, RetryDelay: 10 * time.Second})
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	return o, sleeps
}

func TestRequestConnects(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010, 40011}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	ep, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if ep.Host != "relay-1.example.com" {
		t.Errorf("Host = %q", ep.Host)
	}
	if ep.Port != 40010 && ep.Port != 40011 {
		t.Errorf("Port = %d, want one of the unused ports", ep.Port)
	}
	if got := ep.String(); got != "relay-1.example.com:"+strconv.Itoa(ep.Port) {
		t.Errorf("String() = %q", got)
	}

	snap := o.Snapshot()
	tun, ok := snap[100]
	if !ok {
		t.Fatal("no registry entry for pid 100")
	}
	if tun.State != StateConnected {
		t.Errorf("State = %s, want connected", tun.State)
	}
	if tun.LocalSocket != "127.0.0.1:9229" {
		t.Errorf("LocalSocket = %q", tun.LocalSocket)
	}
	if relay.forwards[0].local != 9229 {
		t.Errorf("forwarded local port %d, want 9229", relay.forwards[0].local)
	}
}

func TestRequestNoFreePortsReachesError(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{}, relayID: testRelayID}
	o, sleeps := newTestOrchestrator(relay)

	var states []State
	o.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		states = append(states, o.Snapshot()[100].State)
		return nil
	}

	_, err := o.Request(context.Background(), 100, 9229)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Request() error = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, ErrNoFreePorts) {
		t.Errorf("Request() error = %v, want wrapped ErrNoFreePorts", err)
	}

	if relay.probes != 4 {
		t.Errorf("probes = %d, want exactly 4 attempts", relay.probes)
	}
	if relay.forwardCount() != 0 {
		t.Errorf("forwards = %d, want none", relay.forwardCount())
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	if !reflect.DeepEqual(*sleeps, want) {
		t.Errorf("sleeps = %v, want %v", *sleeps, want)
	}
	for i, s := range states {
		if s != StateRetrying {
			t.Errorf("state during sleep %d = %s, want retrying", i, s)
		}
	}

	tun := o.Snapshot()[100]
	if tun.State != StateError || tun.RetryCount != 4 {
		t.Errorf("tunnel = %+v, want error after 4 attempts", tun)
	}
	if _, ok := o.Endpoint(100); ok {
		t.Error("Endpoint() returned a socket for an errored tunnel")
	}
}

func TestRequestAfterErrorRenegotiates(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	if _, err := o.Request(context.Background(), 100, 9229); err == nil {
		t.Fatal("expected first request to fail")
	}

	relay.mu.Lock()
	relay.ports = []int{40010}
	relay.mu.Unlock()

	ep, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request() after error = %v", err)
	}
	if ep.Port != 40010 {
		t.Errorf("Port = %d, want 40010", ep.Port)
	}
}

func TestRequestIdempotent(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	first, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := o.Request(context.Background(), 100, 9229)
		if err != nil {
			t.Fatalf("repeat Request() error = %v", err)
		}
		if again != first {
			t.Errorf("repeat endpoint %v, want %v", again, first)
		}
	}
	if n := relay.forwardCount(); n != 1 {
		t.Errorf("forwards = %d, want 1", n)
	}
}

func TestConcurrentRequestsOpenOneSession(t *testing.T) {
	quietLogger(t)

	gate := make(chan struct{})
	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID, gate: gate}
	o, _ := newTestOrchestrator(relay)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Half ask for the socket under another pid
			pid := 100
			if i%2 == 1 {
				pid = 200
			}
			started.Done()
			_, errs[i] = o.Request(context.Background(), pid, 9229)
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := relay.forwardCount(); n != 1 {
		t.Fatalf("forwards = %d, want exactly 1", n)
	}

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConnecting):
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if succeeded < 1 {
		t.Error("no request succeeded")
	}

	active := 0
	for _, tun := range o.Snapshot() {
		if tun.State != StateClosed && tun.LocalSocket == "127.0.0.1:9229" {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active tunnels for socket = %d, want 1", active)
	}
}

func TestRequestWhileConnectingIsRejected(t *testing.T) {
	quietLogger(t)

	gate := make(chan struct{})
	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID, gate: gate}
	o, _ := newTestOrchestrator(relay)

	done := make(chan error, 1)
	go func() {
		_, err := o.Request(context.Background(), 100, 9229)
		done <- err
	}()

	waitFor(t, func() bool { return o.Snapshot()[100].State == StateConnecting })

	if _, err := o.Request(context.Background(), 100, 9229); !errors.Is(err, ErrConnecting) {
		t.Errorf("Request() while connecting = %v, want ErrConnecting", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Request() error = %v", err)
	}
}

func TestReassignKeepsEndpoint(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	epA, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request(A) error = %v", err)
	}

	epB, err := o.Request(context.Background(), 200, 9229)
	if err != nil {
		t.Fatalf("Request(B) error = %v", err)
	}
	if epB != epA {
		t.Errorf("endpoint after reassignment = %v, want %v", epB, epA)
	}

	snap := o.Snapshot()
	if _, ok := snap[100]; ok {
		t.Error("old pid still has a registry entry")
	}
	if tun, ok := snap[200]; !ok || tun.State != StateConnected || tun.PID != 200 {
		t.Errorf("new pid entry = %+v", tun)
	}
	if n := relay.forwardCount(); n != 1 {
		t.Errorf("forwards = %d, want 1", n)
	}
}

func TestForwardExitClosesAndSweepRemoves(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	if _, err := o.Request(context.Background(), 100, 9229); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if n := o.Sweep(); n != 0 {
		t.Errorf("Sweep() removed %d connected tunnels", n)
	}

	relay.sessions[0].exit()
	waitFor(t, func() bool { return o.Snapshot()[100].State == StateClosed })

	if _, ok := o.Snapshot()[100]; !ok {
		t.Fatal("closed tunnel removed before sweep")
	}
	if n := o.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := o.Snapshot()[100]; ok {
		t.Error("closed tunnel survived sweep")
	}

	// A fresh request renegotiates
	if _, err := o.Request(context.Background(), 100, 9229); err != nil {
		t.Fatalf("Request() after sweep error = %v", err)
	}
	if n := relay.forwardCount(); n != 2 {
		t.Errorf("forwards = %d, want 2", n)
	}
}

func TestUnknownRelayFailsNegotiation(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: "11111111-2222-4333-8444-555555555555"}
	o, _ := newTestOrchestrator(relay)
	o.opts.MaxAttempts = 1

	_, err := o.Request(context.Background(), 100, 9229)
	if !errors.Is(err, ErrUnknownRelay) {
		t.Fatalf("Request() error = %v, want ErrUnknownRelay", err)
	}
	waitFor(t, func() bool { return relay.sessions[0].terminated.Load() })
}

func TestRetryRecoversBeforeBudget(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID, forwardErr: ErrRelayTimeout}
	o, sleeps := newTestOrchestrator(relay)
	o.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		relay.mu.Lock()
		relay.forwardErr = nil
		relay.mu.Unlock()
		return nil
	}

	ep, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if ep.Port != 40010 {
		t.Errorf("Port = %d", ep.Port)
	}
	if len(*sleeps) != 1 {
		t.Errorf("sleeps = %v, want one retry", *sleeps)
	}
	if tun := o.Snapshot()[100]; tun.RetryCount != 1 || tun.State != StateConnected {
		t.Errorf("tunnel = %+v", tun)
	}
}

func TestPortMoveReplacesStaleForward(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	if _, err := o.Request(context.Background(), 100, 9229); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := o.Request(context.Background(), 100, 9230); err != nil {
		t.Fatalf("Request() on new port error = %v", err)
	}

	waitFor(t, func() bool { return relay.sessions[0].terminated.Load() })
	if tun := o.Snapshot()[100]; tun.LocalSocket != "127.0.0.1:9230" {
		t.Errorf("LocalSocket = %q, want new port", tun.LocalSocket)
	}
}

func TestPortMoveAfterErrorUsesNewPort(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	if _, err := o.Request(context.Background(), 100, 9229); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Request() error = %v, want ErrRetriesExhausted", err)
	}

	relay.mu.Lock()
	relay.ports = []int{40010}
	relay.mu.Unlock()

	if _, err := o.Request(context.Background(), 100, 9230); err != nil {
		t.Fatalf("Request() on new port error = %v", err)
	}

	relay.mu.Lock()
	forwards := append([]forwardCall(nil), relay.forwards...)
	relay.mu.Unlock()
	if len(forwards) != 1 || forwards[0].local != 9230 {
		t.Fatalf("forwards = %v, want one forward to local port 9230", forwards)
	}
	tun := o.Snapshot()[100]
	if tun.LocalSocket != "127.0.0.1:9230" || tun.LocalPort != 9230 {
		t.Errorf("tunnel = %+v, want local socket on 9230", tun)
	}
	if tun.State != StateConnected || tun.RetryCount != 0 {
		t.Errorf("tunnel = %+v, want a fresh connected entry", tun)
	}

	// The old socket is free again; a process binding it gets its own forward
	if _, err := o.Request(context.Background(), 200, 9229); err != nil {
		t.Fatalf("Request() for old socket error = %v", err)
	}
	if _, ok := o.Snapshot()[100]; !ok {
		t.Error("pid 100 lost its tunnel to a process on its old port")
	}
	if n := relay.forwardCount(); n != 2 {
		t.Errorf("forwards = %d, want 2", n)
	}
}

func TestSupersededNegotiationStopsRetrying(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	// pid 100 holds a working forward for 9229
	epA, err := o.Request(context.Background(), 100, 9229)
	if err != nil {
		t.Fatalf("Request(100) error = %v", err)
	}

	relay.mu.Lock()
	relay.ports = nil
	queriesBefore := relay.probes
	relay.mu.Unlock()

	// pid 200 fails on 9230; while it waits to retry, it shows up on 9229
	var sleeps int
	o.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 1 {
			if _, err := o.Request(ctx, 200, 9229); err != nil {
				t.Errorf("reassigning Request() error = %v", err)
			}
		}
		return nil
	}

	ep, err := o.Request(context.Background(), 200, 9230)
	if err != nil {
		t.Fatalf("Request(200) error = %v", err)
	}
	if ep != epA {
		t.Errorf("endpoint = %v, want reassigned %v", ep, epA)
	}
	if sleeps != 1 {
		t.Errorf("sleeps = %d, want the replaced entry to stop after one", sleeps)
	}
	relay.mu.Lock()
	queries := relay.probes - queriesBefore
	relay.mu.Unlock()
	if queries != 1 {
		t.Errorf("relay port queries after replacement = %d, want 1", queries)
	}

	tun := o.Snapshot()[200]
	if tun.LocalSocket != "127.0.0.1:9229" || tun.State != StateConnected {
		t.Errorf("pid 200 entry = %+v", tun)
	}
}

func TestCloseTerminatesForwards(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010, 40011}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)

	for pid, port := range map[int]int{100: 9229, 200: 9230} {
		if _, err := o.Request(context.Background(), pid, port); err != nil {
			t.Fatalf("Request(%d) error = %v", pid, err)
		}
	}

	o.Close()

	for i, s := range relay.sessions {
		if !s.terminated.Load() {
			t.Errorf("session %d not terminated", i)
		}
	}
	if _, err := o.Request(context.Background(), 300, 9231); !errors.Is(err, ErrClosed) {
		t.Errorf("Request() after Close = %v, want ErrClosed", err)
	}
}

type recordedEvent struct {
	pid  int
	kind string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) LogTunnelEvent(pid int, eventType, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{pid, eventType})
	return nil
}

func TestEventsRecorded(t *testing.T) {
	quietLogger(t)

	relay := &fakeRelay{ports: []int{40010}, relayID: testRelayID}
	o, _ := newTestOrchestrator(relay)
	rec := &eventRecorder{}
	o.SetEventLogger(rec)

	o.Request(context.Background(), 100, 9229)
	o.Request(context.Background(), 200, 9229)

	want := []recordedEvent{{100, "connect"}, {200, "reassigned"}}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !reflect.DeepEqual(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
