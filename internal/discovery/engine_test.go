package discovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"go.olrik.dev/inspectd/internal/model"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type fakeProcesses struct {
	procs []Process
	err   error
}

func (f fakeProcesses) Processes(ctx context.Context) ([]Process, error) {
	return f.procs, f.err
}

// fakeProber confirms an inspector on the listed addresses only
type fakeProber struct {
	mu     sync.Mutex
	live   map[string]string
	probed []string
}

func (f *fakeProber) Probe(ctx context.Context, addr string) (*model.DebuggerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, addr)
	id, ok := f.live[addr]
	if !ok {
		return nil, ErrNotInspector
	}
	return &model.DebuggerInfo{ID: id}, nil
}

type fakeContainers struct {
	containers []Container
	hostPIDs   map[string]int
	listErr    error
	listed     int
	signalled  []string
}

func (f *fakeContainers) Containers(ctx context.Context) ([]Container, error) {
	f.listed++
	return f.containers, f.listErr
}

func (f *fakeContainers) HostPID(ctx context.Context, id string) (int, error) {
	pid, ok := f.hostPIDs[id]
	if !ok {
		return 0, errors.New("no such container")
	}
	return pid, nil
}

func (f *fakeContainers) Signal(ctx context.Context, id string) error {
	f.signalled = append(f.signalled, id)
	return nil
}

func nodeProcess(pid int, cmdline string) Process {
	return Process{PID: pid, Name: "node", Cmdline: cmdline, Exe: "/usr/bin/node"}
}

func TestDiscoverHostProcesses(t *testing.T) {
	quietLogger(t)

	sockets := staticSockets{sockets: []ListeningSocket{
		{Addr: "127.0.0.1", Port: 9229, PID: 100},
		{Addr: "0.0.0.0", Port: 3000, PID: 200},
		{Addr: "127.0.0.1", Port: 9230, PID: 200},
		{Addr: "127.0.0.1", Port: 9231, PID: 300},
	}}
	procs := fakeProcesses{procs: []Process{
		nodeProcess(100, "node --inspect server.js"),
		nodeProcess(200, "node worker.js"),
		{PID: 300, Name: "deno", Cmdline: "deno run --inspect=127.0.0.1:9231 main.ts", Exe: "/usr/local/bin/deno"},
		{PID: 400, Name: "bash", Cmdline: "bash", Exe: "/bin/bash"},
		nodeProcess(500, "node /home/u/.vscode-server/bin/x/out/server-main.js"),
	}}
	prober := &fakeProber{live: map[string]string{
		"127.0.0.1:9229": "a",
		"127.0.0.1:9230": "b",
		"127.0.0.1:9231": "c",
	}}

	e := NewEngine(sockets, procs, prober, nil, NewFilter([]string{"vscode"}, nil), Options{MatchThreshold: 2})
	set := e.Discover(context.Background())

	if set.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (pids %v)", set.Len(), set.PIDs())
	}

	r, _ := set.Get(100)
	if !r.InspectFlagSet || r.InspectPort != 9229 || r.InspectSocket != "127.0.0.1:9229" {
		t.Errorf("pid 100 = %+v", r)
	}
	if r.Debugger == nil || r.Debugger.ID != "a" {
		t.Errorf("pid 100 debugger = %+v", r.Debugger)
	}

	// Inspector opened later by SIGUSR1, no flag on the command line
	r, _ = set.Get(200)
	if r.InspectFlagSet {
		t.Error("pid 200 should not report the inspect flag")
	}
	if r.InspectPort != 9230 {
		t.Errorf("pid 200 InspectPort = %d, want 9230", r.InspectPort)
	}

	r, _ = set.Get(300)
	if r.Runtime != model.RuntimeDeno || r.InspectPort != 9231 {
		t.Errorf("pid 300 = %+v", r)
	}

	if _, ok := set.Get(500); ok {
		t.Error("filtered vscode process was reported")
	}
	if e.Latest() != set {
		t.Error("Latest() does not return the published set")
	}
}

func TestDiscoverProbeFailureIsNotFatal(t *testing.T) {
	quietLogger(t)

	sockets := staticSockets{sockets: []ListeningSocket{{Addr: "127.0.0.1", Port: 8080, PID: 100}}}
	procs := fakeProcesses{procs: []Process{nodeProcess(100, "node server.js")}}

	e := NewEngine(sockets, procs, &fakeProber{}, nil, nil, Options{MatchThreshold: 2})
	set := e.Discover(context.Background())

	r, ok := set.Get(100)
	if !ok {
		t.Fatal("process missing after failed probe")
	}
	if r.HasDebugSocket() || r.InspectSocket != "" {
		t.Errorf("record = %+v, want no debug socket", r)
	}
}

func TestDiscoverSourceFailuresDegradeToEmpty(t *testing.T) {
	quietLogger(t)

	e := NewEngine(
		staticSockets{err: errors.New("netstat missing")},
		fakeProcesses{err: errors.New("proc unreadable")},
		&fakeProber{},
		nil, nil, Options{},
	)
	set := e.Discover(context.Background())
	if set.Len() != 0 {
		t.Errorf("Len() = %d, want 0", set.Len())
	}
	if set.Cycle() != 1 {
		t.Errorf("Cycle() = %d, want 1", set.Cycle())
	}
}

func TestDiscoverContainerCorrelation(t *testing.T) {
	quietLogger(t)

	procs := fakeProcesses{procs: []Process{
		{PID: 900, Name: "dockerd", Cmdline: "/usr/bin/dockerd -H fd://"},
		{PID: 5555, Name: "docker-proxy", Cmdline: "/usr/bin/docker-proxy -proto tcp -host-ip 0.0.0.0 -host-port 32768 -container-ip 172.17.0.2 -container-port 9229"},
	}}
	containers := &fakeContainers{
		containers: parseDockerPS("f00dcafe\tapi\t\"docker-entrypoint.sh node --inspect=0.0.0.0:9229 index.js\"\t0.0.0.0:32768->9229/tcp\n", 9229),
	}
	prober := &fakeProber{live: map[string]string{"127.0.0.1:32768": "remote"}}

	e := NewEngine(staticSockets{}, procs, prober, containers, nil, Options{MatchThreshold: 2})
	set := e.Discover(context.Background())

	r, ok := set.Get(5555)
	if !ok {
		t.Fatalf("container record missing, pids %v", set.PIDs())
	}
	if !r.DockerContainer || r.InspectPort != 32768 {
		t.Errorf("record = %+v, want dockerContainer=true inspectPort=32768", r)
	}
	if r.ContainerID != "f00dcafe" || r.ContainerName != "api" {
		t.Errorf("container identity = %q/%q", r.ContainerID, r.ContainerName)
	}
	if !r.InspectFlagSet {
		t.Error("expected inspect flag from container command")
	}
	if got := set.Summary().Docker; got != 1 {
		t.Errorf("Summary().Docker = %d, want 1", got)
	}
}

func TestDiscoverContainerFallsBackToInspectedPID(t *testing.T) {
	quietLogger(t)

	procs := fakeProcesses{procs: []Process{{PID: 900, Name: "dockerd"}}}
	containers := &fakeContainers{
		containers: []Container{{ID: "abc", Name: "web", Command: "deno run -A main.ts", HostPort: 40000}},
		hostPIDs:   map[string]int{"abc": 4242},
	}

	e := NewEngine(staticSockets{}, procs, &fakeProber{}, containers, nil, Options{})
	set := e.Discover(context.Background())

	r, ok := set.Get(4242)
	if !ok {
		t.Fatalf("expected record for inspected pid, got %v", set.PIDs())
	}
	if r.Runtime != model.RuntimeDeno {
		t.Errorf("Runtime = %q, want deno", r.Runtime)
	}
	if r.HasDebugSocket() {
		t.Error("unprobed container should have no debug socket")
	}
}

func TestDiscoverSkipsContainersWithoutDocker(t *testing.T) {
	quietLogger(t)

	containers := &fakeContainers{}
	procs := fakeProcesses{procs: []Process{nodeProcess(1, "node a.js")}}

	e := NewEngine(staticSockets{}, procs, &fakeProber{}, containers, nil, Options{})
	e.Discover(context.Background())
	if containers.listed != 0 {
		t.Errorf("containers listed %d times without a docker process", containers.listed)
	}

	e = NewEngine(staticSockets{}, procs, &fakeProber{}, containers, nil, Options{ContainersAlways: true})
	e.Discover(context.Background())
	if containers.listed != 1 {
		t.Errorf("containers listed %d times with ContainersAlways", containers.listed)
	}
}

func TestDiscoverPublishesNewSetEachCycle(t *testing.T) {
	quietLogger(t)

	procs := &switchingProcesses{}
	procs.set([]Process{nodeProcess(1, "node a.js"), nodeProcess(2, "node b.js")})

	e := NewEngine(staticSockets{}, procs, &fakeProber{}, nil, nil, Options{})
	first := e.Discover(context.Background())

	procs.set([]Process{nodeProcess(3, "node c.js")})
	second := e.Discover(context.Background())

	if first.Len() != 2 {
		t.Errorf("first cycle mutated after second cycle: %v", first.PIDs())
	}
	if second.Len() != 1 {
		t.Fatalf("second cycle = %v, want only pid 3", second.PIDs())
	}
	if _, ok := second.Get(1); ok {
		t.Error("second cycle contains pid from first cycle")
	}
	if second.Cycle() != first.Cycle()+1 {
		t.Errorf("cycles %d then %d", first.Cycle(), second.Cycle())
	}
}

func TestDiscoverLatestNeverMixesCycles(t *testing.T) {
	quietLogger(t)

	procs := &switchingProcesses{}
	e := NewEngine(staticSockets{}, procs, &fakeProber{}, nil, nil, Options{})

	// Each cycle reports pids from one generation only: gen*10+1 .. gen*10+3
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			set := e.Latest()
			gens := map[int]bool{}
			for _, pid := range set.PIDs() {
				gens[pid/10] = true
			}
			if len(gens) > 1 {
				t.Errorf("cycle %d mixes generations: %v", set.Cycle(), set.PIDs())
				return
			}
		}
	}()

	for gen := 1; gen <= 50; gen++ {
		procs.set([]Process{
			nodeProcess(gen*10+1, "node a.js"),
			nodeProcess(gen*10+2, "node b.js"),
			nodeProcess(gen*10+3, "node c.js"),
		})
		e.Discover(context.Background())
	}
	close(stop)
	wg.Wait()
}

type switchingProcesses struct {
	mu    sync.Mutex
	procs []Process
}

func (s *switchingProcesses) set(p []Process) {
	s.mu.Lock()
	s.procs = p
	s.mu.Unlock()
}

func (s *switchingProcesses) Processes(ctx context.Context) ([]Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs, nil
}
