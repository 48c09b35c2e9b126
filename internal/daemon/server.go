// Package daemon runs the agent in the background and serves the local IPC socket.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/inspectd/internal/agent"
	"go.olrik.dev/inspectd/internal/control"
	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/db"
	"go.olrik.dev/inspectd/internal/discovery"
	"go.olrik.dev/inspectd/internal/keyring"
	"go.olrik.dev/inspectd/internal/tunnel"
)

// historyRetention bounds the event history kept in the database
const historyRetention = 30 * 24 * time.Hour

// Daemon owns the agent components and the IPC listener
type Daemon struct {
	mu           sync.Mutex
	listener     net.Listener
	shutdownOnce sync.Once
	logBroadcast *LogBroadcaster
	database     *db.DB
	startedAt    time.Time

	engine       *discovery.Engine
	containers   io.Closer // Engine API client, nil for the CLI backend
	orchestrator *tunnel.Orchestrator
	coordinator  *agent.Coordinator
	control      *control.Client
	relayUser    string

	ctx        context.Context
	cancelFunc context.CancelFunc
}

func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		logBroadcast: NewLogBroadcaster(1000),
		ctx:          ctx,
		cancelFunc:   cancel,
	}
}

// Run starts the agent and serves IPC connections until shutdown.
// Credential and identity problems are returned before anything is started.
func (d *Daemon) Run() error {
	d.setupLogging()
	d.startedAt = time.Now()

	apiKey, err := keyring.ResolveAPIKey(core.Config.APIKey)
	if err != nil {
		return err
	}
	relayUser, err := agent.RelayUser(core.Config.Namespace, apiKey)
	if err != nil {
		return err
	}
	d.relayUser = relayUser

	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.database = database
		slog.Debug("Database opened", "path", dbPath)
		if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", core.FormatVersion(core.Version), os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
		if n, err := d.database.Prune(historyRetention); err != nil {
			slog.Warn("Failed to prune history", "error", err)
		} else if n > 0 {
			slog.Debug("Pruned old history", "rows", n)
		}
	}

	listener, err := listen(core.GetSocketPath())
	if err != nil {
		d.closeDatabase()
		return err
	}
	d.listener = listener

	pidFilePath := core.GetPIDFilePath()
	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(core.GetSocketPath())

	slog.Info(fmt.Sprintf("Daemon listening on %s", core.GetSocketPath()))

	if err := d.build(); err != nil {
		d.shutdown()
		return err
	}

	go func() {
		if err := d.coordinator.Run(d.ctx); err != nil {
			slog.Error("Coordinator stopped", "error", err)
		}
	}()
	go d.control.Run(d.ctx)

	agent.NewWakeMonitor(slog.Default(), func(time.Duration) {
		d.coordinator.Wake(d.ctx)
	}).Start(d.ctx)

	d.watchConfig()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-shutdownChan:
			slog.Info("Shutdown signal received. Closing all tunnels.")
			d.shutdown()
		case <-d.ctx.Done():
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}

	d.shutdown()
	return nil
}

// listen creates the IPC socket, replacing a stale socket file left by a
// daemon that died without cleaning up
func listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, ErrAlreadyRunning
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

// build wires discovery, tunnels, coordinator and control channel from core.Config
func (d *Daemon) build() error {
	cfg := core.Config

	containers, err := d.containerSource(cfg.Containers)
	if err != nil {
		return err
	}

	d.engine = discovery.NewEngine(
		discovery.NewSocketTable(cfg.Discovery.SocketSource),
		discovery.GopsutilProcesses{},
		discovery.NewHTTPProber(cfg.Discovery.ProbeTimeout),
		containers,
		discovery.NewFilter(cfg.Filter.Apps, cfg.Filter.Strings),
		discovery.Options{
			MatchThreshold:   cfg.Discovery.MatchThreshold,
			ProbeConcurrency: cfg.Discovery.ProbeConcurrency,
			ContainersAlways: cfg.Containers.Always,
		},
	)

	relay := &tunnel.SSHRelay{
		Binary:          cfg.Relay.Binary,
		Host:            cfg.Relay.Host,
		Port:            cfg.Relay.Port,
		User:            d.relayUser,
		IdentityFile:    cfg.Relay.IdentityFile,
		CertificateFile: cfg.Relay.CertificateFile,
		Timeout:         cfg.Relay.Timeout,
	}
	d.orchestrator = tunnel.NewOrchestrator(relay, tunnel.NewDirectory(), tunnel.Options{
		MaxAttempts: cfg.Tunnel.MaxAttempts,
		RetryDelay:  cfg.Tunnel.RetryDelay,
	})
	if d.database != nil {
		d.orchestrator.SetEventLogger(d.database)
	}
	if n := d.cleanOrphanForwards(d.ctx, discovery.GopsutilProcesses{}, relay.Destination()); n > 0 {
		slog.Info("Cleaned up orphan forwards from previous daemon", "count", n)
	}

	host, err := agent.CollectHostInfo(d.ctx)
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Host identity %s (%s)", host.UUID, host.Hostname))

	d.coordinator = agent.NewCoordinator(d.engine, d.orchestrator, host, agent.Options{
		DiscoveryInterval: cfg.Discovery.Interval,
		TunnelInterval:    cfg.Tunnel.Interval,
		SweepInterval:     cfg.Tunnel.SweepInterval,
		ProxyHost:         cfg.Control.ProxyHost,
	})
	if d.database != nil {
		d.coordinator.SetCycleLogger(d.database)
	}

	d.control = control.NewClient(control.Options{
		URL: cfg.Control.URL,
		Header: http.Header{
			"User-Agent":         []string{core.UserAgent()},
			"X-Inspectd-Host":    []string{host.UUID},
			"X-Inspectd-Account": []string{d.relayUser},
		},
	}, d.coordinator)
	d.coordinator.SetPublisher(d.control)
	return nil
}

func (d *Daemon) containerSource(cfg core.ContainerConfig) (discovery.ContainerSource, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "engine":
		engine, err := discovery.NewEngineContainers(cfg.DockerHost, cfg.DebugPort)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.containers = engine
		return engine, nil
	case "cli", "":
		return discovery.CLIContainers{Binary: cfg.Binary, DebugPort: cfg.DebugPort, Run: discovery.ExecRunner}, nil
	default:
		return nil, fmt.Errorf("unknown containers backend %q", cfg.Backend)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	if command != "VERSION" && command != "STATUS" {
		if len(args) > 0 {
			slog.Info(fmt.Sprintf("Executing command: %s %v", command, args))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus()
	case "INSPECT":
		response = d.inspect(args)
	case "LOGS":
		lines, showHistory := 20, true
		for _, arg := range args {
			if arg == "no_history" {
				showHistory = false
			} else if n, err := strconv.Atoi(arg); err == nil {
				lines = n
			}
		}
		d.handleLogsWithHistory(conn, showHistory, lines)
		return
	case "VERSION":
		response = d.getVersion()
	case "STOP":
		response = d.stopDaemon()
		conn.Write([]byte(response.ToJSON()))
		go d.shutdown()
		return
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	conn.Write([]byte(response.ToJSON()))
}

func (d *Daemon) inspect(args []string) Response {
	response := Response{}
	if len(args) != 1 {
		response.AddMessage("Usage: INSPECT <pid>", StatusError)
		return response
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		response.AddMessage(fmt.Sprintf("Invalid pid %q", args[0]), StatusError)
		return response
	}

	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	if err := d.coordinator.Inspect(ctx, pid); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to open inspector for pid %d: %v", pid, err), StatusError)
		return response
	}
	response.AddMessage(fmt.Sprintf("Inspector requested for pid %d", pid), StatusInfo)
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(d.status())
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(map[string]any{
		"version": core.Version,
		"pid":     os.Getpid(),
	})
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}
	active := 0
	if d.orchestrator != nil {
		for _, t := range d.orchestrator.Snapshot() {
			if t.State.Active() {
				active++
			}
		}
	}
	if active > 0 {
		response.AddMessage(fmt.Sprintf("Stopping daemon and closing %d tunnel(s)...", active), StatusInfo)
	} else {
		response.AddMessage("Stopping daemon...", StatusInfo)
	}
	return response
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		if d.cancelFunc != nil {
			d.cancelFunc()
		}
		if d.control != nil {
			d.control.Close()
		}

		tunnels := 0
		if d.orchestrator != nil {
			tunnels = len(d.orchestrator.Snapshot())
			d.orchestrator.Close()
		}
		if d.containers != nil {
			d.containers.Close()
		}

		if d.database != nil {
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, tunnels: %d", core.FormatVersion(core.Version), os.Getpid(), tunnels)
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
		}
		d.closeDatabase()

		d.mu.Lock()
		if d.listener != nil {
			d.listener.Close()
		}
		d.mu.Unlock()
	})
}

func (d *Daemon) closeDatabase() {
	if d.database == nil {
		return
	}
	if err := d.database.Close(); err != nil {
		slog.Error("Failed to close database during shutdown", "error", err)
	}
}
