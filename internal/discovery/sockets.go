package discovery

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ListeningSocket is one TCP socket in LISTEN state owned by a process
type ListeningSocket struct {
	Addr string
	Port int
	PID  int
}

// ProbeAddress is the host:port a prober should dial for this socket.
// Wildcard listeners are reached over loopback.
func (s ListeningSocket) ProbeAddress() string {
	host := s.Addr
	switch host {
	case "", "0.0.0.0", "*", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// SocketTable captures the OS listening socket table
type SocketTable interface {
	Listening(ctx context.Context) ([]ListeningSocket, error)
}

// ByPID groups sockets by owning pid
func ByPID(sockets []ListeningSocket) map[int][]ListeningSocket {
	out := make(map[int][]ListeningSocket)
	for _, s := range sockets {
		if s.PID <= 0 {
			continue
		}
		out[s.PID] = append(out[s.PID], s)
	}
	return out
}

// GopsutilSockets reads listening sockets through gopsutil
type GopsutilSockets struct{}

func (GopsutilSockets) Listening(ctx context.Context) ([]ListeningSocket, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	var out []ListeningSocket
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		out = append(out, ListeningSocket{
			Addr: c.Laddr.IP,
			Port: int(c.Laddr.Port),
			PID:  int(c.Pid),
		})
	}
	return out, nil
}

// Runner executes an external command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// socketCommand is one platform tool invocation plus the parser for its output
type socketCommand struct {
	name  string
	args  []string
	parse func(string) []ListeningSocket
}

// CommandSockets reads listening sockets by running netstat or ss.
// The first command that succeeds wins.
type CommandSockets struct {
	Run  Runner
	GOOS string
}

func (c CommandSockets) commands() []socketCommand {
	goos := c.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "windows" {
		return []socketCommand{{name: "netstat", args: []string{"-ano", "-p", "TCP"}, parse: parseNetstatWindows}}
	}
	return []socketCommand{
		{name: "netstat", args: []string{"-4tlnp"}, parse: parseNetstat},
		{name: "ss", args: []string{"-4tlnp"}, parse: parseSS},
	}
}

func (c CommandSockets) Listening(ctx context.Context) ([]ListeningSocket, error) {
	run := c.Run
	if run == nil {
		run = ExecRunner
	}

	var lastErr error
	for _, cmd := range c.commands() {
		out, err := run(ctx, cmd.name, cmd.args...)
		if err != nil {
			slog.Debug("Socket table command failed", "command", cmd.name, "error", err)
			lastErr = err
			continue
		}
		return cmd.parse(string(out)), nil
	}
	return nil, fmt.Errorf("no socket table command succeeded: %w", lastErr)
}

// FallbackSockets tries each table in order until one returns sockets
type FallbackSockets []SocketTable

func (f FallbackSockets) Listening(ctx context.Context) ([]ListeningSocket, error) {
	var lastErr error
	for _, table := range f {
		sockets, err := table.Listening(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(sockets) > 0 {
			return sockets, nil
		}
	}
	return nil, lastErr
}

// NewSocketTable returns the socket source named by the discovery config
func NewSocketTable(source string) SocketTable {
	switch source {
	case "gopsutil":
		return GopsutilSockets{}
	case "netstat":
		return CommandSockets{}
	default:
		return FallbackSockets{GopsutilSockets{}, CommandSockets{}}
	}
}

// splitHostPort splits addresses like 127.0.0.1:9229, *:9229 or [::]:9229
func splitHostPort(addr string) (string, int, bool) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return strings.Trim(addr[:i], "[]"), port, true
}

// parseNetstat parses `netstat -4tlnp` lines such as
// tcp  0  0 127.0.0.1:9229  0.0.0.0:*  LISTEN  1234/node
func parseNetstat(out string) []ListeningSocket {
	var sockets []ListeningSocket
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 7 || fields[0] != "tcp" || fields[5] != "LISTEN" {
			continue
		}
		host, port, ok := splitHostPort(fields[3])
		if !ok {
			continue
		}
		pidField, _, _ := strings.Cut(fields[6], "/")
		pid, err := strconv.Atoi(pidField)
		if err != nil {
			continue
		}
		sockets = append(sockets, ListeningSocket{Addr: host, Port: port, PID: pid})
	}
	return sockets
}

// parseSS parses `ss -4tlnp` lines such as
// LISTEN 0 511 127.0.0.1:9229 0.0.0.0:* users:(("node",pid=1234,fd=20))
func parseSS(out string) []ListeningSocket {
	var sockets []ListeningSocket
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || fields[0] != "LISTEN" {
			continue
		}
		host, port, ok := splitHostPort(fields[3])
		if !ok {
			continue
		}
		users := strings.Join(fields[5:], " ")
		for _, part := range strings.Split(users, ",") {
			v, found := strings.CutPrefix(part, "pid=")
			if !found {
				continue
			}
			pid, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			sockets = append(sockets, ListeningSocket{Addr: host, Port: port, PID: pid})
		}
	}
	return sockets
}

// parseNetstatWindows parses `netstat -ano` lines such as
// TCP    127.0.0.1:9229    0.0.0.0:0    LISTENING    1234
func parseNetstatWindows(out string) []ListeningSocket {
	var sockets []ListeningSocket
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 || fields[0] != "TCP" || fields[3] != "LISTENING" {
			continue
		}
		host, port, ok := splitHostPort(fields[1])
		if !ok || strings.Contains(host, ":") {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		sockets = append(sockets, ListeningSocket{Addr: host, Port: port, PID: pid})
	}
	return sockets
}
