package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Container is a running container that publishes the debug port
type Container struct {
	ID       string
	Name     string
	Command  string
	HostPort int
}

// InspectFlagSet reports whether the container command enables the inspector
func (c Container) InspectFlagSet() bool {
	return hasInspectFlag(c.Command)
}

// ContainerSource lists debug-exposing containers and acts on them
type ContainerSource interface {
	Containers(ctx context.Context) ([]Container, error)
	// HostPID returns the host level pid of the container's main process
	HostPID(ctx context.Context, id string) (int, error)
	// Signal asks the container's pid 1 to open its inspector
	Signal(ctx context.Context, id string) error
}

// CLIContainers drives the docker command line client
type CLIContainers struct {
	Binary    string
	DebugPort int
	Run       Runner
}

func (c CLIContainers) run(ctx context.Context, args ...string) ([]byte, error) {
	run := c.Run
	if run == nil {
		run = ExecRunner
	}
	binary := c.Binary
	if binary == "" {
		binary = "docker"
	}
	return run(ctx, binary, args...)
}

func (c CLIContainers) Containers(ctx context.Context) ([]Container, error) {
	out, err := c.run(ctx, "ps",
		"--filter", fmt.Sprintf("expose=%d/tcp", c.DebugPort),
		"--no-trunc",
		"--format", "{{.ID}}\t{{.Names}}\t{{.Command}}\t{{.Ports}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return parseDockerPS(string(out), c.DebugPort), nil
}

func (c CLIContainers) HostPID(ctx context.Context, id string) (int, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.State.Pid}}", id)
	if err != nil {
		return 0, fmt.Errorf("docker inspect %s: %w", id, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("docker inspect %s: unexpected pid %q", id, strings.TrimSpace(string(out)))
	}
	return pid, nil
}

func (c CLIContainers) Signal(ctx context.Context, id string) error {
	if _, err := c.run(ctx, "exec", id, "kill", "-s", "SIGUSR1", "1"); err != nil {
		return fmt.Errorf("docker exec %s: %w", id, err)
	}
	return nil
}

// parseDockerPS parses tab separated `docker ps` rows of id, names, command and ports.
// Rows without an IPv4 mapping for debugPort are dropped.
func parseDockerPS(out string, debugPort int) []Container {
	portRe := regexp.MustCompile(`0\.0\.0\.0:(\d+)->` + strconv.Itoa(debugPort) + `\b`)

	var containers []Container
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) != 4 {
			continue
		}
		m := portRe.FindStringSubmatch(fields[3])
		if m == nil {
			continue
		}
		hostPort, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		containers = append(containers, Container{
			ID:       fields[0],
			Name:     fields[1],
			Command:  strings.Trim(fields[2], `"`),
			HostPort: hostPort,
		})
	}
	return containers
}
