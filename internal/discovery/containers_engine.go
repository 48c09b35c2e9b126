package discovery

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// EngineContainers talks to the Docker Engine API directly
type EngineContainers struct {
	client    *dockerclient.Client
	debugPort int
}

// NewEngineContainers connects to the engine at host, or the environment default
func NewEngineContainers(host string, debugPort int) (*EngineContainers, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &EngineContainers{client: client, debugPort: debugPort}, nil
}

func (e *EngineContainers) Close() error {
	return e.client.Close()
}

func (e *EngineContainers) Containers(ctx context.Context) ([]Container, error) {
	list, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("expose", fmt.Sprintf("%d/tcp", e.debugPort))),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var out []Container
	for _, c := range list {
		hostPort := 0
		for _, p := range c.Ports {
			if int(p.PrivatePort) == e.debugPort && p.Type == "tcp" && p.PublicPort != 0 && !strings.Contains(p.IP, ":") {
				hostPort = int(p.PublicPort)
				break
			}
		}
		if hostPort == 0 {
			hostPort = e.inspectPort(ctx, c.ID)
		}
		if hostPort == 0 {
			continue
		}
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:       c.ID,
			Name:     name,
			Command:  c.Command,
			HostPort: hostPort,
		})
	}
	return out, nil
}

func (e *EngineContainers) HostPID(ctx context.Context, id string) (int, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("container inspect %s: %w", id, err)
	}
	if inspect.State == nil || inspect.State.Pid == 0 {
		return 0, fmt.Errorf("container %s is not running", id)
	}
	return inspect.State.Pid, nil
}

// inspectPort reads the published debug port from the full container inspect
func (e *EngineContainers) inspectPort(ctx context.Context, id string) int {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil || inspect.NetworkSettings == nil {
		return 0
	}
	port, _ := PublishedPort(inspect.NetworkSettings.Ports, e.debugPort)
	return port
}

// PublishedPort returns the host port bound to the debug port in a port map
func PublishedPort(ports nat.PortMap, debugPort int) (int, bool) {
	port, err := nat.NewPort("tcp", strconv.Itoa(debugPort))
	if err != nil {
		return 0, false
	}
	for _, binding := range ports[port] {
		if strings.Contains(binding.HostIP, ":") {
			continue
		}
		if p, err := strconv.Atoi(binding.HostPort); err == nil && p > 0 {
			return p, true
		}
	}
	return 0, false
}

func (e *EngineContainers) Signal(ctx context.Context, id string) error {
	execID, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"kill", "-s", "SIGUSR1", "1"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}

	resp, err := e.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Reader)
	resp.Close()

	inspect, err := e.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("kill exited with code %d in container %s", inspect.ExitCode, id)
	}
	return nil
}
