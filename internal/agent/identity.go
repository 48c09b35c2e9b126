package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
)

// hostNamespace scopes host identities derived from the hostname
var hostNamespace = uuid.MustParse("eb328059-3001-47f0-807a-72a187219dea")

// HostUUID is the stable identity of a host, a v5 UUID of its hostname
func HostUUID(hostname string) string {
	return uuid.NewSHA1(hostNamespace, []byte(hostname)).String()
}

// RelayUser derives the relay login from the API key so the key itself
// never reaches the relay
func RelayUser(namespace, apiKey string) (string, error) {
	ns, err := uuid.Parse(namespace)
	if err != nil {
		return "", fmt.Errorf("invalid namespace %q: %w", namespace, err)
	}
	if apiKey == "" {
		return "", fmt.Errorf("empty API key")
	}
	return uuid.NewSHA1(ns, []byte(apiKey)).String(), nil
}

// HostInfo identifies this agent to the control plane
type HostInfo struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
	Title    string `json:"title"`
	OS       string `json:"os"` // "<uptime> <platform> <release>"
}

// CollectHostInfo reads the hostname and OS summary
func CollectHostInfo(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		hostname, herr := os.Hostname()
		if herr != nil {
			return HostInfo{}, fmt.Errorf("failed to read host info: %w", err)
		}
		return HostInfo{UUID: HostUUID(hostname), Hostname: hostname, Title: "inspectd"}, nil
	}

	return HostInfo{
		UUID:     HostUUID(info.Hostname),
		Hostname: info.Hostname,
		Title:    "inspectd",
		OS:       fmt.Sprintf("%d %s %s", info.Uptime, info.Platform, info.KernelVersion),
	}, nil
}
