package core

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete inspectd configuration
type Configuration struct {
	ConfigPath string // Directory containing config files
	Verbose    int    // Verbosity level
	APIKey     string // Resolved at startup from env or keyring, never read from the file
	Namespace  string // UUID namespace used to derive the relay login from the API key

	Relay      RelayConfig
	Discovery  DiscoveryConfig
	Tunnel     TunnelConfig
	Containers ContainerConfig
	Control    ControlConfig
	Filter     FilterConfig
}

// RelayConfig describes how to reach the SSH relay
type RelayConfig struct {
	Host            string        // Relay hostname
	Port            int           // Relay SSH port
	Timeout         time.Duration // Max wait for relay confirmation on a forward session
	IdentityFile    string        // Private key passed with -i
	CertificateFile string        // Signed certificate for the key, optional
	Binary          string        // ssh client to invoke
}

// DiscoveryConfig controls the process/socket discovery cycle
type DiscoveryConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	MatchThreshold   int    // Attributes that must match the runtime pattern
	SocketSource     string // "auto", "gopsutil" or "netstat"
	ProbeConcurrency int
}

// TunnelConfig controls reconciliation and retry behaviour
type TunnelConfig struct {
	Interval      time.Duration
	SweepInterval time.Duration
	RetryDelay    time.Duration // Base delay, multiplied by the attempt number
	MaxAttempts   int
}

// ContainerConfig controls container discovery
type ContainerConfig struct {
	Enabled    bool
	Always     bool   // Query containers even when no docker process is visible
	Backend    string // "cli" or "engine"
	DebugPort  int
	DockerHost string
	Binary     string
}

// ControlConfig describes the control plane connection
type ControlConfig struct {
	URL       string
	ProxyHost string // Host used when rendering remote debugger URLs
}

// FilterConfig lists processes to ignore
type FilterConfig struct {
	Apps    []string // Presets: vscode, nodemon, pm2
	Strings []string // Plain command line substrings
}

// HCL parsing structs

type hclConfig struct {
	Verbose    int            `hcl:"verbose,optional"`
	Namespace  string         `hcl:"namespace,optional"`
	Relay      *hclRelay      `hcl:"relay,block"`
	Discovery  *hclDiscovery  `hcl:"discovery,block"`
	Tunnel     *hclTunnel     `hcl:"tunnel,block"`
	Containers *hclContainers `hcl:"containers,block"`
	Control    *hclControl    `hcl:"control,block"`
	Filter     *hclFilter     `hcl:"filter,block"`
}

type hclRelay struct {
	Host            string `hcl:"host,optional"`
	Port            int    `hcl:"port,optional"`
	Timeout         string `hcl:"timeout,optional"`
	IdentityFile    string `hcl:"identity_file,optional"`
	CertificateFile string `hcl:"certificate_file,optional"`
	Binary          string `hcl:"binary,optional"`
}

type hclDiscovery struct {
	Interval         string `hcl:"interval,optional"`
	ProbeTimeout     string `hcl:"probe_timeout,optional"`
	MatchThreshold   int    `hcl:"match_threshold,optional"`
	SocketSource     string `hcl:"socket_source,optional"`
	ProbeConcurrency int    `hcl:"probe_concurrency,optional"`
}

type hclTunnel struct {
	Interval      string `hcl:"interval,optional"`
	SweepInterval string `hcl:"sweep_interval,optional"`
	RetryDelay    string `hcl:"retry_delay,optional"`
	MaxAttempts   int    `hcl:"max_attempts,optional"`
}

type hclContainers struct {
	Enabled    *bool  `hcl:"enabled,optional"`
	Always     bool   `hcl:"always,optional"`
	Backend    string `hcl:"backend,optional"`
	DebugPort  int    `hcl:"debug_port,optional"`
	DockerHost string `hcl:"docker_host,optional"`
	Binary     string `hcl:"binary,optional"`
}

type hclControl struct {
	URL       string `hcl:"url,optional"`
	ProxyHost string `hcl:"proxy_host,optional"`
}

type hclFilter struct {
	Apps    []string `hcl:"apps,optional"`
	Strings []string `hcl:"strings,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose
	if hclCfg.Namespace != "" {
		cfg.Namespace = hclCfg.Namespace
	}

	if r := hclCfg.Relay; r != nil {
		cfg.Relay.Host = stringOr(r.Host, cfg.Relay.Host)
		cfg.Relay.Port = intOr(r.Port, cfg.Relay.Port)
		cfg.Relay.Timeout = durationOr("relay.timeout", r.Timeout, cfg.Relay.Timeout)
		cfg.Relay.IdentityFile = stringOr(r.IdentityFile, cfg.Relay.IdentityFile)
		cfg.Relay.CertificateFile = stringOr(r.CertificateFile, cfg.Relay.CertificateFile)
		cfg.Relay.Binary = stringOr(r.Binary, cfg.Relay.Binary)
	}

	if d := hclCfg.Discovery; d != nil {
		cfg.Discovery.Interval = durationOr("discovery.interval", d.Interval, cfg.Discovery.Interval)
		cfg.Discovery.ProbeTimeout = durationOr("discovery.probe_timeout", d.ProbeTimeout, cfg.Discovery.ProbeTimeout)
		cfg.Discovery.MatchThreshold = intOr(d.MatchThreshold, cfg.Discovery.MatchThreshold)
		cfg.Discovery.SocketSource = stringOr(d.SocketSource, cfg.Discovery.SocketSource)
		cfg.Discovery.ProbeConcurrency = intOr(d.ProbeConcurrency, cfg.Discovery.ProbeConcurrency)
	}

	if t := hclCfg.Tunnel; t != nil {
		cfg.Tunnel.Interval = durationOr("tunnel.interval", t.Interval, cfg.Tunnel.Interval)
		cfg.Tunnel.SweepInterval = durationOr("tunnel.sweep_interval", t.SweepInterval, cfg.Tunnel.SweepInterval)
		cfg.Tunnel.RetryDelay = durationOr("tunnel.retry_delay", t.RetryDelay, cfg.Tunnel.RetryDelay)
		cfg.Tunnel.MaxAttempts = intOr(t.MaxAttempts, cfg.Tunnel.MaxAttempts)
	}

	if c := hclCfg.Containers; c != nil {
		if c.Enabled != nil {
			cfg.Containers.Enabled = *c.Enabled
		}
		cfg.Containers.Always = c.Always
		cfg.Containers.Backend = stringOr(c.Backend, cfg.Containers.Backend)
		cfg.Containers.DebugPort = intOr(c.DebugPort, cfg.Containers.DebugPort)
		cfg.Containers.DockerHost = stringOr(c.DockerHost, cfg.Containers.DockerHost)
		cfg.Containers.Binary = stringOr(c.Binary, cfg.Containers.Binary)
	}

	if c := hclCfg.Control; c != nil {
		cfg.Control.URL = stringOr(c.URL, cfg.Control.URL)
		cfg.Control.ProxyHost = stringOr(c.ProxyHost, cfg.Control.ProxyHost)
	}

	if f := hclCfg.Filter; f != nil {
		cfg.Filter.Apps = f.Apps
		cfg.Filter.Strings = f.Strings
	}

	return cfg, nil
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// durationOr parses a duration string, keeping the fallback on empty or invalid input
func durationOr(key, v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Error(fmt.Sprintf("Invalid %s config: %q, using default %v", key, v, fallback))
		return fallback
	}
	return d
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Namespace: DefaultNamespace,
		Relay: RelayConfig{
			Host:    "nssh.brakecode.com",
			Port:    22667,
			Timeout: 30 * time.Second,
			Binary:  "ssh",
		},
		Discovery: DiscoveryConfig{
			Interval:         5 * time.Second,
			ProbeTimeout:     2 * time.Second,
			MatchThreshold:   2,
			SocketSource:     "auto",
			ProbeConcurrency: 8,
		},
		Tunnel: TunnelConfig{
			Interval:      5 * time.Second,
			SweepInterval: 10 * time.Minute,
			RetryDelay:    10 * time.Second,
			MaxAttempts:   4,
		},
		Containers: ContainerConfig{
			Enabled:   true,
			Backend:   "cli",
			DebugPort: 9229,
			Binary:    "docker",
		},
		Control: ControlConfig{
			URL:       "wss://pads.brakecode.com/agent",
			ProxyHost: "pads.brakecode.com",
		},
		Filter: FilterConfig{
			Apps: []string{"vscode", "nodemon", "pm2"},
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
