package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BaseDirName    = ".config/inspectd"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "inspectd.db"

	// DefaultNamespace is the UUID namespace the relay login is derived in
	DefaultNamespace = "3c9f4b0e-2a7d-5f61-9e0b-7d2c1a8e4f53"
)

const defaultConfigTemplate = `# inspectd configuration

relay {
  host    = "nssh.brakecode.com"
  port    = 22667
  timeout = "30s"
}

discovery {
  interval        = "5s"
  probe_timeout   = "2s"
  match_threshold = 2
}

tunnel {
  interval       = "5s"
  sweep_interval = "10m"
  retry_delay    = "10s"
  max_attempts   = 4
}

containers {
  enabled    = true
  backend    = "cli"
  debug_port = 9229
}

filter {
  apps    = ["vscode", "nodemon", "pm2"]
  strings = []
}
`

// envOverrides is filled from INSPECTD_* environment variables
type envOverrides struct {
	APIKey          string        `envconfig:"API_KEY"`
	Namespace       string        `envconfig:"NAMESPACE"`
	RelayHost       string        `envconfig:"RELAY_HOST"`
	RelayPort       int           `envconfig:"RELAY_PORT"`
	RelayTimeout    time.Duration `envconfig:"RELAY_TIMEOUT"`
	IdentityFile    string        `envconfig:"IDENTITY_FILE"`
	CertificateFile string        `envconfig:"CERTIFICATE_FILE"`
	ControlURL      string        `envconfig:"CONTROL_URL"`
	DockerHost      string        `envconfig:"DOCKER_HOST"`
	SweepInterval   time.Duration `envconfig:"TUNNEL_SWEEP_INTERVAL"`
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

// DefaultIdentityFile is the key the relay certificate is issued for
func DefaultIdentityFile() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ssh", "brakecode.id_rsa")
}

// InitializeConfig loads config.hcl from configPath, writing a default file on
// first run, then applies environment overrides. The result is stored in Config.
func InitializeConfig(configPath string, verbose int) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configPath, ConfigFileName)
	if !ConfigExists(configFile) {
		if err := os.WriteFile(configFile, []byte(defaultConfigTemplate), 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	cfg.ConfigPath = configPath
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	if err := ApplyEnvironment(cfg); err != nil {
		return err
	}

	if cfg.Relay.IdentityFile == "" {
		cfg.Relay.IdentityFile = DefaultIdentityFile()
		if cfg.Relay.CertificateFile == "" {
			cfg.Relay.CertificateFile = cfg.Relay.IdentityFile + "-cert.pub"
		}
	}

	Config = cfg
	return nil
}

// ApplyEnvironment overlays INSPECTD_* environment variables onto cfg
func ApplyEnvironment(cfg *Configuration) error {
	var env envOverrides
	if err := envconfig.Process("INSPECTD", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.APIKey = stringOr(env.APIKey, cfg.APIKey)
	cfg.Namespace = stringOr(env.Namespace, cfg.Namespace)
	cfg.Relay.Host = stringOr(env.RelayHost, cfg.Relay.Host)
	cfg.Relay.Port = intOr(env.RelayPort, cfg.Relay.Port)
	cfg.Relay.IdentityFile = stringOr(env.IdentityFile, cfg.Relay.IdentityFile)
	cfg.Relay.CertificateFile = stringOr(env.CertificateFile, cfg.Relay.CertificateFile)
	cfg.Control.URL = stringOr(env.ControlURL, cfg.Control.URL)
	cfg.Containers.DockerHost = stringOr(env.DockerHost, cfg.Containers.DockerHost)
	if env.RelayTimeout > 0 {
		cfg.Relay.Timeout = env.RelayTimeout
	}
	if env.SweepInterval > 0 {
		cfg.Tunnel.SweepInterval = env.SweepInterval
	}
	return nil
}
