package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses MDCFS_CONFIG_DIR env var if set, otherwise defaults to ~/.mdcfs.
// Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("MDCFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mdcfs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path for daemon IPC.
func SocketPath() string {
	return filepath.Join(getConfigDir(), "daemon.sock")
}

// PidPath returns the PID file path.
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LockPath returns the lock file path.
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// LogPath returns the log file path.
// Uses MDCFS_DAEMON_LOG env var if set, otherwise config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("MDCFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// ConfigPath returns the server config file path.
func ConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// Backend types for exports.
const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
)

// ExportConfig describes one export in the server config.
type ExportConfig struct {
	Name    string   `yaml:"name"`
	Backend string   `yaml:"backend"`        // "memory" or "sqlite"
	Path    string   `yaml:"path,omitempty"` // sqlite: database file, relative to config dir
	Hide    []string `yaml:"hide,omitempty"` // gitignore-style patterns hidden from clients
}

// ServerConfig is the daemon configuration from config_dir/config.yaml.
type ServerConfig struct {
	LogLevel string `yaml:"log_level"` // trace, debug, info, warn, none
	Listen   string `yaml:"listen"`    // bind address for NFS listeners
	BasePort int    `yaml:"base_port"` // first export port; each export gets base_port+i

	AttrTTLSeconds   int `yaml:"attr_ttl_seconds"`   // attribute cache TTL; negative = cache until invalidated
	MaxProbes        int `yaml:"max_probes"`         // 0 = package default
	CleanupQueueSize int `yaml:"cleanup_queue_size"` // 0 = package default
	ReapSeconds      int `yaml:"reap_seconds"`       // detached-entry reap interval

	Exports []ExportConfig `yaml:"exports"`
}

// AttrTTL returns the attribute cache TTL as a duration. A negative
// setting disables expiry (invalidation-only caching).
func (cfg *ServerConfig) AttrTTL() time.Duration {
	if cfg.AttrTTLSeconds < 0 {
		return 0
	}
	return time.Duration(cfg.AttrTTLSeconds) * time.Second
}

// ReapInterval returns the reap interval as a duration.
func (cfg *ServerConfig) ReapInterval() time.Duration {
	return time.Duration(cfg.ReapSeconds) * time.Second
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *ServerConfig) ApplyDefaults() {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = 20490
	}
	if cfg.AttrTTLSeconds == 0 {
		cfg.AttrTTLSeconds = 5
	}
	if cfg.ReapSeconds == 0 {
		cfg.ReapSeconds = 30
	}
	if cfg.Exports == nil {
		cfg.Exports = []ExportConfig{{Name: "default", Backend: BackendMemory}}
	}
	for i := range cfg.Exports {
		if cfg.Exports[i].Backend == "" {
			cfg.Exports[i].Backend = BackendMemory
		}
	}
}

// Validate rejects configs the daemon cannot serve.
func (cfg *ServerConfig) Validate() error {
	seen := make(map[string]bool, len(cfg.Exports))
	for _, e := range cfg.Exports {
		if e.Name == "" {
			return fmt.Errorf("export with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate export name %q", e.Name)
		}
		seen[e.Name] = true
		switch e.Backend {
		case BackendMemory:
		case BackendSqlite:
			if e.Path == "" {
				return fmt.Errorf("export %q: sqlite backend requires a path", e.Name)
			}
		default:
			return fmt.Errorf("export %q: unknown backend %q", e.Name, e.Backend)
		}
	}
	return nil
}

// LoadServerConfig loads the server config from config_dir/config.yaml.
// A missing file yields defaults.
func LoadServerConfig() (*ServerConfig, error) {
	return LoadServerConfigFromPath(ConfigPath())
}

// LoadServerConfigFromPath loads the server config from a specific path.
func LoadServerConfigFromPath(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveServerConfig writes the server config to config_dir/config.yaml.
func SaveServerConfig(cfg *ServerConfig) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# mdcfs daemon settings\n\n")
	return os.WriteFile(ConfigPath(), append(header, data...), 0600)
}
