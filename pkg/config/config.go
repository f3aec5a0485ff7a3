package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyrup-ai/kodegend/pkg/log"
)

// Config is the top-level daemon configuration
type Config struct {
	// ServicesDir is an auxiliary directory scanned for per-worker
	// descriptor files
	ServicesDir string `yaml:"services_dir,omitempty"`

	// LogDir is where worker stdout/stderr sinks are written
	LogDir string `yaml:"log_dir,omitempty"`

	DefaultUser  string `yaml:"default_user,omitempty"`
	DefaultGroup string `yaml:"default_group,omitempty"`

	// AutoRestart, when true, enables restart for every worker; a worker's
	// own auto_restart: false does not override it. When false, each
	// worker's own setting applies.
	AutoRestart bool `yaml:"auto_restart"`

	Workers []Worker `yaml:"services"`

	Fleet []FleetMember `yaml:"fleet_servers"`

	// MCPBind is the MCP streamable HTTP transport binding (host:port).
	// The daemon serves /metrics, /health and /ready on it.
	MCPBind string `yaml:"mcp_bind,omitempty"`
}

// Worker describes one supervised worker process
type Worker struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	AutoRestart bool              `yaml:"auto_restart"`
	User        string            `yaml:"user,omitempty"`
	Group       string            `yaml:"group,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	HealthCheck *HealthCheck      `yaml:"health_check,omitempty"`
	LogRotation *LogRotation      `yaml:"log_rotation,omitempty"`
}

// HealthCheck configures periodic health verification of a worker
type HealthCheck struct {
	// Type is one of http, tcp, script
	Type string `yaml:"type"`

	// Target is a URL (http), host:port (tcp) or command line (script)
	Target string `yaml:"target"`

	IntervalSecs int `yaml:"interval_secs"`
	TimeoutSecs  int `yaml:"timeout_secs"`
	Retries      int `yaml:"retries"`

	// ExpectedResponse, when set, must appear in the probe output
	ExpectedResponse string `yaml:"expected_response,omitempty"`

	// OnFailure commands run after a check is declared failed
	OnFailure []string `yaml:"on_failure,omitempty"`
}

// LogRotation configures the worker's stdout/stderr sinks
type LogRotation struct {
	MaxSizeMB    int  `yaml:"max_size_mb"`
	MaxFiles     int  `yaml:"max_files"`
	IntervalDays int  `yaml:"interval_days"`
	Compress     bool `yaml:"compress"`
	Timestamp    bool `yaml:"timestamp"`
}

// FleetMember describes one embedded tool server
type FleetMember struct {
	Name   string `yaml:"name"`
	Binary string `yaml:"binary"`
	Port   int    `yaml:"port"`

	// Enabled defaults to true when omitted
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the member should be started
func (m FleetMember) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Default returns the configuration written on first run
func Default() *Config {
	return &Config{
		ServicesDir: "/etc/kodegend/services",
		LogDir:      "/var/log/kodegend",
		DefaultUser: "kodegend",
		AutoRestart: true,
		MCPBind:     "0.0.0.0:33399",
		Fleet:       defaultFleet(),
	}
}

func defaultFleet() []FleetMember {
	names := []string{
		"browser",
		"citescrape",
		"claude-agent",
		"config",
		"database",
		"filesystem",
		"git",
		"github",
		"introspection",
		"process",
		"prompt",
		"reasoner",
		"sequential-thinking",
		"terminal",
		"candle-agent",
	}

	members := make([]FleetMember, 0, len(names))
	port := 30438
	for _, name := range names {
		members = append(members, FleetMember{
			Name:   name,
			Binary: "kodegen-" + name,
			Port:   port,
		})
		port++
	}
	return members
}

// DefaultPath returns the config file location. system selects the machine-wide
// path; otherwise the per-user config directory is used.
func DefaultPath(system bool) (string, error) {
	if system {
		return "/etc/kodegend/kodegend.yaml", nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(dir, "kodegend", "kodegend.yaml"), nil
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrCreate loads the config at path, writing a default-valued file first
// if none exists
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Logger.Info().Str("path", path).Msg("config not found, creating default configuration")

		if err := Default().Save(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// Save writes the config to path, creating parent directories as needed
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks structural invariants of the config
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker with empty name")
		}
		if w.Command == "" {
			return fmt.Errorf("worker %q has no command", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true

		if hc := w.HealthCheck; hc != nil {
			switch hc.Type {
			case "http", "tcp", "script":
			default:
				return fmt.Errorf("worker %q: unknown health check type %q", w.Name, hc.Type)
			}
		}
	}

	ports := make(map[int]string)
	for _, m := range c.Fleet {
		if m.Name == "" {
			return fmt.Errorf("fleet member with empty name")
		}
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("fleet member %q: port %d out of range", m.Name, m.Port)
		}
		if other, ok := ports[m.Port]; ok {
			return fmt.Errorf("fleet members %q and %q share port %d", other, m.Name, m.Port)
		}
		ports[m.Port] = m.Name
	}
	return nil
}

// LoadServicesDir scans dir for per-worker descriptor files. Files that fail
// to parse are logged and skipped; a missing directory yields no workers.
func LoadServicesDir(dir string) []Worker {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var workers []Worker
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Logger.Error().Err(err).Str("path", path).Msg("failed to read service file")
			continue
		}

		var w Worker
		if err := yaml.Unmarshal(data, &w); err != nil {
			log.Logger.Error().Err(err).Str("path", path).Msg("failed to parse service file")
			continue
		}
		if w.Name == "" || w.Command == "" {
			log.Logger.Error().Str("path", path).Msg("service file missing name or command, skipping")
			continue
		}

		log.Logger.Info().Str("service", w.Name).Str("path", path).Msg("loaded service definition")
		workers = append(workers, w)
	}
	return workers
}

// DiscoverCertificates returns TLS cert/key paths from the standard install
// locations, or empty strings when HTTPS is not available.
func DiscoverCertificates() (certPath, keyPath string) {
	const certFile = "server.crt"
	const keyFile = "server.key"

	for _, dir := range certSearchPaths() {
		cert := filepath.Join(dir, certFile)
		key := filepath.Join(dir, keyFile)
		if fileExists(cert) && fileExists(key) {
			log.Logger.Info().Str("cert", cert).Str("key", key).Msg("auto-discovered TLS certificates")
			return cert, key
		}
	}

	log.Logger.Info().Msg("no TLS certificates found in standard locations, HTTPS will not be available")
	return "", ""
}

func certSearchPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		paths := []string{"/usr/local/var/kodegen/certs"}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, "Library", "Application Support", "kodegen", "certs"))
		}
		return paths
	case "windows":
		paths := []string{`C:\ProgramData\Kodegen\certs`}
		if dir, err := os.UserConfigDir(); err == nil {
			paths = append(paths, filepath.Join(dir, "Kodegen", "certs"))
		}
		return paths
	default:
		paths := []string{"/var/lib/kodegen/certs"}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".local", "share", "kodegen", "certs"))
		}
		return paths
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
