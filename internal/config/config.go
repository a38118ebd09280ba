// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	Provisioner   ProvisionerConfig    `json:"provisioner" yaml:"provisioner"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Bridge        BridgeConfig         `json:"bridge" yaml:"bridge"`
	Monitor       *MonitorConfig       `json:"monitor,omitempty" yaml:"monitor,omitempty"`             // nil = periodic health monitoring disabled
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = SQLite default (derived from workspace)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	API           *APIConfig           `json:"api,omitempty" yaml:"api,omitempty"`                     // nil = control API disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// ProvisionerConfig bounds the provisioning loop.
type ProvisionerConfig struct {
	MaxIterations        int `json:"max_iterations" yaml:"max_iterations"`                 // Default: 10.
	HealthTimeoutSeconds int `json:"health_timeout_seconds" yaml:"health_timeout_seconds"` // Per-iteration health wait. Default: 60.
	HealthPollSeconds    int `json:"health_poll_seconds" yaml:"health_poll_seconds"`       // Default: 2.
	BasePort             int `json:"base_port" yaml:"base_port"`                           // First host port assigned to sandboxes. Default: 7600.
}

// Iterations returns the iteration cap with a default of 10.
func (p *ProvisionerConfig) Iterations() int {
	if p.MaxIterations > 0 {
		return p.MaxIterations
	}
	return 10
}

// HealthTimeout returns the per-iteration health wait with a default of 60s.
func (p *ProvisionerConfig) HealthTimeout() time.Duration {
	if p.HealthTimeoutSeconds > 0 {
		return time.Duration(p.HealthTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// HealthPoll returns the health poll interval with a default of 2s.
func (p *ProvisionerConfig) HealthPoll() time.Duration {
	if p.HealthPollSeconds > 0 {
		return time.Duration(p.HealthPollSeconds) * time.Second
	}
	return 2 * time.Second
}

// PortBase returns the first assignable host port with a default of 7600.
func (p *ProvisionerConfig) PortBase() int {
	if p.BasePort > 0 {
		return p.BasePort
	}
	return 7600
}

// SandboxConfig selects and constrains the sandbox backend.
type SandboxConfig struct {
	Type           string  `json:"type" yaml:"type"` // "docker" (default) or "process".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // Docker --cpus flag. 0 = 1.0 default.
	MaxMemoryMB    int     `json:"max_memory_mb" yaml:"max_memory_mb"`     // 0 = 2048 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // Docker --pids-limit flag. 0 = 256 default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // Sandboxes need network for dependency installs; default true via Load.
}

// Backend returns the sandbox type with a default of "docker".
func (s *SandboxConfig) Backend() string {
	if s.Type != "" {
		return s.Type
	}
	return "docker"
}

// CPUs returns the CPU allowance with a default of 1.0.
func (s *SandboxConfig) CPUs() float64 {
	if s.CPUCores > 0 {
		return s.CPUCores
	}
	return 1.0
}

// MemoryMB returns the memory cap with a default of 2048.
func (s *SandboxConfig) MemoryMB() int {
	if s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 2048
}

// PIDs returns the pids limit with a default of 256.
func (s *SandboxConfig) PIDs() int {
	if s.PIDsLimit > 0 {
		return s.PIDsLimit
	}
	return 256
}

// BridgeConfig configures the in-sandbox tool server.
type BridgeConfig struct {
	Port               int      `json:"port" yaml:"port"`                                 // In-sandbox listen port. Default: 8700.
	WorkspaceDir       string   `json:"workspace_dir" yaml:"workspace_dir"`               // Default: "/workspace".
	AllowedPaths       []string `json:"allowed_paths" yaml:"allowed_paths"`               // Default: ["/workspace", "/opt"].
	LogRingSize        int      `json:"log_ring_size" yaml:"log_ring_size"`               // Default: 1000.
	ExecTimeoutSeconds int      `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"` // Default exec_run timeout. Default: 60.
	MaxOutputBytes     int64    `json:"max_output_bytes" yaml:"max_output_bytes"`         // Captured output cap. Default: 1 MB.
}

// ListenPort returns the in-sandbox port with a default of 8700.
func (b *BridgeConfig) ListenPort() int {
	if b.Port > 0 {
		return b.Port
	}
	return 8700
}

// Workspace returns the workspace mount point with a default of "/workspace".
func (b *BridgeConfig) Workspace() string {
	if b.WorkspaceDir != "" {
		return b.WorkspaceDir
	}
	return "/workspace"
}

// Allowed returns the path allowlist, defaulting to the workspace mount
// and the skill install root.
func (b *BridgeConfig) Allowed() []string {
	if len(b.AllowedPaths) > 0 {
		return b.AllowedPaths
	}
	return []string{b.Workspace(), "/opt"}
}

// RingSize returns the log ring capacity with a default of 1000.
func (b *BridgeConfig) RingSize() int {
	if b.LogRingSize > 0 {
		return b.LogRingSize
	}
	return 1000
}

// ExecTimeout returns the default command timeout with a default of 60s.
func (b *BridgeConfig) ExecTimeout() time.Duration {
	if b.ExecTimeoutSeconds > 0 {
		return time.Duration(b.ExecTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// OutputCap returns the captured output limit with a default of 1 MB.
func (b *BridgeConfig) OutputCap() int64 {
	if b.MaxOutputBytes > 0 {
		return b.MaxOutputBytes
	}
	return 1 << 20
}

// MonitorConfig configures the periodic health re-check of ready sandboxes.
// When nil, sandboxes are only health-checked during provisioning.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression or @every spec. Default: "@every 30s".
}

// CronSchedule returns the monitor schedule with a default of "@every 30s".
func (m *MonitorConfig) CronSchedule() string {
	if m != nil && m.Schedule != "" {
		return m.Schedule
	}
	return "@every 30s"
}

// AuditConfig configures the provisioning attempt store.
// When nil, defaults to SQLite with the database path derived from the workspace.
type AuditConfig struct {
	Driver   string               `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteAuditConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresAuditConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// AuditDriver returns the configured driver, defaulting to "sqlite".
func (a *AuditConfig) AuditDriver() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// SQLiteAuditConfig holds SQLite-specific settings.
type SQLiteAuditConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresAuditConfig holds PostgreSQL-specific settings.
type PostgresAuditConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: NGOME_AUDIT_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// APIConfig configures the control-plane HTTP API.
// When nil, the API server is not started.
type APIConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":9090".
	APIKey              string          `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // Override: NGOME_API_KEY env var. Empty = no auth.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`                       // Serve OpenAPI docs.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`                         // Zero value = unlimited.
}

// RateLimitConfig bounds request rates per client.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// Addr returns the listen address with a default of ":9090".
func (a *APIConfig) Addr() string {
	if a != nil && a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":9090"
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (a *APIConfig) MaxRequestSize() int64 {
	if a != nil && a.MaxRequestSizeBytes > 0 {
		return a.MaxRequestSizeBytes
	}
	return 1 << 20
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	DotenvPath string `json:"dotenv_path,omitempty" yaml:"dotenv_path,omitempty"` // Path to a dotenv secrets file. Empty = no file provider.
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Tokens can be set in the config file or overridden by environment variables.
// Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Defaults()
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config usable without any config file.
func Defaults() *Config {
	return &Config{
		Sandbox: SandboxConfig{NetworkAllowed: true},
	}
}

// applyEnvOverrides applies environment variable overrides.
// Env vars take precedence over config file values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("NGOME_WORKSPACE"); env != "" {
		cfg.Workspace = env
	}
	if env := os.Getenv("NGOME_API_KEY"); env != "" {
		if cfg.API == nil {
			cfg.API = &APIConfig{Enabled: true}
		}
		cfg.API.APIKey = env
	}
	if env := os.Getenv("NGOME_AUDIT_DSN"); env != "" {
		if cfg.Audit == nil {
			cfg.Audit = &AuditConfig{Driver: "postgres"}
		}
		if cfg.Audit.Postgres == nil {
			cfg.Audit.Postgres = &PostgresAuditConfig{}
		}
		cfg.Audit.Postgres.DSN = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Sandbox.Backend() {
	case "docker", "process":
		// valid
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Provisioner.MaxIterations < 0 {
		return fmt.Errorf("provisioner.max_iterations must not be negative")
	}
	if c.Provisioner.MaxIterations > 50 {
		return fmt.Errorf("provisioner.max_iterations %d exceeds the hard cap of 50", c.Provisioner.MaxIterations)
	}
	if c.Provisioner.BasePort < 0 || c.Provisioner.BasePort > 65535 {
		return fmt.Errorf("provisioner.base_port must be a valid port")
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be a valid port")
	}
	for _, p := range c.Bridge.AllowedPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("bridge.allowed_paths entry %q must be absolute", p)
		}
	}
	if c.Audit != nil && c.Audit.Driver != "" {
		switch c.Audit.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
		}
		if c.Audit.Driver == "postgres" && (c.Audit.Postgres == nil || c.Audit.Postgres.DSN == "") {
			return fmt.Errorf("audit.postgres.dsn is required for the postgres driver (or set NGOME_AUDIT_DSN)")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
