// Package config provides configuration types and defaults for the finger daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fingerhq/finger/internal/log"
)

// Config holds all configuration options for the daemon.
type Config struct {
	HTTPPort         int    `mapstructure:"http_port"`
	WSPort           int    `mapstructure:"ws_port"`
	HomeDir          string `mapstructure:"home_dir"`
	GatewayDir       string `mapstructure:"gateway_dir"`
	AllowDirectRoute bool   `mapstructure:"allow_direct_route"`
	PrimaryTarget    string `mapstructure:"primary_target"`

	Blocking     BlockingConfig     `mapstructure:"blocking"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Session      SessionConfig      `mapstructure:"session"`
	Snapshot     SnapshotConfig     `mapstructure:"snapshot"`
	Events       EventsConfig       `mapstructure:"events"`
	Logs         LogsConfig         `mapstructure:"logs"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// BlockingConfig tunes blocking message delivery over HTTP.
type BlockingConfig struct {
	TimeoutMs   int `mapstructure:"timeout_ms"`
	MaxRetries  int `mapstructure:"max_retries"`
	RetryBaseMs int `mapstructure:"retry_base_ms"`
}

// Timeout returns the blocking delivery timeout as a duration.
func (b BlockingConfig) Timeout() time.Duration { return msDuration(b.TimeoutMs) }

// RetryBase returns the base retry delay as a duration.
func (b BlockingConfig) RetryBase() time.Duration { return msDuration(b.RetryBaseMs) }

// SupervisorConfig tunes module lifecycle management.
type SupervisorConfig struct {
	CheckIntervalMs    int `mapstructure:"check_interval_ms"`
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	MaxRestarts        int `mapstructure:"max_restarts"`
	RestartBackoffMs   int `mapstructure:"restart_backoff_ms"`
}

// CheckInterval returns the health poll interval as a duration.
func (s SupervisorConfig) CheckInterval() time.Duration { return msDuration(s.CheckIntervalMs) }

// HeartbeatTimeout returns the heartbeat staleness bound as a duration.
func (s SupervisorConfig) HeartbeatTimeout() time.Duration { return msDuration(s.HeartbeatTimeoutMs) }

// RestartBackoff returns the base restart backoff as a duration.
func (s SupervisorConfig) RestartBackoff() time.Duration { return msDuration(s.RestartBackoffMs) }

// OrchestratorConfig tunes the reasoning loop's termination bounds.
type OrchestratorConfig struct {
	MaxRounds        int `mapstructure:"max_rounds"`
	MaxRejections    int `mapstructure:"max_rejections"`
	OnStuck          int `mapstructure:"on_stuck"`
	FormatFixRetries int `mapstructure:"format_fix_retries"`
}

// GatewayConfig tunes child process request timeouts.
type GatewayConfig struct {
	AckTimeoutMs    int `mapstructure:"ack_timeout_ms"`
	ResultTimeoutMs int `mapstructure:"result_timeout_ms"`
}

// AckTimeout returns the async acknowledgment timeout as a duration.
func (g GatewayConfig) AckTimeout() time.Duration { return msDuration(g.AckTimeoutMs) }

// ResultTimeout returns the sync result timeout as a duration.
func (g GatewayConfig) ResultTimeout() time.Duration { return msDuration(g.ResultTimeoutMs) }

// SessionConfig tunes session persistence.
type SessionConfig struct {
	CompressThreshold int `mapstructure:"compress_threshold"`
}

// SnapshotConfig tunes registry snapshot persistence.
type SnapshotConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// Interval returns the snapshot cadence as a duration.
func (s SnapshotConfig) Interval() time.Duration { return msDuration(s.IntervalMs) }

// EventsConfig tunes the in-memory event ring.
type EventsConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// LogsConfig tunes the rotated JSONL log sink.
type LogsConfig struct {
	RotateBytes int64 `mapstructure:"rotate_bytes"`
	KeepFiles   int   `mapstructure:"keep_files"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <home>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Environment variable names honored by ApplyEnvOverrides. NODE_ENV is
// read directly by the route guard, not here.
const (
	EnvHubURL           = "FINGER_HUB_URL"
	EnvGatewayDir       = "FINGER_GATEWAY_DIR"
	EnvAllowDirectRoute = "FINGER_ALLOW_DIRECT_AGENT_ROUTE"
)

// DefaultHubURL is where CLI commands reach a running daemon unless
// FINGER_HUB_URL overrides it.
const DefaultHubURL = "http://localhost:5521"

// HubURL returns the daemon base URL for CLI clients.
func HubURL() string {
	if u := os.Getenv(EnvHubURL); u != "" {
		return u
	}
	return DefaultHubURL
}

// ApplyEnvOverrides applies FINGER_* environment variables on top of the
// loaded configuration. Environment wins over file values.
func ApplyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(EnvGatewayDir); dir != "" {
		cfg.GatewayDir = dir
	}
	if v := os.Getenv(EnvAllowDirectRoute); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowDirectRoute = b
		}
	}
}

// Defaults returns a Config with the daemon's stock values.
func Defaults() Config {
	return Config{
		HTTPPort:         5521,
		WSPort:           5522,
		HomeDir:          "", // Resolved through paths.Home at startup
		GatewayDir:       "",
		AllowDirectRoute: false,
		PrimaryTarget:    "chat-codex-gateway",
		Blocking: BlockingConfig{
			TimeoutMs:   60000,
			MaxRetries:  2,
			RetryBaseMs: 1000,
		},
		Supervisor: SupervisorConfig{
			CheckIntervalMs:    10000,
			HeartbeatTimeoutMs: 60000,
			MaxRestarts:        5,
			RestartBackoffMs:   1000,
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds:        30,
			MaxRejections:    4,
			OnStuck:          3,
			FormatFixRetries: 3,
		},
		Gateway: GatewayConfig{
			AckTimeoutMs:    3000,
			ResultTimeoutMs: 60000,
		},
		Session: SessionConfig{
			CompressThreshold: 50,
		},
		Snapshot: SnapshotConfig{
			IntervalMs: 30000,
		},
		Events: EventsConfig{
			RingCapacity: 1000,
		},
		Logs: LogsConfig{
			RotateBytes: 10 * 1024 * 1024,
			KeepFiles:   30,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from home dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the full configuration for errors.
func Validate(cfg Config) error {
	if err := ValidatePorts(cfg); err != nil {
		return err
	}
	if err := ValidateBlocking(cfg.Blocking); err != nil {
		return err
	}
	if err := ValidateSupervisor(cfg.Supervisor); err != nil {
		return err
	}
	if err := ValidateOrchestrator(cfg.Orchestrator); err != nil {
		return err
	}
	if err := ValidateGateway(cfg.Gateway); err != nil {
		return err
	}
	if cfg.Session.CompressThreshold <= 0 {
		return fmt.Errorf("session.compress_threshold must be positive, got %d", cfg.Session.CompressThreshold)
	}
	if cfg.Snapshot.IntervalMs <= 0 {
		return fmt.Errorf("snapshot.interval_ms must be positive, got %d", cfg.Snapshot.IntervalMs)
	}
	if cfg.Events.RingCapacity <= 0 {
		return fmt.Errorf("events.ring_capacity must be positive, got %d", cfg.Events.RingCapacity)
	}
	if cfg.Logs.RotateBytes <= 0 || cfg.Logs.KeepFiles <= 0 {
		return fmt.Errorf("logs.rotate_bytes and logs.keep_files must be positive, got %d and %d", cfg.Logs.RotateBytes, cfg.Logs.KeepFiles)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidatePorts checks the HTTP and websocket listen ports.
func ValidatePorts(cfg Config) error {
	for name, port := range map[string]int{"http_port": cfg.HTTPPort, "ws_port": cfg.WSPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be in 1..65535, got %d", name, port)
		}
	}
	if cfg.HTTPPort == cfg.WSPort {
		return fmt.Errorf("http_port and ws_port must differ, both are %d", cfg.HTTPPort)
	}
	return nil
}

// ValidateBlocking checks blocking delivery settings.
func ValidateBlocking(b BlockingConfig) error {
	if b.TimeoutMs <= 0 {
		return fmt.Errorf("blocking.timeout_ms must be positive, got %d", b.TimeoutMs)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("blocking.max_retries must not be negative, got %d", b.MaxRetries)
	}
	if b.RetryBaseMs <= 0 {
		return fmt.Errorf("blocking.retry_base_ms must be positive, got %d", b.RetryBaseMs)
	}
	return nil
}

// ValidateSupervisor checks lifecycle settings. Heartbeat timeouts under
// 30 seconds would race the agents' own 30-second heartbeat cadence.
func ValidateSupervisor(s SupervisorConfig) error {
	if s.CheckIntervalMs <= 0 {
		return fmt.Errorf("supervisor.check_interval_ms must be positive, got %d", s.CheckIntervalMs)
	}
	if s.HeartbeatTimeoutMs < 30000 {
		return fmt.Errorf("supervisor.heartbeat_timeout_ms must be at least 30000, got %d", s.HeartbeatTimeoutMs)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative, got %d", s.MaxRestarts)
	}
	if s.RestartBackoffMs <= 0 {
		return fmt.Errorf("supervisor.restart_backoff_ms must be positive, got %d", s.RestartBackoffMs)
	}
	return nil
}

// ValidateOrchestrator checks reasoning loop bounds.
func ValidateOrchestrator(o OrchestratorConfig) error {
	if o.MaxRounds <= 0 {
		return fmt.Errorf("orchestrator.max_rounds must be positive, got %d", o.MaxRounds)
	}
	if o.MaxRejections <= 0 {
		return fmt.Errorf("orchestrator.max_rejections must be positive, got %d", o.MaxRejections)
	}
	if o.OnStuck <= 0 {
		return fmt.Errorf("orchestrator.on_stuck must be positive, got %d", o.OnStuck)
	}
	if o.FormatFixRetries < 0 {
		return fmt.Errorf("orchestrator.format_fix_retries must not be negative, got %d", o.FormatFixRetries)
	}
	return nil
}

// ValidateGateway checks child process timeouts.
func ValidateGateway(g GatewayConfig) error {
	if g.AckTimeoutMs <= 0 {
		return fmt.Errorf("gateway.ack_timeout_ms must be positive, got %d", g.AckTimeoutMs)
	}
	if g.ResultTimeoutMs <= 0 {
		return fmt.Errorf("gateway.result_timeout_ms must be positive, got %d", g.ResultTimeoutMs)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultTracesFilePath returns the stock trace file location under the
// given home directory.
func DefaultTracesFilePath(home string) string {
	return filepath.Join(home, "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Finger Daemon Configuration

# HTTP API port (CLI and agents talk to this)
http_port: 5521

# Websocket event stream port
ws_port: 5522

# Daemon home directory (default: ~/.finger)
# home_dir: /path/to/home

# Directory of gateway manifests (*.yaml). Manifests dropped here are
# picked up live and registered as modules.
# gateway_dir: /path/to/gateways

# Allow /api/v1/agent/* requests to bypass the primary orchestrator and
# reach agent modules directly (default: false)
allow_direct_route: false

# Module that owns user-facing conversations
primary_target: chat-codex-gateway

# Blocking message delivery
blocking:
  timeout_ms: 60000    # How long a blocking send may run end to end
  max_retries: 2       # Retries after a failed blocking delivery
  retry_base_ms: 1000  # Backoff base; delay doubles per attempt, capped at 30s

# Module lifecycle supervision
supervisor:
  check_interval_ms: 10000     # Health poll cadence
  heartbeat_timeout_ms: 60000  # Heartbeat staleness bound (minimum 30000)
  max_restarts: 5              # Restart budget per module
  restart_backoff_ms: 1000     # Backoff base; doubles per restart, capped at 60s

# Reasoning loop bounds
orchestrator:
  max_rounds: 30         # Hard stop on loop length
  max_rejections: 4      # Consecutive invalid responses before failing
  on_stuck: 3            # Identical no-progress rounds before failing
  format_fix_retries: 3  # Re-prompts with a schema hint after a parse failure

# Child process gateways
gateway:
  ack_timeout_ms: 3000      # Async requests wait this long for acceptance
  result_timeout_ms: 60000  # Sync requests wait this long for a result

# Session persistence
session:
  compress_threshold: 50  # Messages kept verbatim; older ones are summarized

# Registry snapshot persistence
snapshot:
  interval_ms: 30000  # Snapshot cadence; writes are skipped when clean

# Event stream
events:
  ring_capacity: 1000  # In-memory tail served to late subscribers

# Rotated JSONL logs under <home>/logs
logs:
  rotate_bytes: 10485760  # 10 MB per file
  keep_files: 30

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   file_path: ~/.finger/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
