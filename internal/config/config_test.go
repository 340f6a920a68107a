package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, 5521, cfg.HTTPPort)
	require.Equal(t, 5522, cfg.WSPort)
	require.Equal(t, "chat-codex-gateway", cfg.PrimaryTarget)
	require.False(t, cfg.AllowDirectRoute)

	require.Equal(t, 60000, cfg.Blocking.TimeoutMs)
	require.Equal(t, 2, cfg.Blocking.MaxRetries)
	require.Equal(t, 10000, cfg.Supervisor.CheckIntervalMs)
	require.Equal(t, 60000, cfg.Supervisor.HeartbeatTimeoutMs)
	require.Equal(t, 5, cfg.Supervisor.MaxRestarts)
	require.Equal(t, 30, cfg.Orchestrator.MaxRounds)
	require.Equal(t, 4, cfg.Orchestrator.MaxRejections)
	require.Equal(t, 3, cfg.Orchestrator.OnStuck)
	require.Equal(t, 3000, cfg.Gateway.AckTimeoutMs)
	require.Equal(t, 60000, cfg.Gateway.ResultTimeoutMs)
	require.Equal(t, 50, cfg.Session.CompressThreshold)
	require.Equal(t, 30000, cfg.Snapshot.IntervalMs)

	require.NoError(t, Validate(cfg), "defaults must validate")
}

func TestValidatePorts(t *testing.T) {
	cfg := Defaults()

	cfg.HTTPPort = 0
	require.Error(t, ValidatePorts(cfg))

	cfg.HTTPPort = 70000
	require.Error(t, ValidatePorts(cfg))

	cfg.HTTPPort = 5522 // collides with ws_port
	err := ValidatePorts(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must differ")
}

func TestValidateSupervisor_HeartbeatFloor(t *testing.T) {
	s := Defaults().Supervisor

	s.HeartbeatTimeoutMs = 29999
	err := ValidateSupervisor(s)
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 30000")

	s.HeartbeatTimeoutMs = 30000
	require.NoError(t, ValidateSupervisor(s))
}

func TestValidateOrchestrator(t *testing.T) {
	o := Defaults().Orchestrator

	o.MaxRounds = 0
	require.Error(t, ValidateOrchestrator(o))

	o = Defaults().Orchestrator
	o.FormatFixRetries = -1
	require.Error(t, ValidateOrchestrator(o))
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 1.0}))

	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sample_rate")

	err = ValidateTracing(TracingConfig{Exporter: "jaeger", SampleRate: 1.0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exporter")

	err = ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 1.0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "otlp_endpoint")
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()

	t.Setenv(EnvGatewayDir, "/opt/gateways")
	t.Setenv(EnvAllowDirectRoute, "true")

	ApplyEnvOverrides(&cfg)
	require.Equal(t, "/opt/gateways", cfg.GatewayDir)
	require.True(t, cfg.AllowDirectRoute)
}

func TestApplyEnvOverrides_IgnoresGarbageBool(t *testing.T) {
	cfg := Defaults()
	cfg.AllowDirectRoute = false

	t.Setenv(EnvAllowDirectRoute, "banana")
	ApplyEnvOverrides(&cfg)
	require.False(t, cfg.AllowDirectRoute)
}

func TestHubURL(t *testing.T) {
	t.Setenv(EnvHubURL, "")
	require.Equal(t, DefaultHubURL, HubURL())

	t.Setenv(EnvHubURL, "http://10.0.0.2:9000")
	require.Equal(t, "http://10.0.0.2:9000", HubURL())
}

func TestBlockingConfig_Durations(t *testing.T) {
	b := BlockingConfig{TimeoutMs: 1500, RetryBaseMs: 250}
	require.Equal(t, int64(1500), b.Timeout().Milliseconds())
	require.Equal(t, int64(250), b.RetryBase().Milliseconds())
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "http_port: 5521")
	require.Contains(t, string(data), "primary_target: chat-codex-gateway")
}
