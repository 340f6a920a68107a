// Package cmd wires the finger CLI: the daemon itself plus the small
// client commands that talk to a running daemon over its HTTP API.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fingerhq/finger/internal/config"
	"github.com/fingerhq/finger/internal/paths"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "finger",
	Short:   "Local multi-agent orchestration daemon",
	Long: `Finger runs coding agents as supervised child processes and routes
messages between them through a central hub. The daemon exposes an HTTP
API and a websocket event stream; the other subcommands are thin clients
against a running daemon.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.finger/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("http_port", defaults.HTTPPort)
	viper.SetDefault("ws_port", defaults.WSPort)
	viper.SetDefault("gateway_dir", defaults.GatewayDir)
	viper.SetDefault("allow_direct_route", defaults.AllowDirectRoute)
	viper.SetDefault("primary_target", defaults.PrimaryTarget)
	viper.SetDefault("blocking.timeout_ms", defaults.Blocking.TimeoutMs)
	viper.SetDefault("blocking.max_retries", defaults.Blocking.MaxRetries)
	viper.SetDefault("blocking.retry_base_ms", defaults.Blocking.RetryBaseMs)
	viper.SetDefault("supervisor.check_interval_ms", defaults.Supervisor.CheckIntervalMs)
	viper.SetDefault("supervisor.heartbeat_timeout_ms", defaults.Supervisor.HeartbeatTimeoutMs)
	viper.SetDefault("supervisor.max_restarts", defaults.Supervisor.MaxRestarts)
	viper.SetDefault("supervisor.restart_backoff_ms", defaults.Supervisor.RestartBackoffMs)
	viper.SetDefault("orchestrator.max_rounds", defaults.Orchestrator.MaxRounds)
	viper.SetDefault("orchestrator.max_rejections", defaults.Orchestrator.MaxRejections)
	viper.SetDefault("orchestrator.on_stuck", defaults.Orchestrator.OnStuck)
	viper.SetDefault("orchestrator.format_fix_retries", defaults.Orchestrator.FormatFixRetries)
	viper.SetDefault("gateway.ack_timeout_ms", defaults.Gateway.AckTimeoutMs)
	viper.SetDefault("gateway.result_timeout_ms", defaults.Gateway.ResultTimeoutMs)
	viper.SetDefault("session.compress_threshold", defaults.Session.CompressThreshold)
	viper.SetDefault("snapshot.interval_ms", defaults.Snapshot.IntervalMs)
	viper.SetDefault("events.ring_capacity", defaults.Events.RingCapacity)
	viper.SetDefault("logs.rotate_bytes", defaults.Logs.RotateBytes)
	viper.SetDefault("logs.keep_files", defaults.Logs.KeepFiles)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .finger/config.yaml (current directory)
		// 2. ~/.finger/config.yaml (daemon home)
		if _, err := os.Stat(".finger/config.yaml"); err == nil {
			viper.SetConfigFile(".finger/config.yaml")
		} else if home, err := paths.Home(); err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file anywhere - write the commented default template
		// into the daemon home so the user has something to edit.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if home, herr := paths.Home(); herr == nil {
				defaultPath := paths.ConfigFile(home)
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
				// If write fails, just continue with defaults (no config file)
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
	config.ApplyEnvOverrides(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
