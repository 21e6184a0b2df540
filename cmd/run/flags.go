package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper
// flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("workspace", defaultConfig.Workspace, "the workspace this process serves")
	bind("workspace", flags.Lookup("workspace"), "CORELAY_WORKSPACE")

	flags.Int("broadcast-threshold", defaultConfig.BroadcastThreshold, "per-bucket transaction count above which broadcast payloads collapse to a summary event")
	bind("broadcastThreshold", flags.Lookup("broadcast-threshold"), "CORELAY_BROADCAST_THRESHOLD")

	flags.Int("max-derive-depth", defaultConfig.MaxDeriveDepth, "upper bound on trigger re-entry depth")
	bind("maxDeriveDepth", flags.Lookup("max-derive-depth"), "CORELAY_MAX_DERIVE_DEPTH")

	flags.Duration("request-timeout", defaultConfig.RequestTimeout, "the upper bound for a single pipeline call")
	bind("requestTimeout", flags.Lookup("request-timeout"), "CORELAY_REQUEST_TIMEOUT")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	bind("log.format", flags.Lookup("log-format"), "CORELAY_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	bind("log.level", flags.Lookup("log-level"), "CORELAY_LOG_LEVEL")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	bind("metrics.enabled", flags.Lookup("metrics-enabled"), "CORELAY_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	bind("metrics.addr", flags.Lookup("metrics-addr"), "CORELAY_METRICS_ADDR")

	flags.String("fulltext-endpoint", defaultConfig.Fulltext.Endpoint, "the base URL of the full-text indexer, empty disables full-text search")
	bind("fulltext.endpoint", flags.Lookup("fulltext-endpoint"), "CORELAY_FULLTEXT_ENDPOINT")
}

// bind wires one flag to its viper config key and environment variable.
// Binding fails only on programmer error, so it panics.
func bind(key string, flag *pflag.Flag, env string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}
