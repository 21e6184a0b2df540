package run

import (
	"fmt"
	"time"
)

// LogConfig defines the configuration of the logger.
type LogConfig struct {
	// Format is the log output format ("text" or "json").
	Format string

	// Level is the log level ("none", "debug", "info", "warn", "error",
	// "panic", "fatal").
	Level string
}

// MetricsConfig defines the configuration of the prometheus endpoint.
type MetricsConfig struct {
	// Enabled enables/disables the metrics endpoint.
	Enabled bool

	// Addr is the host:port address to serve the metrics server on.
	Addr string
}

// FulltextConfig defines the connection to the external full-text index.
type FulltextConfig struct {
	// Endpoint is the base URL of the indexer. Empty disables full-text
	// search; $search queries then return empty results.
	Endpoint string
}

// Config defines the configuration of the corelay pipeline server.
type Config struct {
	// Workspace is the workspace this process serves.
	Workspace string

	// BroadcastThreshold is the per-bucket transaction count above which
	// broadcast payloads collapse to a summary event.
	BroadcastThreshold int

	// MaxDeriveDepth bounds trigger re-entry.
	MaxDeriveDepth int

	// RequestTimeout is the upper bound for a single pipeline call.
	RequestTimeout time.Duration

	Log      LogConfig
	Metrics  MetricsConfig
	Fulltext FulltextConfig
}

// Verify checks the config is valid before the server starts.
func (cfg *Config) Verify() error {
	if cfg.Workspace == "" {
		return fmt.Errorf("config 'workspace' must not be empty")
	}
	if cfg.BroadcastThreshold <= 0 {
		return fmt.Errorf("config 'broadcast-threshold' must be positive")
	}
	if cfg.MaxDeriveDepth <= 0 {
		return fmt.Errorf("config 'max-derive-depth' must be positive")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("config 'metrics.addr' must not be empty when metrics are enabled")
	}
	return nil
}

// DefaultConfig is the corelay server default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace:          "",
		BroadcastThreshold: 10000,
		MaxDeriveDepth:     10,
		RequestTimeout:     30 * time.Second,
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Fulltext: FulltextConfig{
			Endpoint: "",
		},
	}
}
