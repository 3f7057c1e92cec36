package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the toolrun configuration
type Config struct {
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`
	Tools    ToolsConfig    `json:"tools" mapstructure:"tools"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`

	// Data directory for logs and the audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ExecutorConfig controls concurrency and background process teardown
type ExecutorConfig struct {
	PoolSize       int           `json:"pool_size" mapstructure:"pool_size"`
	StopGrace      time.Duration `json:"stop_grace" mapstructure:"stop_grace"`
	CleanupGrace   time.Duration `json:"cleanup_grace" mapstructure:"cleanup_grace"`
	ObserveTimeout time.Duration `json:"observe_timeout" mapstructure:"observe_timeout"`
}

// ToolsConfig controls the built-in tool store
type ToolsConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	MaxOutputBytes int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	WorkspaceRoot  string        `json:"workspace_root" mapstructure:"workspace_root"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			PoolSize:       4,
			StopGrace:      5 * time.Second,
			CleanupGrace:   2 * time.Second,
			ObserveTimeout: 500 * time.Millisecond,
		},
		Tools: ToolsConfig{
			DefaultTimeout: 30 * time.Second,
			MaxOutputBytes: 10 * 1024,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "toolrun",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Executor.PoolSize < 1 {
		return fmt.Errorf("executor.pool_size must be at least 1, got %d", c.Executor.PoolSize)
	}
	if c.Executor.StopGrace < 0 {
		return fmt.Errorf("executor.stop_grace cannot be negative")
	}
	if c.Executor.CleanupGrace < 0 {
		return fmt.Errorf("executor.cleanup_grace cannot be negative")
	}
	if c.Executor.ObserveTimeout < 0 {
		return fmt.Errorf("executor.observe_timeout cannot be negative")
	}
	if c.Tools.DefaultTimeout < 0 {
		return fmt.Errorf("tools.default_timeout cannot be negative")
	}
	if c.Tools.MaxOutputBytes < 0 {
		return fmt.Errorf("tools.max_output_bytes cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}
