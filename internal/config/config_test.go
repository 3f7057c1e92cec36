package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, 4, cfg.Executor.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Executor.StopGrace)
	assert.Equal(t, 2*time.Second, cfg.Executor.CleanupGrace)
	assert.Equal(t, 30*time.Second, cfg.Tools.DefaultTimeout)
	assert.Equal(t, 10240, cfg.Tools.MaxOutputBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "toolrun", cfg.Tracing.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero pool size", func(c *Config) { c.Executor.PoolSize = 0 }, "pool_size"},
		{"negative stop grace", func(c *Config) { c.Executor.StopGrace = -time.Second }, "stop_grace"},
		{"negative cleanup grace", func(c *Config) { c.Executor.CleanupGrace = -time.Second }, "cleanup_grace"},
		{"negative observe timeout", func(c *Config) { c.Executor.ObserveTimeout = -time.Second }, "observe_timeout"},
		{"negative tool timeout", func(c *Config) { c.Tools.DefaultTimeout = -time.Second }, "default_timeout"},
		{"negative output cap", func(c *Config) { c.Tools.MaxOutputBytes = -1 }, "max_output_bytes"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
		{"sample ratio out of range", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("zero grace windows are allowed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Executor.StopGrace = 0
		cfg.Executor.CleanupGrace = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	assert.Contains(t, out, `"pool_size": 4`)
	assert.Contains(t, out, `"executor"`)
}
