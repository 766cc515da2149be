package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/lattice/internal/discovery"
	"github.com/oriys/lattice/internal/ids"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Cluster.RefreshInterval())
	assert.Equal(t, discovery.ModeStatic, cfg.Discovery.Mode)
}

func TestLoadFromFileYAML(t *testing.T) {
	app := ids.NewApplicationID()
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	data := `
cluster:
  control_address: tcp://0.0.0.0:8600
  refresh_interval_seconds: 3
  applications:
    - ` + app.String() + `
discovery:
  mode: redis
  redis:
    addr: redis:6379
invoker_pool:
  min: 2
  max: 8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tcp://0.0.0.0:8600", cfg.Cluster.ControlAddress)
	// Unset fields keep their defaults.
	assert.Equal(t, "0.0.0.0:7700", cfg.Cluster.InvokerAddress)
	assert.Equal(t, 3*time.Second, cfg.Cluster.RefreshInterval())
	assert.Equal(t, "redis:6379", cfg.Discovery.Redis.Addr)

	apps, err := cfg.ApplicationIDs()
	require.NoError(t, err)
	assert.Equal(t, []ids.ApplicationID{app}, apps)

	pc := cfg.InvokerPool.Pool("invoker")
	assert.Equal(t, 2, pc.Min)
	assert.Equal(t, 8, pc.Max)
	assert.Equal(t, 5*time.Minute, pc.IdleTTL)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"discovery":{"mode":"static","hosts":["a:1","b:1"]},"daemon":{"log_level":"debug"}}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, cfg.Discovery.Hosts)
	assert.Equal(t, "debug", cfg.Daemon.LogLevel)
	assert.Equal(t, "text", cfg.Daemon.LogFormat)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LATTICE_CONTROL_ADDR", "tcp://10.0.0.1:7600")
	t.Setenv("LATTICE_DISCOVERY_HOSTS", "a:1, b:1,,")
	t.Setenv("LATTICE_REFRESH_INTERVAL", "7")
	t.Setenv("LATTICE_TRACING_ENDPOINT", "otel:4318")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "tcp://10.0.0.1:7600", cfg.Cluster.ControlAddress)
	assert.Equal(t, []string{"a:1", "b:1"}, cfg.Discovery.Hosts)
	assert.Equal(t, 7, cfg.Cluster.RefreshIntervalSeconds)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otel:4318", cfg.Tracing.Endpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no control address", func(c *Config) { c.Cluster.ControlAddress = "" }},
		{"zero refresh", func(c *Config) { c.Cluster.RefreshIntervalSeconds = 0 }},
		{"bad application", func(c *Config) { c.Cluster.Applications = []string{"nope"} }},
		{"unknown discovery", func(c *Config) { c.Discovery.Mode = "zookeeper" }},
		{"pool min above max", func(c *Config) { c.MeshPool.Min = 5 }},
		{"pool max zero", func(c *Config) { c.InvokerPool.Max = 0; c.InvokerPool.Min = 0 }},
		{"log format", func(c *Config) { c.Daemon.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
