package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/lattice/internal/discovery"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/observability"
	"github.com/oriys/lattice/internal/pool"
)

// ClusterConfig holds the instance's mesh settings
type ClusterConfig struct {
	InstanceIDFile         string   `json:"instance_id_file" yaml:"instance_id_file"`
	ControlAddress         string   `json:"control_address" yaml:"control_address"`
	InvokerAddress         string   `json:"invoker_address" yaml:"invoker_address"`
	AdvertiseHost          string   `json:"advertise_host" yaml:"advertise_host"`
	RefreshIntervalSeconds int      `json:"refresh_interval_seconds" yaml:"refresh_interval_seconds"`
	ReportIntervalSeconds  int      `json:"report_interval_seconds" yaml:"report_interval_seconds"`
	Applications           []string `json:"applications" yaml:"applications"`
}

// PoolConfig bounds a connection pool
type PoolConfig struct {
	Min            int `json:"min" yaml:"min"`
	Max            int `json:"max" yaml:"max"`
	IdleTTLSeconds int `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
	CallLog   string `json:"call_log" yaml:"call_log"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Namespace string    `json:"namespace" yaml:"namespace"`
	Buckets   []float64 `json:"buckets" yaml:"buckets"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Cluster     ClusterConfig        `json:"cluster" yaml:"cluster"`
	Discovery   discovery.Config     `json:"discovery" yaml:"discovery"`
	MeshPool    PoolConfig           `json:"mesh_pool" yaml:"mesh_pool"`
	InvokerPool PoolConfig           `json:"invoker_pool" yaml:"invoker_pool"`
	Daemon      DaemonConfig         `json:"daemon" yaml:"daemon"`
	Metrics     MetricsConfig        `json:"metrics" yaml:"metrics"`
	Tracing     observability.Config `json:"tracing" yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			InstanceIDFile:         "lattice-instance.id",
			ControlAddress:         "tcp://0.0.0.0:7600",
			InvokerAddress:         "0.0.0.0:7700",
			RefreshIntervalSeconds: 10,
			ReportIntervalSeconds:  60,
		},
		Discovery: discovery.Config{
			Mode:       discovery.ModeStatic,
			TTLSeconds: 30,
		},
		MeshPool: PoolConfig{
			Min:            1,
			Max:            2,
			IdleTTLSeconds: 300,
		},
		InvokerPool: PoolConfig{
			Min:            1,
			Max:            4,
			IdleTTLSeconds: 300,
		},
		Daemon: DaemonConfig{
			HTTPAddr:  ":9600",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "lattice",
		},
		Tracing: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lattice",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. The format is
// chosen by extension; anything but .yaml/.yml is read as JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LATTICE_INSTANCE_ID_FILE"); v != "" {
		cfg.Cluster.InstanceIDFile = v
	}
	if v := os.Getenv("LATTICE_CONTROL_ADDR"); v != "" {
		cfg.Cluster.ControlAddress = v
	}
	if v := os.Getenv("LATTICE_INVOKER_ADDR"); v != "" {
		cfg.Cluster.InvokerAddress = v
	}
	if v := os.Getenv("LATTICE_ADVERTISE_HOST"); v != "" {
		cfg.Cluster.AdvertiseHost = v
	}
	if v := os.Getenv("LATTICE_REFRESH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.RefreshIntervalSeconds = n
		}
	}
	if v := os.Getenv("LATTICE_APPLICATIONS"); v != "" {
		cfg.Cluster.Applications = splitList(v)
	}
	if v := os.Getenv("LATTICE_DISCOVERY_MODE"); v != "" {
		cfg.Discovery.Mode = v
	}
	if v := os.Getenv("LATTICE_DISCOVERY_HOSTS"); v != "" {
		cfg.Discovery.Hosts = splitList(v)
	}
	if v := os.Getenv("LATTICE_SRV_NAME"); v != "" {
		cfg.Discovery.SRV.Name = v
	}
	if v := os.Getenv("LATTICE_REDIS_ADDR"); v != "" {
		cfg.Discovery.Redis.Addr = v
	}
	if v := os.Getenv("LATTICE_REDIS_PASSWORD"); v != "" {
		cfg.Discovery.Redis.Password = v
	}
	if v := os.Getenv("LATTICE_POSTGRES_DSN"); v != "" {
		cfg.Discovery.Postgres.DSN = v
	}
	if v := os.Getenv("LATTICE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("LATTICE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("LATTICE_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("LATTICE_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Cluster.ControlAddress == "" {
		errs = append(errs, errors.New("cluster.control_address is required"))
	}
	if c.Cluster.InvokerAddress == "" {
		errs = append(errs, errors.New("cluster.invoker_address is required"))
	}
	if c.Cluster.RefreshIntervalSeconds <= 0 {
		errs = append(errs, errors.New("cluster.refresh_interval_seconds must be positive"))
	}
	if _, err := c.ApplicationIDs(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Discovery.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, p := range map[string]PoolConfig{"mesh_pool": c.MeshPool, "invoker_pool": c.InvokerPool} {
		if p.Max < 1 {
			errs = append(errs, fmt.Errorf("%s.max must be at least 1", name))
		}
		if p.Min < 0 || p.Min > p.Max {
			errs = append(errs, fmt.Errorf("%s.min must be between 0 and max", name))
		}
	}
	switch c.Daemon.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("daemon.log_format %q is not text or json", c.Daemon.LogFormat))
	}
	return errors.Join(errs...)
}

// ApplicationIDs parses the hosted applications.
func (c *Config) ApplicationIDs() ([]ids.ApplicationID, error) {
	out := make([]ids.ApplicationID, 0, len(c.Cluster.Applications))
	for _, s := range c.Cluster.Applications {
		app, err := ids.ParseApplicationID(s)
		if err != nil {
			return nil, fmt.Errorf("cluster.applications: %w", err)
		}
		out = append(out, app)
	}
	return out, nil
}

// RefreshInterval returns the discovery poll interval.
func (c ClusterConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// ReportInterval returns the status report interval.
func (c ClusterConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}

// Pool converts the settings to pool bounds.
func (p PoolConfig) Pool(name string) pool.Config {
	return pool.Config{
		Name:    name,
		Min:     p.Min,
		Max:     p.Max,
		IdleTTL: time.Duration(p.IdleTTLSeconds) * time.Second,
	}
}
