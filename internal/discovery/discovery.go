// Package discovery finds the control addresses of peer instances.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Discovery modes.
const (
	ModeStatic   = "static"
	ModeSRV      = "srv"
	ModeRedis    = "redis"
	ModePostgres = "postgres"
)

// DefaultTTL is how long an announced host stays known without a new
// announcement.
const DefaultTTL = 30 * time.Second

var ErrUnknownMode = errors.New("unknown discovery mode")

// Service returns the control addresses of known instances, e.g.
// "tcp://10.0.0.7:7600". The result may include the caller's own address.
type Service interface {
	KnownHosts(ctx context.Context) ([]string, error)
	Close() error
}

// Announcer is implemented by modes where instances register themselves.
type Announcer interface {
	Announce(ctx context.Context, addr string) error
	Withdraw(ctx context.Context, addr string) error
}

// SRVConfig names the record looked up as _service._proto.name.
type SRVConfig struct {
	Service string `json:"service" yaml:"service"`
	Proto   string `json:"proto" yaml:"proto"`
	Name    string `json:"name" yaml:"name"`
}

// RedisConfig holds Redis connection settings for the redis mode.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// PostgresConfig holds the DSN for the postgres mode.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// Config selects and configures a discovery mode.
type Config struct {
	Mode       string         `json:"mode" yaml:"mode"`
	Hosts      []string       `json:"hosts" yaml:"hosts"`
	SRV        SRVConfig      `json:"srv" yaml:"srv"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	Postgres   PostgresConfig `json:"postgres" yaml:"postgres"`
	TTLSeconds int            `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TTL returns the configured TTL or DefaultTTL.
func (c Config) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Validate checks the settings required by the selected mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeStatic, "":
		return nil
	case ModeSRV:
		if c.SRV.Name == "" {
			return errors.New("discovery: srv.name is required")
		}
	case ModeRedis:
		if c.Redis.Addr == "" {
			return errors.New("discovery: redis.addr is required")
		}
	case ModePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("discovery: postgres.dsn is required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	return nil
}

// New builds the configured discovery service. An empty mode is static.
func New(ctx context.Context, cfg Config) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeSRV:
		return NewSRV(cfg.SRV), nil
	case ModeRedis:
		return NewRedis(ctx, cfg.Redis, cfg.TTL())
	case ModePostgres:
		return NewPostgres(ctx, cfg.Postgres.DSN, cfg.TTL())
	default:
		return NewStatic(cfg.Hosts...), nil
	}
}

// NormalizeAddress adds the tcp:// scheme when addr has none.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// dedup normalizes hosts, drops empties and duplicates, and keeps order.
func dedup(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = NormalizeAddress(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
