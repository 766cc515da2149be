package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oriys/lattice/internal/metrics"
)

// Resolver is the part of *net.Resolver used for SRV lookups.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRV discovers hosts from a DNS SRV record.
type SRV struct {
	cfg      SRVConfig
	resolver Resolver
}

// NewSRV returns an SRV service using net.DefaultResolver.
func NewSRV(cfg SRVConfig) *SRV {
	return &SRV{cfg: cfg, resolver: net.DefaultResolver}
}

// WithResolver replaces the resolver.
func (s *SRV) WithResolver(r Resolver) *SRV {
	s.resolver = r
	return s
}

func (s *SRV) KnownHosts(ctx context.Context) ([]string, error) {
	_, records, err := s.resolver.LookupSRV(ctx, s.cfg.Service, s.cfg.Proto, s.cfg.Name)
	if err != nil {
		metrics.RecordDiscoveryRefresh(ModeSRV, 0, err)
		return nil, fmt.Errorf("srv lookup %s: %w", s.cfg.Name, err)
	}
	hosts := make([]string, 0, len(records))
	for _, r := range records {
		target := strings.TrimSuffix(r.Target, ".")
		hosts = append(hosts, "tcp://"+net.JoinHostPort(target, strconv.Itoa(int(r.Port))))
	}
	hosts = dedup(hosts)
	metrics.RecordDiscoveryRefresh(ModeSRV, len(hosts), nil)
	return hosts, nil
}

func (s *SRV) Close() error { return nil }
