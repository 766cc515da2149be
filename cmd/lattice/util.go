package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/config"
	"github.com/oriys/lattice/internal/discovery"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/remote"
)

// loadConfig reads --config when given, then applies LATTICE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// mesh is a started connection service with a registry kept current.
type mesh struct {
	svc      *cluster.Service
	disc     discovery.Service
	registry *remote.Registry
	updater  *cluster.RegistryUpdater
}

func startMesh(ctx context.Context, cfg *config.Config, instance ids.InstanceID) (*mesh, error) {
	apps, err := cfg.ApplicationIDs()
	if err != nil {
		return nil, err
	}
	disc, err := discovery.New(ctx, cfg.Discovery)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	meshPool := cfg.MeshPool.Pool("mesh")
	svc := cluster.New(cluster.Options{
		InstanceID:      instance,
		ControlAddress:  cfg.Cluster.ControlAddress,
		InvokerAddress:  cfg.Cluster.InvokerAddress,
		AdvertiseHost:   cfg.Cluster.AdvertiseHost,
		RefreshInterval: cfg.Cluster.RefreshInterval(),
		ReportInterval:  cfg.Cluster.ReportInterval(),
		Applications:    apps,
		Discovery:       disc,
		Dialer:          cluster.NewDialer(nil, meshPool),
		MeshPool:        meshPool,
	})

	registry := remote.NewRegistry()
	updater := cluster.NewRegistryUpdater(registry, cluster.GRPCInvokers(cfg.InvokerPool.Pool("invoker")))
	updater.Attach(svc)

	if err := svc.Start(ctx); err != nil {
		updater.Detach()
		disc.Close()
		return nil, err
	}
	return &mesh{svc: svc, disc: disc, registry: registry, updater: updater}, nil
}

func (m *mesh) stop() {
	if err := m.svc.Stop(); err != nil {
		logging.Op().Warn("stop connection service", "error", err)
	}
	m.updater.Detach()
	m.disc.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
