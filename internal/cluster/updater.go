package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/creachadair/mds/mapset"

	lgrpc "github.com/oriys/lattice/internal/grpc"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/pool"
	"github.com/oriys/lattice/internal/remote"
)

// NewInvokerFunc returns an unstarted invoker for one remote node.
type NewInvokerFunc func() remote.ManagedInvoker

// GRPCInvokers returns a NewInvokerFunc for gRPC invokers bounded by cfg.
func GRPCInvokers(cfg pool.Config) NewInvokerFunc {
	if cfg.Name == "" {
		cfg.Name = "invoker"
	}
	return func() remote.ManagedInvoker { return lgrpc.NewRemoteInvoker(cfg) }
}

// RegistryUpdater keeps a remote.Registry in step with the connection
// service: every node hosted by a connected peer, or by this instance, has a
// started invoker.
type RegistryUpdater struct {
	registry   *remote.Registry
	newInvoker NewInvokerFunc
	log        *slog.Logger

	mu    sync.Mutex
	unsub []func()
}

// NewRegistryUpdater returns an updater writing to registry.
func NewRegistryUpdater(registry *remote.Registry, newInvoker NewInvokerFunc) *RegistryUpdater {
	return &RegistryUpdater{
		registry:   registry,
		newInvoker: newInvoker,
		log:        logging.Component("registry"),
	}
}

// Attach subscribes the updater to svc. Attach before svc.Start to see the
// peers found by the first refresh.
func (u *RegistryUpdater) Attach(svc *Service) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unsub = append(u.unsub,
		svc.OnConnect(u.connected),
		svc.OnUpdate(u.updated),
		svc.OnDisconnect(u.disconnected),
	)
}

// Detach removes every subscription.
func (u *RegistryUpdater) Detach() {
	u.mu.Lock()
	unsub := u.unsub
	u.unsub = nil
	u.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

func (u *RegistryUpdater) connected(ctx context.Context, c Connection) {
	for _, node := range c.Status().Nodes {
		u.add(ctx, c, node)
	}
	metrics.SetRegisteredNodes(u.registry.Len())
}

func (u *RegistryUpdater) updated(ctx context.Context, c Connection) {
	current := mapset.New(c.Status().Nodes...)
	registered := mapset.New[ids.NodeID]()
	for _, node := range u.registry.Nodes() {
		if node.Instance == c.InstanceID() {
			registered.Add(node)
		}
	}

	for node := range registered {
		if !current.Has(node) {
			if inv, ok := u.registry.RemoveNode(node); ok {
				u.stop(node, inv)
			}
		}
	}
	for _, node := range c.Status().Nodes {
		if !registered.Has(node) {
			u.add(ctx, c, node)
		}
	}
	metrics.SetRegisteredNodes(u.registry.Len())
}

func (u *RegistryUpdater) disconnected(_ context.Context, c Connection) {
	for node, inv := range u.registry.RemoveInstance(c.InstanceID()) {
		u.stop(node, inv)
	}
	metrics.SetRegisteredNodes(u.registry.Len())
}

func (u *RegistryUpdater) add(ctx context.Context, c Connection, node ids.NodeID) {
	addr, err := c.OpenRoute(ctx, node)
	if err != nil {
		u.log.Warn("open route failed", "node", node.String(), "peer", c.Address(), "error", err)
		return
	}
	inv := u.newInvoker()
	if err := inv.Start(ctx, addr); err != nil {
		u.log.Warn("invoker start failed", "node", node.String(), "address", addr, "error", err)
		return
	}
	if prev := u.registry.Put(node, inv); prev != nil {
		u.stop(node, prev)
	}
	u.log.Debug("invoker registered", "node", node.String(), "address", addr)
}

func (u *RegistryUpdater) stop(node ids.NodeID, inv remote.Invoker) {
	m, ok := inv.(remote.ManagedInvoker)
	if !ok {
		return
	}
	if err := m.Stop(); err != nil {
		u.log.Warn("invoker stop failed", "node", node.String(), "error", err)
	}
}
