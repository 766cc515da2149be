package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/oriys/lattice/internal/control"
	lgrpc "github.com/oriys/lattice/internal/grpc"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/pool"
)

// Connection is an open link to one peer instance.
type Connection interface {
	InstanceID() ids.InstanceID
	// Address is the peer's control address as reported by discovery.
	Address() string
	// Status is the last status received from the peer.
	Status() control.InstanceStatus
	// OpenRoute returns the connect address of a node hosted by the peer.
	OpenRoute(ctx context.Context, node ids.NodeID) (string, error)
	// Refresh re-queries the peer and reports whether its node set changed.
	Refresh(ctx context.Context) (changed bool, err error)
	Close() error
}

// ErrInstanceChanged is returned by Refresh when a different instance now
// answers at the connection's address.
var ErrInstanceChanged = errors.New("instance changed")

// Dialer opens a Connection to the instance at a control address.
type Dialer func(ctx context.Context, address string) (Connection, error)

// NewDialer returns a Dialer that queries the peer's status over the control
// protocol and keeps a mesh pool of gRPC connections to its invoker endpoint.
// A nil client uses control.NewClient().
func NewDialer(client *control.Client, mesh pool.Config, opts ...grpc.DialOption) Dialer {
	if client == nil {
		client = control.NewClient()
	}
	return func(ctx context.Context, address string) (Connection, error) {
		status, err := client.InstanceStatus(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", address, err)
		}
		if status.InvokerAddress == "" {
			return nil, fmt.Errorf("query %s: %w: no invoker address", address, control.ErrProtocol)
		}

		cfg := mesh
		cfg.Name = mesh.Name + ":" + status.InstanceID.String()
		target := status.InvokerAddress
		meshPool := pool.New(cfg, func(ctx context.Context) (*grpc.ClientConn, error) {
			return lgrpc.DialMesh(ctx, target, opts...)
		})
		if err := meshPool.Start(ctx); err != nil {
			meshPool.Close()
			return nil, fmt.Errorf("connect %s: %w", target, err)
		}
		return &peerConnection{
			address: address,
			client:  client,
			mesh:    meshPool,
			status:  status,
		}, nil
	}
}

type peerConnection struct {
	address string
	client  *control.Client
	mesh    *pool.Pool[*grpc.ClientConn]

	mu     sync.RWMutex
	status control.InstanceStatus
}

func (c *peerConnection) InstanceID() ids.InstanceID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.InstanceID
}

func (c *peerConnection) Address() string { return c.address }

func (c *peerConnection) Status() control.InstanceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *peerConnection) OpenRoute(ctx context.Context, node ids.NodeID) (string, error) {
	return c.client.OpenRoute(ctx, c.address, node)
}

func (c *peerConnection) Refresh(ctx context.Context) (bool, error) {
	c.checkHealth(ctx)

	status, err := c.client.InstanceStatus(ctx, c.address)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if status.InstanceID != c.status.InstanceID {
		return false, fmt.Errorf("%s: %w: %s -> %s", c.address, ErrInstanceChanged, c.status.InstanceID, status.InstanceID)
	}
	changed := !status.SameNodes(c.status) || status.InvokerAddress != c.status.InvokerAddress
	c.status = status
	return changed, nil
}

// checkHealth probes one mesh connection and drops it when the peer's
// invoker service does not answer.
func (c *peerConnection) checkHealth(ctx context.Context) {
	conn, err := c.mesh.Acquire(ctx)
	if err != nil {
		logging.Op().Warn("mesh acquire failed", "peer", c.address, "error", err)
		return
	}
	if err := lgrpc.HealthCheck(ctx, conn); err != nil {
		logging.Op().Warn("peer health check failed", "peer", c.address, "error", err)
		c.mesh.Release(conn)
		c.mesh.Discard(conn)
		return
	}
	c.mesh.Release(conn)
}

func (c *peerConnection) Close() error {
	return c.mesh.Close()
}
