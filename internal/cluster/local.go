package cluster

import (
	"context"

	"github.com/oriys/lattice/internal/control"
	"github.com/oriys/lattice/internal/ids"
)

// localConnection is the instance's connection to itself. Listeners see it
// like any peer, so the nodes bound here are registered and routed to
// through this instance's own invoker endpoint.
type localConnection struct {
	svc     *Service
	address string
}

func (c *localConnection) InstanceID() ids.InstanceID { return c.svc.opts.InstanceID }

func (c *localConnection) Address() string { return c.address }

func (c *localConnection) Status() control.InstanceStatus {
	return statusSource{c.svc}.InstanceStatus()
}

func (c *localConnection) OpenRoute(_ context.Context, node ids.NodeID) (string, error) {
	return statusSource{c.svc}.OpenRoute(node)
}

// Refresh never reports a change: binding changes are announced as they
// happen.
func (c *localConnection) Refresh(context.Context) (bool, error) { return false, nil }

func (c *localConnection) Close() error { return nil }
