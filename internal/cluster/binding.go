package cluster

import (
	"sync/atomic"

	"github.com/oriys/lattice/internal/ids"
)

// Binding is a node hosted by this instance.
type Binding struct {
	node    ids.NodeID
	address string
	closed  atomic.Bool
	svc     *Service
}

// NodeID returns the bound node.
func (b *Binding) NodeID() ids.NodeID { return b.node }

// BindAddress returns the connect address peers use to reach the node.
func (b *Binding) BindAddress() string { return b.address }

// Closed reports whether Close was called.
func (b *Binding) Closed() bool { return b.closed.Load() }

// Close unbinds the node. Peers can no longer open routes to it.
func (b *Binding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.svc.releaseBinding(b)
	return nil
}
