package remote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/lattice/internal/ids"
)

// ErrNodeNotFound is returned when no invoker is registered for a node.
var ErrNodeNotFound = errors.New("node not found")

// Registry maps nodes to invokers, preserving registration order. Reads
// return copies, so a caller keeps its view even if the registry changes
// underneath it.
type Registry struct {
	mu       sync.RWMutex
	order    []ids.NodeID
	invokers map[ids.NodeID]Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[ids.NodeID]Invoker)}
}

// Invoker returns the invoker for node.
func (r *Registry) Invoker(node ids.NodeID) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, node)
	}
	return inv, nil
}

// InvokersForApplication returns every invoker hosting app, in registration order.
func (r *Registry) InvokersForApplication(app ids.ApplicationID) []Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Invoker
	for _, n := range r.order {
		if n.Application == app {
			out = append(out, r.invokers[n])
		}
	}
	return out
}

// NodesForApplication returns the nodes hosting app, in registration order.
func (r *Registry) NodesForApplication(app ids.ApplicationID) []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ids.NodeID
	for _, n := range r.order {
		if n.Application == app {
			out = append(out, n)
		}
	}
	return out
}

// Nodes returns all registered nodes in registration order.
func (r *Registry) Nodes() []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ids.NodeID(nil), r.order...)
}

// Len reports the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Put registers inv for node. Replacing an existing entry keeps its position
// and returns the previous invoker so the caller can stop it.
func (r *Registry) Put(node ids.NodeID, inv Invoker) (prev Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.invokers[node]
	if !ok {
		r.order = append(r.order, node)
	}
	r.invokers[node] = inv
	return prev
}

// RemoveNode unregisters node and returns its invoker.
func (r *Registry) RemoveNode(node ids.NodeID) (Invoker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invokers[node]
	if !ok {
		return nil, false
	}
	delete(r.invokers, node)
	for i, n := range r.order {
		if n == node {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return inv, true
}

// RemoveInstance unregisters every node hosted on instance and returns their
// invokers, keyed by node.
func (r *Registry) RemoveInstance(instance ids.InstanceID) map[ids.NodeID]Invoker {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make(map[ids.NodeID]Invoker)
	kept := r.order[:0]
	for _, n := range r.order {
		if n.Instance == instance {
			removed[n] = r.invokers[n]
			delete(r.invokers, n)
			continue
		}
		kept = append(kept, n)
	}
	r.order = kept
	return removed
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() map[ids.NodeID]Invoker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.invokers
	r.invokers = make(map[ids.NodeID]Invoker)
	r.order = nil
	return out
}
