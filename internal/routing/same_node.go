package routing

import (
	"context"
	"fmt"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/observability"
	"github.com/oriys/lattice/internal/remote"
)

// SameNode routes to the single node named by the address.
type SameNode struct {
	source Source
}

// NewSameNode returns a SameNode strategy reading invokers from source.
func NewSameNode(source Source) *SameNode {
	return &SameNode{source: source}
}

func (s *SameNode) Name() string { return NameSameNode }

// Resolve reduces addr to exactly one node. Wildcards and uncorrelated
// components are ignored; zero or conflicting nodes are an addressing error.
func Resolve(addr Address) (ids.NodeID, error) {
	nodes := addr.NodeIDs()
	switch len(nodes) {
	case 0:
		return ids.NodeID{}, fmt.Errorf("%w: address %s names no node", ErrAddressing, addr)
	case 1:
		return nodes[0], nil
	default:
		return ids.NodeID{}, fmt.Errorf("%w: address %s names conflicting nodes %s and %s", ErrAddressing, addr, nodes[0], nodes[1])
	}
}

func (s *SameNode) target(ctx context.Context, addr Address, inv *invocation.Invocation, convention string) (context.Context, *call, remote.Invoker, error) {
	node, err := Resolve(addr)
	if err != nil {
		return ctx, nil, nil, err
	}
	target, err := s.source.Invoker(node)
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("%w: %w", ErrAddressing, err)
	}
	ctx, c := begin(ctx, NameSameNode, convention, node.Application, inv, 1)
	c.span.SetAttributes(observability.AttrNode.String(node.String()))
	return ctx, c, target, nil
}

func (s *SameNode) InvokeSync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (any, error) {
	ctx, c, target, err := s.target(ctx, addr, inv, ConventionSync)
	if err != nil {
		return nil, err
	}
	v, err := target.InvokeSync(ctx, inv, consumers)
	c.end(err)
	return v, err
}

func (s *SameNode) InvokeFuture(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (*remote.Future, error) {
	ctx, c, target, err := s.target(ctx, addr, inv, ConventionFuture)
	if err != nil {
		return nil, err
	}
	fut := target.InvokeFuture(ctx, inv, consumers)
	go func() {
		<-fut.Done()
		c.end(fut.Err())
	}()
	return fut, nil
}

func (s *SameNode) InvokeAsync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer, onError invocation.ErrorConsumer) (remote.AsyncOperation, error) {
	ctx, c, target, err := s.target(ctx, addr, inv, ConventionAsync)
	if err != nil {
		return nil, err
	}
	op := target.InvokeAsync(ctx, inv, consumers, onError)
	go func() {
		<-op.Done()
		c.end(op.Err())
	}()
	return op, nil
}
