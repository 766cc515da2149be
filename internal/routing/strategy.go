// Package routing decides which remote nodes receive an invocation and how
// their results are merged.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/remote"
)

// ErrAddressing is returned synchronously when an address cannot be resolved
// to a target set. It is never retried.
var ErrAddressing = errors.New("addressing error")

// Calling conventions, used in logs and metrics.
const (
	ConventionSync   = "sync"
	ConventionFuture = "future"
	ConventionAsync  = "async"
)

// Strategy names accepted by ForName.
const (
	NameSameNode  = "same-node"
	NameList      = "list"
	NameBroadcast = "broadcast"
)

// Source provides invokers. *remote.Registry satisfies it.
type Source interface {
	Invoker(ids.NodeID) (remote.Invoker, error)
	InvokersForApplication(ids.ApplicationID) []remote.Invoker
}

// Strategy routes an invocation addressed by an Address.
//
// The future and async variants never block; their error return is reserved
// for addressing failures detected before any invoker is contacted.
type Strategy interface {
	Name() string
	InvokeSync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (any, error)
	InvokeFuture(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (*remote.Future, error)
	InvokeAsync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer, onError invocation.ErrorConsumer) (remote.AsyncOperation, error)
}

// ForName builds the named strategy for app.
func ForName(name string, source Source, app ids.ApplicationID) (Strategy, error) {
	switch name {
	case NameSameNode, "same_node", "":
		return NewSameNode(source), nil
	case NameList, "list-aggregate":
		return NewListAggregate(source, app), nil
	case NameBroadcast:
		return NewBroadcast(source, app), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}
