// Package remote defines the contract for calling a method on one remote
// node, the completion handles returned by the non-blocking conventions, and
// the registry mapping nodes to their invokers.
package remote

import (
	"context"

	"github.com/oriys/lattice/internal/invocation"
)

// Invoker performs invocations against a single destination node.
//
// A remote reply is an ordered list: element 0 is the method's return value
// and element i is delivered to consumers[i-1]. Each consumer is called
// exactly once per successful call, with nil when the reply is short, before
// the call completes.
type Invoker interface {
	// InvokeSync blocks for the full round trip.
	InvokeSync(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (any, error)
	// InvokeFuture returns immediately; the Future resolves with the return value.
	InvokeFuture(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer) *Future
	// InvokeAsync returns immediately. Results are only observable through
	// consumers, failures through onError.
	InvokeAsync(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer, onError invocation.ErrorConsumer) AsyncOperation
}

// ManagedInvoker is an Invoker with a connection lifecycle.
type ManagedInvoker interface {
	Invoker
	Start(ctx context.Context, connectAddress string) error
	Stop() error
}

// CallFunc performs one round trip and returns the raw reply list.
type CallFunc func(ctx context.Context, inv *invocation.Invocation) ([]any, error)

// FuncInvoker adapts a CallFunc to the three calling conventions.
type FuncInvoker struct {
	Call CallFunc
}

// NewFuncInvoker wraps call.
func NewFuncInvoker(call CallFunc) *FuncInvoker { return &FuncInvoker{Call: call} }

func (f *FuncInvoker) InvokeSync(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (any, error) {
	reply, err := f.Call(ctx, inv)
	if err != nil {
		return nil, err
	}
	return Deliver(reply, consumers), nil
}

func (f *FuncInvoker) InvokeFuture(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer) *Future {
	fut := NewFuture()
	go func() {
		fut.Complete(f.InvokeSync(ctx, inv, consumers))
	}()
	return fut
}

func (f *FuncInvoker) InvokeAsync(ctx context.Context, inv *invocation.Invocation, consumers []invocation.ResultConsumer, onError invocation.ErrorConsumer) AsyncOperation {
	return Go(ctx, func(ctx context.Context) error {
		_, err := f.InvokeSync(ctx, inv, consumers)
		return err
	}, onError)
}

// Deliver splits a reply according to the wire convention: the first element
// is returned and the remaining elements go to consumers in order.
func Deliver(reply []any, consumers []invocation.ResultConsumer) any {
	for i, c := range consumers {
		if c == nil {
			continue
		}
		var v any
		if i+1 < len(reply) {
			v = reply[i+1]
		}
		c(invocation.NewResult(v))
	}
	if len(reply) == 0 {
		return nil
	}
	return reply[0]
}
