package routing

import (
	"context"
	"time"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/remote"
)

// TargetSelector picks the invokers for an address, in the order their
// results are folded.
type TargetSelector func(addr Address) ([]remote.Invoker, error)

// Aggregator describes how an aggregate strategy folds results.
type Aggregator struct {
	// Initial returns a fresh accumulator.
	Initial func() any
	// Combine folds one invoker's return value into the accumulator.
	Combine func(acc, v any) any
	// CombineResult folds partial results. Defaults to Combine on the
	// unwrapped values.
	CombineResult func(acc, r *invocation.Result) *invocation.Result
	// Targets defaults to every invoker of the strategy's application; a
	// non-empty address is then ignored with a warning.
	Targets TargetSelector
}

// Aggregate fans an invocation out to several invokers and merges the
// results with an Aggregator.
type Aggregate struct {
	name   string
	app    ids.ApplicationID
	source Source
	agg    Aggregator
}

// NewAggregate builds an aggregate strategy for app.
func NewAggregate(name string, source Source, app ids.ApplicationID, agg Aggregator) *Aggregate {
	a := &Aggregate{name: name, app: app, source: source, agg: agg}
	if a.agg.Initial == nil {
		a.agg.Initial = func() any { return nil }
	}
	if a.agg.CombineResult == nil {
		combine := a.agg.Combine
		a.agg.CombineResult = func(acc, r *invocation.Result) *invocation.Result {
			return invocation.NewResult(combine(acc.Get(), r.Get()))
		}
	}
	if a.agg.Targets == nil {
		a.agg.Targets = a.allTargets
	}
	return a
}

func (a *Aggregate) Name() string { return a.name }

// Application returns the application whose nodes this strategy targets.
func (a *Aggregate) Application() ids.ApplicationID { return a.app }

func (a *Aggregate) allTargets(addr Address) ([]remote.Invoker, error) {
	if len(addr) > 0 {
		logging.Component("routing").Warn("address ignored by aggregate strategy",
			"strategy", a.name, "address", addr.String())
	}
	return a.source.InvokersForApplication(a.app), nil
}

func (a *Aggregate) merger(consumers []invocation.ResultConsumer, n int) *merger {
	return newMerger(consumers, n, a.agg.Initial, a.agg.CombineResult)
}

// InvokeSync calls each target in order and stops at the first failure.
func (a *Aggregate) InvokeSync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (any, error) {
	targets, err := a.agg.Targets(addr)
	if err != nil {
		return nil, err
	}
	ctx, c := begin(ctx, a.name, ConventionSync, a.app, inv, len(targets))
	m := a.merger(consumers, len(targets))

	acc := a.agg.Initial()
	for i, t := range targets {
		v, err := t.InvokeSync(ctx, inv, m.consumersFor(i))
		if err != nil {
			c.end(err)
			return nil, err
		}
		acc = a.agg.Combine(acc, v)
	}
	c.end(nil)
	return acc, nil
}

// InvokeFuture dispatches to every target and chains the futures in target
// order. The first failure in that order fails the aggregate.
func (a *Aggregate) InvokeFuture(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer) (*remote.Future, error) {
	targets, err := a.agg.Targets(addr)
	if err != nil {
		return nil, err
	}
	ctx, c := begin(ctx, a.name, ConventionFuture, a.app, inv, len(targets))
	m := a.merger(consumers, len(targets))

	futures := make([]*remote.Future, len(targets))
	for i, t := range targets {
		futures[i] = t.InvokeFuture(ctx, inv, m.consumersFor(i))
	}

	result := remote.NewFuture()
	go func() {
		acc := a.agg.Initial()
		for _, f := range futures {
			<-f.Done()
			if err := f.Err(); err != nil {
				result.Complete(nil, err)
				c.end(err)
				return
			}
			v, _ := f.Get(context.Background())
			acc = a.agg.Combine(acc, v)
		}
		result.Complete(acc, nil)
		c.end(nil)
	}()
	return result, nil
}

// InvokeAsync dispatches to every target and drains exactly one completion
// per target. Only the first error reaches onError; calls still in flight
// when it arrives are left to finish.
func (a *Aggregate) InvokeAsync(ctx context.Context, addr Address, inv *invocation.Invocation, consumers []invocation.ResultConsumer, onError invocation.ErrorConsumer) (remote.AsyncOperation, error) {
	targets, err := a.agg.Targets(addr)
	if err != nil {
		return nil, err
	}
	ctx, c := begin(ctx, a.name, ConventionAsync, a.app, inv, len(targets))
	m := a.merger(consumers, len(targets))
	latch := newErrorLatch(a.name, onError)

	op := &aggregateOperation{Operation: remote.NewOperation(ctx)}
	completions := make(chan error, len(targets))
	for i, t := range targets {
		sub := t.InvokeAsync(ctx, inv, m.consumersFor(i), nil)
		op.subs = append(op.subs, sub)
		go func() {
			<-sub.Done()
			completions <- sub.Err()
		}()
	}

	go func() {
		for range len(targets) {
			if err := <-completions; err != nil {
				latch.report(err)
			}
		}
		err := latch.err()
		c.end(err)
		op.Finish(err)
	}()
	return op, nil
}

// aggregateOperation fans Cancel and Timeout out to every per-target
// operation. Already folded results are kept.
type aggregateOperation struct {
	*remote.Operation
	subs []remote.AsyncOperation
}

func (o *aggregateOperation) Cancel() {
	for _, s := range o.subs {
		s.Cancel()
	}
}

func (o *aggregateOperation) Timeout(d time.Duration) {
	for _, s := range o.subs {
		s.Timeout(d)
	}
}
