package routing

import (
	"fmt"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
)

// NewBroadcast returns a strategy that sends the invocation to every node of
// app. The methods it calls are expected to return nothing; the aggregate
// result is always nil.
func NewBroadcast(source Source, app ids.ApplicationID) *Aggregate {
	return NewAggregate(NameBroadcast, source, app, Aggregator{
		Initial: func() any { return nil },
		Combine: func(acc, v any) any {
			if acc != nil || v != nil {
				logging.Component("routing").Warn("broadcast target returned a value, discarding",
					"type", fmt.Sprintf("%T", v))
			}
			return nil
		},
	})
}
