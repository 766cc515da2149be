package routing

import (
	"fmt"
	"reflect"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/remote"
)

// NewListAggregate returns a strategy that concatenates the list each target
// returns, in target order.
//
// Targets are the nodes named by the address, deduplicated in address order.
// An address holding a Wildcard, or naming no node, targets every node of
// app.
func NewListAggregate(source Source, app ids.ApplicationID) *Aggregate {
	return NewAggregate(NameList, source, app, Aggregator{
		Initial: func() any { return []any{} },
		Combine: concat,
		Targets: func(addr Address) ([]remote.Invoker, error) {
			nodes := addr.NodeIDs()
			if addr.HasWildcard() || len(nodes) == 0 {
				return source.InvokersForApplication(app), nil
			}
			targets := make([]remote.Invoker, 0, len(nodes))
			for _, n := range nodes {
				inv, err := source.Invoker(n)
				if err != nil {
					return nil, fmt.Errorf("%w: %w", ErrAddressing, err)
				}
				targets = append(targets, inv)
			}
			return targets, nil
		},
	})
}

func concat(acc, v any) any {
	out, ok := acc.([]any)
	if !ok {
		out = appendList([]any{}, acc)
	}
	return appendList(out, v)
}

// appendList flattens v into dst. nil contributes nothing; a non-list value
// is appended as a single element.
func appendList(dst []any, v any) []any {
	switch x := v.(type) {
	case nil:
		return dst
	case []any:
		return append(dst, x...)
	}
	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k == reflect.Slice || k == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			dst = append(dst, rv.Index(i).Interface())
		}
		return dst
	}
	logging.Component("routing").Warn("list aggregate received a non-list value", "type", fmt.Sprintf("%T", v))
	return append(dst, v)
}
