package cluster

import (
	"context"
	"slices"
	"sync"
)

// Listener is notified about a peer connection.
type Listener func(ctx context.Context, c Connection)

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// fire calls listeners in subscription order.
func (l *listeners) fire(ctx context.Context, c Connection) {
	l.mu.Lock()
	keys := make([]int, 0, len(l.fns))
	for id := range l.fns {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	fns := make([]Listener, 0, len(keys))
	for _, id := range keys {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, c)
	}
}
