package remote

import (
	"context"
	"sync"
)

// Future is a set-once completion handle. The first call to Complete wins.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a Future already resolved with v.
func Completed(v any) *Future {
	f := NewFuture()
	f.Complete(v, nil)
	return f
}

// Failed returns a Future already resolved with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Complete resolves the future. It reports whether this call did so.
func (f *Future) Complete(v any, err error) bool {
	won := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for resolution or for ctx to end.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the failure once resolved, nil while pending or on success.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Resolved reports whether the future has completed.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
