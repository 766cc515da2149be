package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/lattice/internal/invocation"
)

// AsyncOperation is the handle of a non-blocking call.
type AsyncOperation interface {
	// Cancel asks the operation to stop. Best effort.
	Cancel()
	// Timeout cancels the operation if it has not completed within d.
	Timeout(d time.Duration)
	// Done is closed when the operation finishes.
	Done() <-chan struct{}
	// Err returns the failure after Done is closed, nil otherwise.
	Err() error
}

// ErrTimedOut is the cancellation cause set by Timeout.
var ErrTimedOut = errors.New("operation timed out")

// Operation is the standard AsyncOperation backed by a cancellable context.
type Operation struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	err   error
	timer *time.Timer
}

// NewOperation derives the operation's context from parent.
func NewOperation(parent context.Context) *Operation {
	ctx, cancel := context.WithCancelCause(parent)
	return &Operation{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Context is cancelled by Cancel, Timeout, or the parent.
func (o *Operation) Context() context.Context { return o.ctx }

// Finish records the outcome. Only the first call has an effect.
func (o *Operation) Finish(err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		if o.timer != nil {
			o.timer.Stop()
		}
		o.mu.Unlock()
		close(o.done)
		o.cancel(nil)
	})
}

func (o *Operation) Cancel() {
	if o.finished() {
		return
	}
	o.cancel(context.Canceled)
}

func (o *Operation) Timeout(d time.Duration) {
	if o.finished() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(d, func() { o.cancel(ErrTimedOut) })
}

func (o *Operation) Done() <-chan struct{} { return o.done }

func (o *Operation) Err() error {
	if !o.finished() {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) finished() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Go runs fn on its own goroutine under a new Operation. A failure is passed
// to onError (if set) before the operation is marked done. A cancellation
// caused by Timeout is reported as an invocation timeout.
func Go(ctx context.Context, fn func(context.Context) error, onError invocation.ErrorConsumer) *Operation {
	op := NewOperation(ctx)
	go func() {
		err := fn(op.ctx)
		if err != nil && errors.Is(context.Cause(op.ctx), ErrTimedOut) {
			err = invocation.NewError(invocation.KindTimeout, "%v", err)
		}
		if err != nil && onError != nil {
			onError(err)
		}
		op.Finish(err)
	}()
	return op
}
