package routing

import (
	"log/slog"
	"sync"

	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
)

// merger collects the partial results each invoker delivers to each of the
// caller's consumers. Consumer j fires once, after all n invokers have
// contributed, with the contributions folded in invoker order.
type merger struct {
	consumers []invocation.ResultConsumer
	n         int
	initial   func() any
	combine   func(a, b *invocation.Result) *invocation.Result

	mu     sync.Mutex
	slots  [][]*invocation.Result // [consumer][invoker]
	filled []int
}

func newMerger(consumers []invocation.ResultConsumer, n int, initial func() any, combine func(a, b *invocation.Result) *invocation.Result) *merger {
	m := &merger{
		consumers: consumers,
		n:         n,
		initial:   initial,
		combine:   combine,
		slots:     make([][]*invocation.Result, len(consumers)),
		filled:    make([]int, len(consumers)),
	}
	for j := range m.slots {
		m.slots[j] = make([]*invocation.Result, n)
	}
	if n == 0 {
		for j := range consumers {
			m.fire(j, nil)
		}
	}
	return m
}

// consumersFor returns the consumer list handed to invoker i.
func (m *merger) consumersFor(i int) []invocation.ResultConsumer {
	if len(m.consumers) == 0 {
		return nil
	}
	out := make([]invocation.ResultConsumer, len(m.consumers))
	for j := range m.consumers {
		out[j] = func(r *invocation.Result) { m.contribute(j, i, r) }
	}
	return out
}

func (m *merger) contribute(j, i int, r *invocation.Result) {
	if r == nil {
		r = invocation.NewResult(nil)
	}
	m.mu.Lock()
	if m.slots[j][i] != nil {
		m.mu.Unlock()
		logging.Component("routing").Warn("duplicate partial result ignored", "consumer", j, "invoker", i)
		return
	}
	m.slots[j][i] = r
	m.filled[j]++
	var parts []*invocation.Result
	if m.filled[j] == m.n {
		parts = m.slots[j]
	}
	m.mu.Unlock()

	if parts != nil {
		m.fire(j, parts)
	}
}

func (m *merger) fire(j int, parts []*invocation.Result) {
	acc := invocation.NewResult(m.initial())
	for _, p := range parts {
		acc = m.combine(acc, p)
	}
	if c := m.consumers[j]; c != nil {
		c(acc)
	}
}

// errorLatch forwards only the first reported error to the caller. Later
// errors are logged and dropped.
type errorLatch struct {
	strategy string
	onError  invocation.ErrorConsumer

	mu    sync.Mutex
	first error
}

func newErrorLatch(strategy string, onError invocation.ErrorConsumer) *errorLatch {
	return &errorLatch{strategy: strategy, onError: onError}
}

// report returns true if err was the first error.
func (l *errorLatch) report(err error) bool {
	l.mu.Lock()
	if l.first != nil {
		l.mu.Unlock()
		logging.Component("routing").Warn("dropping aggregate error after first failure",
			slog.String("strategy", l.strategy),
			slog.Any("error", err),
		)
		metrics.Global().RecordDroppedError(l.strategy)
		return false
	}
	l.first = err
	l.mu.Unlock()

	if l.onError != nil {
		l.onError(err)
	}
	return true
}

func (l *errorLatch) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}
