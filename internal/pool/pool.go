// Package pool keeps a bounded set of reusable connections to one peer.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
)

const (
	DefaultIdleTTL         = 5 * time.Minute
	defaultCleanupInterval = 30 * time.Second
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

var errFull = errors.New("pool full")

// DialFunc opens a new connection.
type DialFunc[C io.Closer] func(ctx context.Context) (C, error)

// Config bounds a pool.
type Config struct {
	Name    string
	Min     int
	Max     int
	IdleTTL time.Duration
}

func (c Config) normalized() Config {
	if c.Max < 1 {
		c.Max = 1
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

type entry[C io.Closer] struct {
	conn     C
	inflight int
	lastUsed time.Time
}

// Pool hands out the least-loaded connection and grows up to Max only when
// every connection is busy. It is safe for concurrent use.
type Pool[C io.Closer] struct {
	cfg  Config
	dial DialFunc[C]
	log  *slog.Logger

	mu     sync.Mutex
	conns  []*entry[C]
	closed bool
	group  singleflight.Group
	stop   chan struct{}
	done   chan struct{}
}

// New returns an empty pool. Call Start to dial the minimum connections.
func New[C io.Closer](cfg Config, dial DialFunc[C]) *Pool[C] {
	cfg = cfg.normalized()
	return &Pool[C]{
		cfg:  cfg,
		dial: dial,
		log:  logging.Component("pool").With("pool", cfg.Name),
		stop: make(chan struct{}),
	}
}

// Config returns the effective bounds.
func (p *Pool[C]) Config() Config { return p.cfg }

// Start dials Min connections in parallel and starts idle cleanup.
func (p *Pool[C]) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var (
		dmu    sync.Mutex
		dialed []C
	)
	for range p.cfg.Min {
		g.Go(func() error {
			c, err := p.dial(gctx)
			if err != nil {
				return err
			}
			dmu.Lock()
			dialed = append(dialed, c)
			dmu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeAll(dialed)
		return ErrClosed
	}
	if err != nil {
		p.mu.Unlock()
		closeAll(dialed)
		return fmt.Errorf("pool %s: dial: %w", p.cfg.Name, err)
	}
	now := time.Now()
	for _, c := range dialed {
		p.conns = append(p.conns, &entry[C]{conn: c, lastUsed: now})
	}
	if p.done == nil {
		p.done = make(chan struct{})
		go p.cleanupLoop()
	}
	p.mu.Unlock()

	p.report()
	return nil
}

func closeAll[C io.Closer](conns []C) {
	for _, c := range conns {
		c.Close()
	}
}

// Acquire returns a connection marked in use. Release it when done.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		e := p.leastLoadedLocked()
		if e != nil && (e.inflight == 0 || len(p.conns) >= p.cfg.Max) {
			p.useLocked(e)
			p.mu.Unlock()
			p.report()
			return e.conn, nil
		}
		p.mu.Unlock()

		v, err, _ := p.group.Do("dial", func() (any, error) {
			return p.grow(ctx)
		})
		switch {
		case errors.Is(err, errFull):
			continue
		case err != nil:
			p.mu.Lock()
			e := p.leastLoadedLocked()
			if e == nil {
				p.mu.Unlock()
				return zero, fmt.Errorf("pool %s: dial: %w", p.cfg.Name, err)
			}
			p.log.Warn("dial failed, reusing busy connection", "error", err)
			p.useLocked(e)
			p.mu.Unlock()
			return e.conn, nil
		}

		e = v.(*entry[C])
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		p.useLocked(e)
		p.mu.Unlock()
		p.report()
		return e.conn, nil
	}
}

func (p *Pool[C]) grow(ctx context.Context) (*entry[C], error) {
	p.mu.Lock()
	full := len(p.conns) >= p.cfg.Max
	p.mu.Unlock()
	if full {
		return nil, errFull
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, ErrClosed
	}
	if len(p.conns) >= p.cfg.Max {
		c.Close()
		return nil, errFull
	}
	e := &entry[C]{conn: c, lastUsed: time.Now()}
	p.conns = append(p.conns, e)
	p.log.Debug("pool grew", "size", len(p.conns))
	return e, nil
}

func (p *Pool[C]) leastLoadedLocked() *entry[C] {
	var best *entry[C]
	for _, e := range p.conns {
		if best == nil || e.inflight < best.inflight {
			best = e
		}
	}
	return best
}

func (p *Pool[C]) useLocked(e *entry[C]) {
	e.inflight++
	e.lastUsed = time.Now()
}

func (p *Pool[C]) findLocked(c C) int {
	for i, e := range p.conns {
		if any(e.conn) == any(c) {
			return i
		}
	}
	return -1
}

// Release returns a connection obtained from Acquire.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	if i := p.findLocked(c); i >= 0 {
		e := p.conns[i]
		if e.inflight > 0 {
			e.inflight--
		}
		e.lastUsed = time.Now()
	}
	p.mu.Unlock()
	p.report()
}

// Discard removes a broken connection from the pool and closes it.
func (p *Pool[C]) Discard(c C) {
	p.mu.Lock()
	i := p.findLocked(c)
	if i >= 0 {
		p.conns = append(p.conns[:i], p.conns[i+1:]...)
	}
	p.mu.Unlock()
	if i >= 0 {
		c.Close()
		p.report()
	}
}

func (p *Pool[C]) cleanupLoop() {
	defer close(p.done)
	ticker := time.NewTicker(min(defaultCleanupInterval, p.cfg.IdleTTL))
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

// cleanupIdle closes connections idle longer than IdleTTL while keeping at
// least Min.
func (p *Pool[C]) cleanupIdle() {
	now := time.Now()
	var expired []C

	p.mu.Lock()
	kept := p.conns[:0]
	for _, e := range p.conns {
		if e.inflight == 0 && now.Sub(e.lastUsed) > p.cfg.IdleTTL && len(p.conns)-len(expired) > p.cfg.Min {
			expired = append(expired, e.conn)
			continue
		}
		kept = append(kept, e)
	}
	p.conns = kept
	p.mu.Unlock()

	if len(expired) > 0 {
		p.log.Debug("closing idle connections", "count", len(expired))
		closeAll(expired)
		p.report()
	}
}

// Close closes every connection. Connections still in use are closed too.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	done := p.done
	p.mu.Unlock()

	close(p.stop)
	if done != nil {
		<-done
	}

	var errs []error
	for _, e := range conns {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.cfg.Name != "" {
		metrics.DeletePoolSize(p.cfg.Name)
	}
	return errors.Join(errs...)
}
