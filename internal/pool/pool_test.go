package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/lattice/internal/metrics"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type dialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
	delay time.Duration
}

func (d *dialer) dial(ctx context.Context) (*fakeConn, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{id: len(d.conns)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func TestConfigNormalized(t *testing.T) {
	tests := []struct {
		in, want Config
	}{
		{Config{}, Config{Min: 0, Max: 1, IdleTTL: DefaultIdleTTL}},
		{Config{Min: 5, Max: 2}, Config{Min: 2, Max: 2, IdleTTL: DefaultIdleTTL}},
		{Config{Min: -1, Max: 3, IdleTTL: time.Second}, Config{Min: 0, Max: 3, IdleTTL: time.Second}},
	}
	for _, tt := range tests {
		if got := tt.in.normalized(); got != tt.want {
			t.Errorf("normalized(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestStartDialsMin(t *testing.T) {
	defer leaktest.Check(t)()

	d := &dialer{}
	p := New(Config{Name: "test", Min: 2, Max: 4}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 2, d.count())
	assert.Equal(t, Stats{Name: "test", Size: 2, Idle: 2, Min: 2, Max: 4}, p.Stats())

	require.NoError(t, p.Close())
	for _, c := range d.conns {
		assert.True(t, c.closed.Load())
	}
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAcquireGrowsOnlyWhenBusy(t *testing.T) {
	d := &dialer{}
	p := New(Config{Min: 1, Max: 2}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(a)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, a, again, "idle connection is reused")
	assert.Equal(t, 1, d.count())

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b, "all busy and below max: dial")
	assert.Equal(t, 2, d.count())

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.count(), "never beyond max")
	assert.Contains(t, []*fakeConn{a, b}, c)

	s := p.Stats()
	assert.Equal(t, 2, s.Busy)
	assert.Equal(t, 3, s.InFlight)
}

func scrapeMetrics(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestCloseDropsGauges(t *testing.T) {
	metrics.InitPrometheus("lattice_pool_test", nil)

	d := &dialer{}
	p := New(Config{Name: "invoker:node-a", Min: 1, Max: 1}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	other := New(Config{Name: "invoker:node-b", Min: 1, Max: 1}, d.dial)
	require.NoError(t, other.Start(context.Background()))
	defer other.Close()

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	body := scrapeMetrics(t)
	assert.Contains(t, body, `lattice_pool_test_pool_connections{pool="invoker:node-a",state="busy"} 1`)
	assert.Contains(t, body, `lattice_pool_test_pool_connections{pool="invoker:node-b",state="idle"} 1`)

	require.NoError(t, p.Close())
	p.Release(c)
	body = scrapeMetrics(t)
	assert.NotContains(t, body, `pool="invoker:node-a"`)
	assert.Contains(t, body, `lattice_pool_test_pool_connections{pool="invoker:node-b",state="idle"} 1`)
}

func TestAcquireLeastLoaded(t *testing.T) {
	d := &dialer{}
	p := New(Config{Min: 2, Max: 2}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()
	ctx := context.Background()

	first, _ := p.Acquire(ctx)
	second, _ := p.Acquire(ctx)
	assert.NotSame(t, first, second)

	third, _ := p.Acquire(ctx)
	assert.Same(t, first, third, "ties go to the oldest connection")

	p.Release(first)
	p.Release(first)
	fourth, _ := p.Acquire(ctx)
	assert.Same(t, first, fourth)
}

func TestConcurrentAcquireDedupsDials(t *testing.T) {
	defer leaktest.Check(t)()

	d := &dialer{delay: 20 * time.Millisecond}
	p := New(Config{Min: 0, Max: 3}, d.dial)
	require.NoError(t, p.Start(context.Background()))

	g := taskgroup.New(nil)
	for range 10 {
		g.Go(func() error {
			c, err := p.Acquire(context.Background())
			if err != nil {
				return err
			}
			p.Release(c)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, d.count(), 3)
	assert.LessOrEqual(t, p.Stats().Size, 3)
	require.NoError(t, p.Close())
}

func TestDialFailure(t *testing.T) {
	boom := errors.New("refused")
	d := &dialer{fail: boom}
	p := New(Config{Min: 1, Max: 2}, d.dial)
	assert.ErrorIs(t, p.Start(context.Background()), boom)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	require.NoError(t, p.Close())
}

func TestDialFailureFallsBackToBusy(t *testing.T) {
	d := &dialer{}
	p := New(Config{Min: 1, Max: 2}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)

	d.mu.Lock()
	d.fail = errors.New("refused")
	d.mu.Unlock()

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestDiscard(t *testing.T) {
	d := &dialer{}
	p := New(Config{Min: 1, Max: 1}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	a, _ := p.Acquire(context.Background())
	p.Discard(a)
	assert.True(t, a.closed.Load())
	assert.Zero(t, p.Stats().Size)

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestCleanupIdleKeepsMin(t *testing.T) {
	d := &dialer{}
	p := New(Config{Min: 1, Max: 3, IdleTTL: time.Millisecond}, d.dial)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	ctx := context.Background()
	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	c, _ := p.Acquire(ctx)
	require.Equal(t, 3, p.Stats().Size)
	p.Release(a)
	p.Release(b)

	time.Sleep(5 * time.Millisecond)
	p.cleanupIdle()

	s := p.Stats()
	assert.Equal(t, 1, s.Size, "only the busy connection survives")
	assert.Equal(t, 1, s.Busy)
	assert.False(t, c.closed.Load())
}
