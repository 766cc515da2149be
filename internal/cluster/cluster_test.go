package cluster

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/lattice/internal/control"
	"github.com/oriys/lattice/internal/discovery"
	lgrpc "github.com/oriys/lattice/internal/grpc"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/pool"
	"github.com/oriys/lattice/internal/remote"
	"github.com/oriys/lattice/internal/routing"
)

type mutableDiscovery struct {
	mu    sync.Mutex
	hosts []string
}

func (d *mutableDiscovery) set(hosts ...string) {
	d.mu.Lock()
	d.hosts = hosts
	d.mu.Unlock()
}

func (d *mutableDiscovery) KnownHosts(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.hosts), nil
}

func (d *mutableDiscovery) Close() error { return nil }

type announcingDiscovery struct {
	mutableDiscovery

	calls     sync.Mutex
	announced []string
	withdrawn []string
}

func (d *announcingDiscovery) Announce(_ context.Context, addr string) error {
	d.calls.Lock()
	d.announced = append(d.announced, addr)
	d.calls.Unlock()
	return nil
}

func (d *announcingDiscovery) Withdraw(_ context.Context, addr string) error {
	d.calls.Lock()
	d.withdrawn = append(d.withdrawn, addr)
	d.calls.Unlock()
	return nil
}

func (d *announcingDiscovery) take() (announced, withdrawn []string) {
	d.calls.Lock()
	defer d.calls.Unlock()
	announced, withdrawn = d.announced, d.withdrawn
	d.announced, d.withdrawn = nil, nil
	return announced, withdrawn
}

type fakeConn struct {
	address string

	mu     sync.Mutex
	status control.InstanceStatus
	next   *control.InstanceStatus
	closed bool
}

func (c *fakeConn) InstanceID() ids.InstanceID { return c.Status().InstanceID }
func (c *fakeConn) Address() string            { return c.address }

func (c *fakeConn) Status() control.InstanceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) OpenRoute(_ context.Context, node ids.NodeID) (string, error) {
	if !c.Status().Hosts(node) {
		return "", control.ErrNoSuchNode
	}
	return c.Status().InvokerAddress + "/" + node.String(), nil
}

func (c *fakeConn) Refresh(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == nil {
		return false, nil
	}
	changed := !c.next.SameNodes(c.status)
	c.status, c.next = *c.next, nil
	return changed, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeMesh struct {
	mu     sync.Mutex
	peers  map[string]*fakeConn
	dialed []string
}

func newFakeMesh(addrs ...string) *fakeMesh {
	m := &fakeMesh{peers: make(map[string]*fakeConn)}
	app := ids.NewApplicationID()
	for _, a := range addrs {
		inst := ids.NewInstanceID()
		m.peers[a] = &fakeConn{
			address: a,
			status: control.InstanceStatus{
				InstanceID:     inst,
				InvokerAddress: a + "-invoker",
				Nodes:          []ids.NodeID{ids.NewNodeID(inst, app)},
			},
		}
	}
	return m
}

func (m *fakeMesh) dial(_ context.Context, addr string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialed = append(m.dialed, addr)
	c, ok := m.peers[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) listener(kind string) Listener {
	return func(_ context.Context, c Connection) {
		r.mu.Lock()
		r.events = append(r.events, kind+" "+c.Address())
		r.mu.Unlock()
	}
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTestService(t *testing.T, disc discovery.Service, dial Dialer, apps ...ids.ApplicationID) *Service {
	t.Helper()
	return New(Options{
		ControlAddress:  "tcp://127.0.0.1:0",
		InvokerAddress:  "127.0.0.1:0",
		RefreshInterval: time.Hour,
		Applications:    apps,
		Discovery:       disc,
		Dialer:          dial,
	})
}

func TestRefreshDiff(t *testing.T) {
	mesh := newFakeMesh("tcp://a:1", "tcp://b:1", "tcp://c:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1", "tcp://b:1")

	svc := newTestService(t, disc, mesh.dial)
	rec := &recorder{}
	svc.OnConnect(rec.listener("connect"))
	svc.OnUpdate(rec.listener("update"))
	svc.OnDisconnect(rec.listener("disconnect"))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	self := svc.ControlAddress()
	assert.Equal(t, []string{"connect " + self, "connect tcp://a:1", "connect tcp://b:1"}, rec.take())

	disc.set("tcp://b:1", "tcp://c:1")
	require.NoError(t, svc.Refresh(ctx))

	assert.Equal(t, []string{"disconnect tcp://a:1", "connect tcp://c:1"}, rec.take())
	assert.True(t, mesh.peers["tcp://a:1"].isClosed())
	assert.False(t, mesh.peers["tcp://b:1"].isClosed())

	var addrs []string
	for _, c := range svc.ActiveConnections() {
		addrs = append(addrs, c.Address())
	}
	assert.Equal(t, []string{"tcp://b:1", "tcp://c:1"}, addrs)
}

func TestRefreshUpdateOnlyWhenNodesChange(t *testing.T) {
	mesh := newFakeMesh("tcp://a:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1")

	svc := newTestService(t, disc, mesh.dial)
	rec := &recorder{}
	svc.OnUpdate(rec.listener("update"))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.NoError(t, svc.Refresh(ctx))
	assert.Empty(t, rec.take())

	peer := mesh.peers["tcp://a:1"]
	next := peer.Status()
	next.Nodes = append(slices.Clone(next.Nodes), ids.NewNodeID(next.InstanceID, ids.NewApplicationID()))
	peer.mu.Lock()
	peer.next = &next
	peer.mu.Unlock()

	require.NoError(t, svc.Refresh(ctx))
	assert.Equal(t, []string{"update tcp://a:1"}, rec.take())
}

func TestFailedDialRetriedNextRefresh(t *testing.T) {
	mesh := newFakeMesh("tcp://a:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1", "tcp://down:1")

	svc := newTestService(t, disc, mesh.dial)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()
	require.NoError(t, svc.Refresh(ctx))

	mesh.mu.Lock()
	defer mesh.mu.Unlock()
	assert.Equal(t, 2, countOf(mesh.dialed, "tcp://down:1"))
	assert.Equal(t, 1, countOf(mesh.dialed, "tcp://a:1"))
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

func TestLifecycle(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mesh := newFakeMesh("tcp://a:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1")
	app := ids.NewApplicationID()

	svc := newTestService(t, disc, mesh.dial, app)
	ctx := context.Background()

	_, err := svc.OpenBinding(ids.NewNodeID(svc.InstanceID(), ids.NewApplicationID()), nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, svc.Stop(), ErrNotRunning)

	require.NoError(t, svc.Start(ctx))
	bindings := svc.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, ids.NewNodeID(svc.InstanceID(), app), bindings[0].NodeID())
	require.Len(t, svc.ActiveConnections(), 1)

	// A second Start leaves bindings and connections alone.
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyStarted)
	assert.Equal(t, bindings, svc.Bindings())
	assert.Len(t, svc.ActiveConnections(), 1)

	require.NoError(t, svc.Stop())
	assert.Empty(t, svc.ActiveConnections())
	assert.Empty(t, svc.Bindings())
	assert.True(t, bindings[0].Closed())
	assert.True(t, mesh.peers["tcp://a:1"].isClosed())

	_, err = svc.OpenBinding(ids.NewNodeID(svc.InstanceID(), ids.NewApplicationID()), nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = svc.OpenRoute(ctx, bindings[0].NodeID())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, svc.Stop(), ErrNotRunning)
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyStarted)
}

func TestStatusSource(t *testing.T) {
	app := ids.NewApplicationID()
	other := ids.NewApplicationID()
	svc := newTestService(t, &mutableDiscovery{}, newFakeMesh().dial, app, other)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	src := statusSource{svc}
	st := src.InstanceStatus()
	assert.Equal(t, svc.InstanceID(), st.InstanceID)
	assert.Equal(t, svc.InvokerAddress(), st.InvokerAddress)
	assert.ElementsMatch(t, []ids.NodeID{
		ids.NewNodeID(svc.InstanceID(), app),
		ids.NewNodeID(svc.InstanceID(), other),
	}, st.Nodes)

	node := ids.NewNodeID(svc.InstanceID(), app)
	addr, err := src.OpenRoute(node)
	require.NoError(t, err)
	assert.Equal(t, svc.InvokerAddress()+"/"+node.String(), addr)

	for _, b := range svc.Bindings() {
		if b.NodeID() == node {
			require.NoError(t, b.Close())
		}
	}
	_, err = src.OpenRoute(node)
	assert.ErrorIs(t, err, control.ErrNoSuchNode)
	assert.Len(t, src.InstanceStatus().Nodes, 1)
}

type stubInvoker struct {
	*remote.FuncInvoker
	mu      sync.Mutex
	address string
	stopped bool
}

func (s *stubInvoker) Start(_ context.Context, addr string) error {
	s.mu.Lock()
	s.address = addr
	s.mu.Unlock()
	return nil
}

func (s *stubInvoker) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func TestRegistryUpdater(t *testing.T) {
	mesh := newFakeMesh("tcp://a:1", "tcp://b:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1", "tcp://b:1")

	var (
		mu      sync.Mutex
		created []*stubInvoker
	)
	registry := remote.NewRegistry()
	updater := NewRegistryUpdater(registry, func() remote.ManagedInvoker {
		inv := &stubInvoker{FuncInvoker: remote.NewFuncInvoker(func(context.Context, *invocation.Invocation) ([]any, error) {
			return []any{"ok"}, nil
		})}
		mu.Lock()
		created = append(created, inv)
		mu.Unlock()
		return inv
	})

	svc := newTestService(t, disc, mesh.dial)
	updater.Attach(svc)
	defer updater.Detach()

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	nodeA := mesh.peers["tcp://a:1"].status.Nodes[0]
	nodeB := mesh.peers["tcp://b:1"].status.Nodes[0]
	assert.Equal(t, []ids.NodeID{nodeA, nodeB}, registry.Nodes())

	disc.set("tcp://b:1")
	require.NoError(t, svc.Refresh(ctx))
	assert.Equal(t, []ids.NodeID{nodeB}, registry.Nodes())

	mu.Lock()
	require.Len(t, created, 2)
	assert.True(t, created[0].stopped)
	assert.False(t, created[1].stopped)
	assert.Equal(t, "tcp://b:1-invoker/"+nodeB.String(), created[1].address)
	mu.Unlock()
}

// Two real instances over loopback: b discovers a, registers a's node, and
// routes an invocation to it over gRPC.
func TestMeshLoopback(t *testing.T) {
	app := ids.NewApplicationID()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := New(Options{
		ControlAddress:  "tcp://127.0.0.1:0",
		InvokerAddress:  "127.0.0.1:0",
		RefreshInterval: time.Hour,
		Applications:    []ids.ApplicationID{app},
	})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	disc := &mutableDiscovery{}
	disc.set(a.ControlAddress())
	b := New(Options{
		ControlAddress:  "tcp://127.0.0.1:0",
		InvokerAddress:  "127.0.0.1:0",
		RefreshInterval: time.Hour,
		Discovery:       disc,
	})
	registry := remote.NewRegistry()
	updater := NewRegistryUpdater(registry, GRPCInvokers(pool.Config{Name: "test-invoker", Max: 2}))
	updater.Attach(b)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	node := ids.NewNodeID(a.InstanceID(), app)
	require.Eventually(t, func() bool {
		return registry.Len() == 1
	}, 10*time.Second, 50*time.Millisecond)

	route, err := b.OpenRoute(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, a.InvokerAddress()+"/"+node.String(), route)

	strategy := routing.NewSameNode(registry)
	got, err := strategy.InvokeSync(ctx, routing.AddressOf(node), &invocation.Invocation{
		Type:   "diag",
		Method: "ping",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestLocalConnectionEvents(t *testing.T) {
	app := ids.NewApplicationID()
	svc := newTestService(t, &mutableDiscovery{}, newFakeMesh().dial, app)
	rec := &recorder{}
	svc.OnConnect(rec.listener("connect"))
	svc.OnUpdate(rec.listener("update"))
	svc.OnDisconnect(rec.listener("disconnect"))

	var seen []control.InstanceStatus
	svc.OnConnect(func(_ context.Context, c Connection) { seen = append(seen, c.Status()) })

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	self := svc.ControlAddress()
	assert.Equal(t, []string{"connect " + self}, rec.take())
	require.Len(t, seen, 1)
	assert.Equal(t, svc.InstanceID(), seen[0].InstanceID)
	assert.Equal(t, []ids.NodeID{ids.NewNodeID(svc.InstanceID(), app)}, seen[0].Nodes)
	assert.Empty(t, svc.ActiveConnections(), "the loopback connection is not a peer")

	extra := ids.NewNodeID(svc.InstanceID(), ids.NewApplicationID())
	b, err := svc.OpenBinding(extra, lgrpc.BuiltinHandler{Node: extra})
	require.NoError(t, err)
	assert.Equal(t, []string{"update " + self}, rec.take())

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"update " + self}, rec.take())

	require.NoError(t, svc.Stop())
	assert.Equal(t, []string{"disconnect " + self}, rec.take())
}

func TestAnnounceOnlyWhileHosting(t *testing.T) {
	disc := &announcingDiscovery{}
	svc := newTestService(t, disc, newFakeMesh().dial)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Refresh(ctx))
	announced, withdrawn := disc.take()
	assert.Empty(t, announced, "an instance hosting nothing stays out of discovery")
	assert.Empty(t, withdrawn)

	node := ids.NewNodeID(svc.InstanceID(), ids.NewApplicationID())
	b, err := svc.OpenBinding(node, lgrpc.BuiltinHandler{Node: node})
	require.NoError(t, err)
	require.NoError(t, svc.Refresh(ctx))
	announced, withdrawn = disc.take()
	assert.Equal(t, []string{svc.ControlAddress()}, announced)
	assert.Empty(t, withdrawn)

	require.NoError(t, b.Close())
	require.NoError(t, svc.Refresh(ctx))
	require.NoError(t, svc.Refresh(ctx))
	announced, withdrawn = disc.take()
	assert.Empty(t, announced)
	assert.Equal(t, []string{svc.ControlAddress()}, withdrawn)

	require.NoError(t, svc.Stop())
	announced, withdrawn = disc.take()
	assert.Empty(t, announced)
	assert.Empty(t, withdrawn)
}

func TestStopWithdrawsHostingInstance(t *testing.T) {
	disc := &announcingDiscovery{}
	svc := newTestService(t, disc, newFakeMesh().dial, ids.NewApplicationID())

	require.NoError(t, svc.Start(context.Background()))
	addr := svc.ControlAddress()
	announced, _ := disc.take()
	assert.Equal(t, []string{addr}, announced)

	require.NoError(t, svc.Stop())
	_, withdrawn := disc.take()
	assert.Equal(t, []string{addr}, withdrawn)
}

// Two real instances host the same application. The registry on b resolves
// the application to both nodes, b's own included, and routes to each.
func TestRegistryIncludesLocalNodes(t *testing.T) {
	app := ids.NewApplicationID()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := New(Options{
		ControlAddress:  "tcp://127.0.0.1:0",
		InvokerAddress:  "127.0.0.1:0",
		RefreshInterval: time.Hour,
		Applications:    []ids.ApplicationID{app},
	})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	disc := &mutableDiscovery{}
	b := New(Options{
		ControlAddress:  "tcp://127.0.0.1:0",
		InvokerAddress:  "127.0.0.1:0",
		RefreshInterval: time.Hour,
		Applications:    []ids.ApplicationID{app},
		Discovery:       disc,
	})
	registry := remote.NewRegistry()
	updater := NewRegistryUpdater(registry, GRPCInvokers(pool.Config{Name: "test-invoker", Max: 2}))
	updater.Attach(b)
	defer updater.Detach()
	require.NoError(t, b.Start(ctx))

	nodeA := ids.NewNodeID(a.InstanceID(), app)
	nodeB := ids.NewNodeID(b.InstanceID(), app)
	assert.Equal(t, []ids.NodeID{nodeB}, registry.NodesForApplication(app))

	disc.set(a.ControlAddress(), b.ControlAddress())
	require.NoError(t, b.Refresh(ctx))
	assert.ElementsMatch(t, []ids.NodeID{nodeA, nodeB}, registry.NodesForApplication(app))
	require.Len(t, b.ActiveConnections(), 1)
	assert.Equal(t, a.ControlAddress(), b.ActiveConnections()[0].Address())

	got, err := routing.NewListAggregate(registry, app).InvokeSync(ctx, nil, &invocation.Invocation{
		Type:   "diag",
		Method: "node",
	}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{nodeA.String(), nodeB.String()}, got)

	for _, bnd := range b.Bindings() {
		require.NoError(t, bnd.Close())
	}
	assert.Equal(t, []ids.NodeID{nodeA}, registry.NodesForApplication(app))

	require.NoError(t, b.Stop())
	assert.Zero(t, registry.Len())
}

func TestRoutingStatus(t *testing.T) {
	mesh := newFakeMesh("tcp://a:1")
	disc := &mutableDiscovery{}
	disc.set("tcp://a:1")
	app := ids.NewApplicationID()
	svc := newTestService(t, disc, mesh.dial, app)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	local := ids.NewNodeID(svc.InstanceID(), app)
	remoteNode := mesh.peers["tcp://a:1"].status.Nodes[0]

	rs := statusSource{svc}.RoutingStatus()
	assert.Equal(t, svc.InstanceID(), rs.InstanceID)
	assert.ElementsMatch(t, []control.Route{
		{Node: local, Address: svc.InvokerAddress() + "/" + local.String()},
		{Node: remoteNode, Address: "tcp://a:1-invoker/" + remoteNode.String()},
	}, rs.Routes)
}
