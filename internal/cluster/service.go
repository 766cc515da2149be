package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/lattice/internal/control"
	"github.com/oriys/lattice/internal/discovery"
	lgrpc "github.com/oriys/lattice/internal/grpc"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("connection service already started")
	ErrNotRunning     = errors.New("connection service not running")
	ErrNoRoute        = errors.New("no route to node")
)

type state int

const (
	stateNotStarted state = iota
	stateStarted
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	}
	return "not started"
}

// Service is the instance connection service. Start and Stop may each be
// called once.
type Service struct {
	opts Options
	log  *slog.Logger

	lifecycle sync.Mutex // serializes Start and Stop
	refreshMu sync.Mutex // serializes refreshes and connection teardown

	mu          sync.Mutex
	state       state
	bindings    map[ids.NodeID]*Binding
	conns       map[string]Connection
	self        mapset.Set[string]
	knownHosts  int
	local       *localConnection
	announced   bool
	invokerAddr string
	controlAddr string

	invokers *lgrpc.InvokerServer
	ctrl     *control.Server
	cancel   context.CancelFunc
	tasks    *taskgroup.Group

	onConnect    listeners
	onUpdate     listeners
	onDisconnect listeners
}

// New returns an unstarted service.
func New(opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:     opts,
		log:      logging.Component("cluster").With("instance", opts.InstanceID.String()),
		bindings: make(map[ids.NodeID]*Binding),
		conns:    make(map[string]Connection),
		self:     mapset.New[string](),
	}
}

// InstanceID returns this instance's id.
func (s *Service) InstanceID() ids.InstanceID { return s.opts.InstanceID }

// ControlAddress returns the advertised control endpoint, or "" before Start.
func (s *Service) ControlAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlAddr
}

// InvokerAddress returns the advertised invoker endpoint, or "" before Start.
func (s *Service) InvokerAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invokerAddr
}

// OnConnect subscribes fn to new connections. The instance's own loopback
// connection is reported first, once Start has opened the hosted bindings.
func (s *Service) OnConnect(fn Listener) (unsubscribe func()) { return s.onConnect.add(fn) }

// OnUpdate subscribes fn to connections whose hosted node set changed. For
// the loopback connection it fires on every OpenBinding and Binding.Close.
func (s *Service) OnUpdate(fn Listener) (unsubscribe func()) { return s.onUpdate.add(fn) }

// OnDisconnect subscribes fn to closed connections.
func (s *Service) OnDisconnect(fn Listener) (unsubscribe func()) { return s.onDisconnect.add(fn) }

// Start binds the hosted nodes, starts the invoker and control servers, runs
// one refresh and then refreshes on every RefreshInterval.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != stateNotStarted {
		return fmt.Errorf("%w (%s)", ErrAlreadyStarted, st)
	}

	invokers := lgrpc.NewInvokerServer()
	if err := invokers.Start(s.opts.InvokerAddress); err != nil {
		return fmt.Errorf("start invoker server: %w", err)
	}
	ctrl := control.NewServer(statusSource{s})
	if err := ctrl.Listen(s.opts.ControlAddress); err != nil {
		invokers.Stop()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.invokers, s.ctrl, s.cancel = invokers, ctrl, cancel
	s.invokerAddr = s.advertise(invokers.Addr())
	s.controlAddr = "tcp://" + s.advertise(strings.TrimPrefix(ctrl.Addr(), "tcp://"))
	s.self.Add(s.controlAddr)
	s.state = stateStarted
	s.mu.Unlock()

	for _, app := range s.opts.Applications {
		node := ids.NewNodeID(s.opts.InstanceID, app)
		if _, err := s.OpenBinding(node, s.opts.Handler(node)); err != nil {
			s.mu.Lock()
			s.state = stateStopped
			s.mu.Unlock()
			cancel()
			s.teardown()
			return err
		}
	}

	local := &localConnection{svc: s, address: s.ControlAddress()}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	s.onConnect.fire(ctx, local)

	s.tasks = taskgroup.New(nil)
	s.tasks.Go(func() error { return ctrl.Serve(runCtx) })

	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("initial refresh failed", "error", err)
	}
	s.tasks.Go(func() error { s.pollLoop(runCtx); return nil })
	s.tasks.Go(func() error { s.reportLoop(runCtx); return nil })

	s.log.Info("connection service started",
		"control", s.ControlAddress(),
		"invoker", s.InvokerAddress(),
		"bindings", len(s.Bindings()))
	return nil
}

// Stop closes every connection, firing disconnect listeners, then the
// bindings and servers.
func (s *Service) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != stateStarted {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrNotRunning, st)
	}
	s.state = stateStopped
	s.mu.Unlock()

	s.cancel()
	s.ctrl.Close()
	s.tasks.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.mu.Lock()
	announced := s.announced
	s.announced = false
	s.mu.Unlock()
	if a, ok := s.opts.Discovery.(discovery.Announcer); ok && announced {
		if err := a.Withdraw(ctx, s.ControlAddress()); err != nil {
			s.log.Warn("withdraw failed", "error", err)
		}
	}

	s.refreshMu.Lock()
	s.mu.Lock()
	conns := s.sortedConnsLocked()
	clear(s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		s.disconnect(ctx, c)
	}
	s.mu.Lock()
	local := s.local
	s.local = nil
	s.mu.Unlock()
	if local != nil {
		s.onDisconnect.fire(ctx, local)
	}
	s.refreshMu.Unlock()
	metrics.SetActiveConnections(0)

	s.teardown()
	s.log.Info("connection service stopped")
	return nil
}

// teardown closes bindings and both servers.
func (s *Service) teardown() {
	s.mu.Lock()
	bindings := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()
	for _, b := range bindings {
		b.Close()
	}
	s.ctrl.Close()
	s.invokers.Stop()
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStarted
}

// OpenBinding hosts node on this instance, served by h.
func (s *Service) OpenBinding(node ids.NodeID, h lgrpc.Handler) (*Binding, error) {
	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	if node.Instance != s.opts.InstanceID {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %s is not owned by instance %s", node, s.opts.InstanceID)
	}
	if err := s.invokers.Bind(node, h); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	b := &Binding{
		node:    node,
		address: lgrpc.ConnectAddress(s.invokerAddr, node),
		svc:     s,
	}
	s.bindings[node] = b
	local := s.local
	s.mu.Unlock()

	s.log.Info("binding opened", "node", node.String())
	if local != nil {
		s.onUpdate.fire(context.Background(), local)
	}
	return b, nil
}

func (s *Service) releaseBinding(b *Binding) {
	s.mu.Lock()
	if s.bindings[b.node] == b {
		delete(s.bindings, b.node)
	}
	local := s.local
	s.mu.Unlock()
	s.invokers.Unbind(b.node)
	s.log.Info("binding closed", "node", b.node.String())
	if local != nil {
		s.onUpdate.fire(context.Background(), local)
	}
}

// Bindings returns the open bindings ordered by node id.
func (s *Service) Bindings() []*Binding {
	s.mu.Lock()
	out := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *Binding) int { return strings.Compare(a.node.String(), b.node.String()) })
	return out
}

// ActiveConnections returns the open peer connections ordered by address.
func (s *Service) ActiveConnections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedConnsLocked()
}

func (s *Service) sortedConnsLocked() []Connection {
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Connection) int { return strings.Compare(a.Address(), b.Address()) })
	return out
}

// OpenRoute returns the connect address for node, which may be hosted
// locally or by any connected peer.
func (s *Service) OpenRoute(ctx context.Context, node ids.NodeID) (string, error) {
	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if b, ok := s.bindings[node]; ok {
		s.mu.Unlock()
		return b.address, nil
	}
	var peer Connection
	for _, c := range s.conns {
		if c.InstanceID() == node.Instance {
			peer = c
			break
		}
	}
	s.mu.Unlock()

	if peer == nil {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, node)
	}
	return peer.OpenRoute(ctx, node)
}

// Refresh diffs the hosts reported by discovery against the open
// connections: new hosts are dialed, vanished hosts are closed, and the rest
// are re-queried.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !s.running() {
		return ErrNotRunning
	}

	s.announce(ctx)

	hosts, err := s.opts.Discovery.KnownHosts(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	s.mu.Lock()
	s.knownHosts = len(hosts)
	known := mapset.New[string]()
	var added []string
	for _, h := range hosts {
		if s.self.Has(h) || known.Has(h) {
			continue
		}
		known.Add(h)
		if _, ok := s.conns[h]; !ok {
			added = append(added, h)
		}
	}
	var gone, kept []Connection
	for _, c := range s.sortedConnsLocked() {
		if known.Has(c.Address()) {
			kept = append(kept, c)
		} else {
			gone = append(gone, c)
			delete(s.conns, c.Address())
		}
	}
	s.mu.Unlock()

	for _, c := range gone {
		s.disconnect(ctx, c)
	}
	for _, c := range kept {
		s.update(ctx, c)
	}
	s.connect(ctx, added)

	s.mu.Lock()
	metrics.SetActiveConnections(len(s.conns))
	s.mu.Unlock()
	return nil
}

// announce publishes the control address while this instance hosts nodes,
// and withdraws it once the last binding is closed. An instance hosting
// nothing stays out of discovery.
func (s *Service) announce(ctx context.Context) {
	a, ok := s.opts.Discovery.(discovery.Announcer)
	if !ok {
		return
	}
	s.mu.Lock()
	addr, hosting, announced := s.controlAddr, len(s.bindings) > 0, s.announced
	s.mu.Unlock()

	switch {
	case hosting:
		if err := a.Announce(ctx, addr); err != nil {
			s.log.Warn("announce failed", "error", err)
			return
		}
	case announced:
		if err := a.Withdraw(ctx, addr); err != nil {
			s.log.Warn("withdraw failed", "error", err)
			return
		}
	default:
		return
	}
	s.mu.Lock()
	s.announced = hosting
	s.mu.Unlock()
}

// connect dials hosts in parallel and registers the connections in host
// order.
func (s *Service) connect(ctx context.Context, hosts []string) {
	if len(hosts) == 0 {
		return
	}
	conns := make([]Connection, len(hosts))
	var g errgroup.Group
	for i, h := range hosts {
		g.Go(func() error {
			c, err := s.opts.Dialer(ctx, h)
			if err != nil {
				s.log.Warn("peer connect failed", "peer", h, "error", err)
				return nil
			}
			conns[i] = c
			return nil
		})
	}
	g.Wait()

	for i, c := range conns {
		if c == nil {
			continue
		}
		if c.InstanceID() == s.opts.InstanceID {
			s.log.Debug("discovered own control address", "address", hosts[i])
			c.Close()
			s.mu.Lock()
			s.self.Add(hosts[i])
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.conns[hosts[i]] = c
		s.mu.Unlock()

		metrics.Global().RecordPeerConnected()
		s.log.Info("peer connected",
			"peer", hosts[i],
			"peer_instance", c.InstanceID().String(),
			"nodes", len(c.Status().Nodes))
		s.onConnect.fire(ctx, c)
	}
}

func (s *Service) update(ctx context.Context, c Connection) {
	changed, err := c.Refresh(ctx)
	switch {
	case errors.Is(err, ErrInstanceChanged):
		s.log.Warn("peer restarted, reconnecting on next refresh", "peer", c.Address(), "error", err)
		s.mu.Lock()
		delete(s.conns, c.Address())
		s.mu.Unlock()
		s.disconnect(ctx, c)
	case err != nil:
		s.log.Warn("peer refresh failed", "peer", c.Address(), "error", err)
	case changed:
		metrics.RecordPeerUpdated()
		s.log.Info("peer updated", "peer", c.Address(), "nodes", len(c.Status().Nodes))
		s.onUpdate.fire(ctx, c)
	}
}

func (s *Service) disconnect(ctx context.Context, c Connection) {
	if err := c.Close(); err != nil {
		s.log.Warn("peer close failed", "peer", c.Address(), "error", err)
	}
	metrics.Global().RecordPeerDisconnected()
	s.log.Info("peer disconnected", "peer", c.Address(), "peer_instance", c.InstanceID().String())
	s.onDisconnect.fire(ctx, c)
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNotRunning) && ctx.Err() == nil {
				s.log.Warn("refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			known, active, bound := s.knownHosts, len(s.conns), len(s.bindings)
			s.mu.Unlock()
			s.log.Info("cluster status", "known_hosts", known, "active", active, "bindings", bound)
		}
	}
}

// advertise rewrites the host of a bound host:port for peers.
func (s *Service) advertise(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if s.opts.AdvertiseHost != "" {
		host = s.opts.AdvertiseHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return net.JoinHostPort(host, port)
}

// statusSource answers control requests from peers.
type statusSource struct{ s *Service }

func (src statusSource) InstanceStatus() control.InstanceStatus {
	s := src.s
	s.mu.Lock()
	defer s.mu.Unlock()
	st := control.InstanceStatus{InstanceID: s.opts.InstanceID, InvokerAddress: s.invokerAddr}
	for n, b := range s.bindings {
		if !b.Closed() {
			st.Nodes = append(st.Nodes, n)
		}
	}
	control.SortNodes(st.Nodes)
	return st
}

// RoutingStatus lists the open bindings and every node hosted by a connected
// peer.
func (src statusSource) RoutingStatus() control.RoutingStatus {
	s := src.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := control.RoutingStatus{InstanceID: s.opts.InstanceID}
	for n, b := range s.bindings {
		if !b.Closed() {
			rs.Routes = append(rs.Routes, control.Route{Node: n, Address: b.address})
		}
	}
	for _, c := range s.sortedConnsLocked() {
		st := c.Status()
		for _, n := range st.Nodes {
			rs.Routes = append(rs.Routes, control.Route{Node: n, Address: lgrpc.ConnectAddress(st.InvokerAddress, n)})
		}
	}
	return rs
}

func (src statusSource) OpenRoute(node ids.NodeID) (string, error) {
	s := src.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStarted {
		return "", fmt.Errorf("%w: %v", control.ErrNoSuchNode, ErrNotRunning)
	}
	b, ok := s.bindings[node]
	if !ok || b.Closed() {
		return "", control.ErrNoSuchNode
	}
	return b.address, nil
}
