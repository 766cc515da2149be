// Package cluster connects this instance to its peers: it hosts local node
// bindings, answers control requests, and keeps one connection to every peer
// instance that discovery reports.
package cluster

import (
	"time"

	"github.com/oriys/lattice/internal/discovery"
	lgrpc "github.com/oriys/lattice/internal/grpc"
	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/pool"
)

const (
	DefaultControlAddress  = "tcp://0.0.0.0:7600"
	DefaultInvokerAddress  = "0.0.0.0:7700"
	DefaultRefreshInterval = 10 * time.Second
	DefaultReportInterval  = time.Minute
)

// Options configures a Service.
type Options struct {
	InstanceID ids.InstanceID

	// ControlAddress is the control endpoint to bind, e.g. "tcp://0.0.0.0:7600".
	ControlAddress string
	// InvokerAddress is the host:port the invoker server listens on.
	InvokerAddress string
	// AdvertiseHost replaces the bound host in addresses sent to peers.
	// When empty, unspecified bind hosts are replaced by the host name.
	AdvertiseHost string

	RefreshInterval time.Duration
	ReportInterval  time.Duration

	// Applications are hosted by this instance, one node each.
	Applications []ids.ApplicationID
	// Handler serves hosted nodes. Defaults to lgrpc.BuiltinHandler.
	Handler func(ids.NodeID) lgrpc.Handler

	Discovery discovery.Service
	// Dialer opens peer connections. Defaults to NewDialer(nil, MeshPool).
	Dialer Dialer

	MeshPool pool.Config
}

func (o Options) withDefaults() Options {
	if o.InstanceID.IsZero() {
		o.InstanceID = ids.NewInstanceID()
	}
	if o.ControlAddress == "" {
		o.ControlAddress = DefaultControlAddress
	}
	if o.InvokerAddress == "" {
		o.InvokerAddress = DefaultInvokerAddress
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.Handler == nil {
		o.Handler = func(n ids.NodeID) lgrpc.Handler { return lgrpc.BuiltinHandler{Node: n} }
	}
	if o.Discovery == nil {
		o.Discovery = discovery.NewStatic()
	}
	if o.MeshPool.Name == "" {
		o.MeshPool.Name = "mesh"
	}
	if o.Dialer == nil {
		o.Dialer = NewDialer(nil, o.MeshPool)
	}
	return o
}
