package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/observability"
	"github.com/oriys/lattice/internal/pool"
	"github.com/oriys/lattice/internal/remote"
)

// ErrNotStarted is returned by calls made before Start or after Stop.
var ErrNotStarted = errors.New("remote invoker not started")

// ConnectAddress joins a peer's invoker address and a node id. Routes to
// every node of a peer share that peer's invoker endpoint.
func ConnectAddress(invokerAddr string, node ids.NodeID) string {
	return invokerAddr + "/" + node.String()
}

// ParseConnectAddress splits a ConnectAddress.
func ParseConnectAddress(s string) (string, ids.NodeID, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return "", ids.NodeID{}, fmt.Errorf("invalid connect address %q", s)
	}
	node, err := ids.ParseNodeID(s[i+1:])
	if err != nil {
		return "", ids.NodeID{}, fmt.Errorf("invalid connect address %q: %w", s, err)
	}
	return s[:i], node, nil
}

// DefaultDialOptions are used when a RemoteInvoker is given none.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

// RemoteInvoker calls one remote node over a bounded pool of client
// connections. It implements remote.ManagedInvoker.
type RemoteInvoker struct {
	*remote.FuncInvoker

	poolCfg  pool.Config
	dialOpts []grpc.DialOption

	mu     sync.RWMutex
	node   ids.NodeID
	target string
	conns  *pool.Pool[*grpc.ClientConn]
}

// NewRemoteInvoker returns an unstarted invoker whose pool is bounded by cfg.
func NewRemoteInvoker(cfg pool.Config, opts ...grpc.DialOption) *RemoteInvoker {
	if len(opts) == 0 {
		opts = DefaultDialOptions()
	}
	r := &RemoteInvoker{poolCfg: cfg, dialOpts: opts}
	r.FuncInvoker = remote.NewFuncInvoker(r.call)
	return r
}

var _ remote.ManagedInvoker = (*RemoteInvoker)(nil)

// Start connects to the node named by connectAddress.
func (r *RemoteInvoker) Start(ctx context.Context, connectAddress string) error {
	target, node, err := ParseConnectAddress(connectAddress)
	if err != nil {
		return err
	}

	cfg := r.poolCfg
	if cfg.Name != "" {
		cfg.Name += ":" + node.String()
	}
	conns := pool.New(cfg, func(context.Context) (*grpc.ClientConn, error) {
		return grpc.NewClient(target, r.dialOpts...)
	})
	if err := conns.Start(ctx); err != nil {
		conns.Close()
		return fmt.Errorf("connect %s: %w", connectAddress, err)
	}

	r.mu.Lock()
	old := r.conns
	r.node, r.target, r.conns = node, target, conns
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Stop closes every pooled connection.
func (r *RemoteInvoker) Stop() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	if conns == nil {
		return nil
	}
	return conns.Close()
}

// Node returns the node this invoker targets.
func (r *RemoteInvoker) Node() ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node
}

func (r *RemoteInvoker) call(ctx context.Context, inv *invocation.Invocation) ([]any, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	node, target, conns := r.node, r.target, r.conns
	r.mu.RUnlock()
	if conns == nil {
		return nil, invocation.NewError(invocation.KindTransport, "%v", ErrNotStarted)
	}

	req, err := EncodeInvocation(inv)
	if err != nil {
		return nil, err
	}

	conn, err := conns.Acquire(ctx)
	if err != nil {
		return nil, invocation.NewError(invocation.KindTransport, "%v", err)
	}
	defer conns.Release(conn)

	ctx, span := observability.StartClientSpan(ctx, "invoke "+inv.FullName(),
		observability.AttrNode.String(node.String()),
		observability.AttrMethod.String(inv.FullName()),
		observability.AttrPeer.String(target),
	)
	ctx = metadata.AppendToOutgoingContext(ctx, NodeMetadataKey, node.String())
	ctx = observability.InjectOutgoing(ctx)

	resp := new(structpb.Struct)
	err = fromStatus(conn.Invoke(ctx, InvokeMethod, req, resp))
	observability.End(span, err)
	if err != nil {
		return nil, err
	}
	return DecodeReply(resp), nil
}
