// Package grpc carries invocations between instances. Each instance runs one
// InvokerServer multiplexing every node it hosts; peers reach a node through
// a RemoteInvoker naming the node in request metadata.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/observability"
)

// ErrAlreadyBound is returned when a node is bound twice.
var ErrAlreadyBound = errors.New("node already bound")

// Handler executes invocations addressed to one local node.
type Handler interface {
	Invoke(ctx context.Context, inv *invocation.Invocation) ([]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv *invocation.Invocation) ([]any, error)

func (f HandlerFunc) Invoke(ctx context.Context, inv *invocation.Invocation) ([]any, error) {
	return f(ctx, inv)
}

type nodeInvokerServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeInvokerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeInvokerServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var nodeInvokerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*nodeInvokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lattice/cluster/v1/invoker.proto",
}

// InvokerServer hosts the bindings of local nodes.
type InvokerServer struct {
	mu       sync.RWMutex
	handlers map[ids.NodeID]Handler

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewInvokerServer creates the server with logging interceptors, the health
// service and reflection registered.
func NewInvokerServer(opts ...grpc.ServerOption) *InvokerServer {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			loggingInterceptor,
			errorHandlingInterceptor,
		),
	}, opts...)
	grpcServer := grpc.NewServer(opts...)

	s := &InvokerServer{
		handlers:   make(map[ids.NodeID]Handler),
		grpcServer: grpcServer,
		health:     health.NewServer(),
	}
	grpcServer.RegisterService(&nodeInvokerServiceDesc, s)

	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)
	return s
}

// Bind routes invocations for node to h.
func (s *InvokerServer) Bind(node ids.NodeID, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[node]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, node)
	}
	s.handlers[node] = h
	metrics.SetHostedBindings(len(s.handlers))
	return nil
}

// Unbind stops routing to node. It reports whether node was bound.
func (s *InvokerServer) Unbind(node ids.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[node]
	delete(s.handlers, node)
	metrics.SetHostedBindings(len(s.handlers))
	return ok
}

// Nodes returns the bound nodes sorted by their string form.
func (s *InvokerServer) Nodes() []ids.NodeID {
	s.mu.RLock()
	nodes := make([]ids.NodeID, 0, len(s.handlers))
	for n := range s.handlers {
		nodes = append(nodes, n)
	}
	s.mu.RUnlock()
	slices.SortFunc(nodes, func(a, b ids.NodeID) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
	return nodes
}

// Start listens on addr and serves in the background.
func (s *InvokerServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Serve(lis)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *InvokerServer) Serve(lis net.Listener) {
	s.listener = lis
	logging.Op().Info("invoker server started", "addr", lis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.Op().Error("invoker server error", "error", err)
		}
	}()
}

// Addr returns the listening address, or "" before Start.
func (s *InvokerServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks the server not serving and stops it gracefully.
func (s *InvokerServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	logging.Op().Info("invoker server stopped")
}

// Invoke dispatches one wire invocation to the bound node named in metadata.
func (s *InvokerServer) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx = observability.ExtractIncoming(ctx)

	node, err := nodeFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	h, ok := s.handlers[node]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "node %s is not bound here", node)
	}

	inv, err := DecodeInvocation(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, span := observability.StartServerSpan(ctx, "invoke "+inv.FullName(),
		observability.AttrNode.String(node.String()),
		observability.AttrMethod.String(inv.FullName()),
	)
	results, err := h.Invoke(ctx, inv)
	observability.End(span, err)
	metrics.RecordServedInvocation(inv.FullName(), err)
	if err != nil {
		return nil, err
	}
	return EncodeReply(results)
}

func nodeFromMetadata(ctx context.Context) (ids.NodeID, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	v := md.Get(NodeMetadataKey)
	if len(v) == 0 {
		return ids.NodeID{}, status.Errorf(codes.InvalidArgument, "missing %s metadata", NodeMetadataKey)
	}
	node, err := ids.ParseNodeID(v[0])
	if err != nil {
		return ids.NodeID{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return node, nil
}
