package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/pool"
)

const bufTarget = "passthrough:///bufnet"

type harness struct {
	server *InvokerServer
	lis    *bufconn.Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{server: NewInvokerServer(), lis: bufconn.Listen(1 << 20)}
	h.server.Serve(h.lis)
	t.Cleanup(h.server.Stop)
	return h
}

func (h *harness) dialOpts() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func (h *harness) invoker(t *testing.T, node ids.NodeID) *RemoteInvoker {
	t.Helper()
	r := NewRemoteInvoker(pool.Config{Min: 1, Max: 2}, h.dialOpts()...)
	require.NoError(t, r.Start(context.Background(), ConnectAddress(bufTarget, node)))
	t.Cleanup(func() { r.Stop() })
	return r
}

func TestConnectAddress(t *testing.T) {
	node := ids.NewNodeID(ids.NewInstanceID(), ids.NewApplicationID())
	addr := ConnectAddress("10.0.0.1:7700", node)

	target, got, err := ParseConnectAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7700", target)
	assert.Equal(t, node, got)

	target, _, err = ParseConnectAddress(ConnectAddress(bufTarget, node))
	require.NoError(t, err)
	assert.Equal(t, bufTarget, target)

	for _, bad := range []string{"", "host:1", "/" + node.String(), "host:1/", "host:1/nope"} {
		_, _, err := ParseConnectAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestWireRoundTrip(t *testing.T) {
	inv := &invocation.Invocation{
		Type:      "Svc",
		Name:      "svc",
		Method:    "m",
		Arguments: []any{"s", 1.5, true, nil, []any{"x"}, map[string]any{"k": "v"}},
	}
	s, err := EncodeInvocation(inv)
	require.NoError(t, err)
	got, err := DecodeInvocation(s)
	require.NoError(t, err)
	if diff := cmp.Diff(inv, got); diff != "" {
		t.Errorf("invocation (-want +got):\n%s", diff)
	}

	reply, err := EncodeReply([]any{[]string{"a", "b"}, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a", "b"}, 3.0}, DecodeReply(reply))
	assert.Nil(t, DecodeReply(&structpb.Struct{}))

	_, err = DecodeInvocation(&structpb.Struct{})
	assert.ErrorIs(t, err, invocation.ErrInvalidInvocation)
}

func TestBindUnbind(t *testing.T) {
	s := NewInvokerServer()
	node := ids.NewNodeID(ids.NewInstanceID(), ids.NewApplicationID())
	require.NoError(t, s.Bind(node, BuiltinHandler{Node: node}))
	assert.ErrorIs(t, s.Bind(node, BuiltinHandler{Node: node}), ErrAlreadyBound)
	assert.Equal(t, []ids.NodeID{node}, s.Nodes())
	assert.True(t, s.Unbind(node))
	assert.False(t, s.Unbind(node))
	assert.Empty(t, s.Nodes())
}

func TestRemoteInvokerConventions(t *testing.T) {
	h := newHarness(t)
	node := ids.NewNodeID(ids.NewInstanceID(), ids.NewApplicationID())
	require.NoError(t, h.server.Bind(node, BuiltinHandler{Node: node}))
	r := h.invoker(t, node)
	ctx := context.Background()

	v, err := r.InvokeSync(ctx, &invocation.Invocation{Method: "ping"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	var parts []any
	consumer := func(r *invocation.Result) { parts = append(parts, r.Get()) }
	v, err = r.InvokeSync(ctx, &invocation.Invocation{Method: "echo", Arguments: []any{"ret", "p1"}},
		[]invocation.ResultConsumer{consumer, consumer})
	require.NoError(t, err)
	assert.Equal(t, "ret", v)
	assert.Equal(t, []any{"p1", nil}, parts)

	v, err = r.InvokeFuture(ctx, &invocation.Invocation{Method: "node"}, nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, node.String(), v)

	var reported error
	op := r.InvokeAsync(ctx, &invocation.Invocation{Method: "missing"}, nil, func(err error) { reported = err })
	<-op.Done()
	require.Error(t, op.Err())
	assert.Equal(t, invocation.KindNotFound, invocation.KindOf(reported))
}

func TestRemoteInvokerErrors(t *testing.T) {
	h := newHarness(t)
	app := ids.NewApplicationID()
	bound := ids.NewNodeID(ids.NewInstanceID(), app)
	require.NoError(t, h.server.Bind(bound, HandlerFunc(func(context.Context, *invocation.Invocation) ([]any, error) {
		return nil, errors.New("handler exploded")
	})))
	ctx := context.Background()

	_, err := h.invoker(t, bound).InvokeSync(ctx, &invocation.Invocation{Method: "x"}, nil)
	var ie *invocation.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, invocation.KindRemote, ie.Kind)
	assert.Contains(t, ie.Message, "handler exploded")

	unbound := ids.NewNodeID(ids.NewInstanceID(), app)
	_, err = h.invoker(t, unbound).InvokeSync(ctx, &invocation.Invocation{Method: "ping"}, nil)
	assert.Equal(t, invocation.KindNotFound, invocation.KindOf(err))

	_, err = h.invoker(t, bound).InvokeSync(ctx, &invocation.Invocation{}, nil)
	assert.ErrorIs(t, err, invocation.ErrInvalidInvocation)
}

func TestRemoteInvokerNotStarted(t *testing.T) {
	r := NewRemoteInvoker(pool.Config{})
	_, err := r.InvokeSync(context.Background(), &invocation.Invocation{Method: "ping"}, nil)
	assert.Equal(t, invocation.KindTransport, invocation.KindOf(err))
	assert.NoError(t, r.Stop())
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	conn, err := DialMesh(context.Background(), bufTarget, h.dialOpts()...)
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, HealthCheck(context.Background(), conn))
}

func TestStatusMapping(t *testing.T) {
	for _, kind := range []string{
		invocation.KindNotFound, invocation.KindTimeout, invocation.KindCanceled,
		invocation.KindTransport, invocation.KindRemote,
	} {
		err := fromStatus(toStatus(invocation.NewError(kind, "msg")))
		assert.Equal(t, kind, invocation.KindOf(err), kind)
	}
	assert.Equal(t, invocation.KindTimeout, invocation.KindOf(fromStatus(toStatus(context.DeadlineExceeded))))
	assert.Nil(t, toStatus(nil))
}
