package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotServing is returned by HealthCheck when the peer is up but not
// serving invocations.
var ErrNotServing = errors.New("peer not serving")

// HealthCheck asks a peer's health service whether the invoker service is
// serving.
func HealthCheck(ctx context.Context, conn grpc.ClientConnInterface) error {
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: ServiceName,
	})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// DialMesh opens a housekeeping connection to a peer's invoker endpoint and
// verifies it with a health check.
func DialMesh(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = DefaultDialOptions()
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if err := HealthCheck(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
