package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/oriys/lattice/internal/logging"
)

// loggingInterceptor logs all gRPC requests
func loggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	duration := time.Since(start)
	if err != nil {
		logging.Op().Warn("gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		logging.Op().Debug("gRPC request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}

	return resp, err
}

// errorHandlingInterceptor converts handler errors to gRPC status codes
func errorHandlingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}
