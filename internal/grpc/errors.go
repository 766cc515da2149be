package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/lattice/internal/invocation"
)

func codeForKind(kind string) codes.Code {
	switch kind {
	case invocation.KindNotFound:
		return codes.NotFound
	case invocation.KindTimeout:
		return codes.DeadlineExceeded
	case invocation.KindCanceled:
		return codes.Canceled
	case invocation.KindTransport:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func kindForCode(c codes.Code) string {
	switch c {
	case codes.NotFound:
		return invocation.KindNotFound
	case codes.DeadlineExceeded:
		return invocation.KindTimeout
	case codes.Canceled:
		return invocation.KindCanceled
	case codes.Unavailable:
		return invocation.KindTransport
	default:
		return invocation.KindRemote
	}
}

// toStatus converts a handler error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var ie *invocation.Error
	if errors.As(err, &ie) {
		return status.Error(codeForKind(ie.Kind), ie.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus converts a gRPC client error to an *invocation.Error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return invocation.NewError(invocation.KindOf(err), "%v", err)
	}
	return &invocation.Error{Kind: kindForCode(st.Code()), Message: st.Message()}
}
