package grpc

import (
	"context"
	"os"
	"time"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
)

// BuiltinHandler answers diagnostic methods on any bound node:
//
//	ping  -> "pong"
//	echo  -> the arguments, as the reply list
//	node  -> the node id, then host name and server time as partial results
type BuiltinHandler struct {
	Node ids.NodeID
}

func (b BuiltinHandler) Invoke(ctx context.Context, inv *invocation.Invocation) ([]any, error) {
	switch inv.Method {
	case "ping":
		return []any{"pong"}, nil
	case "echo":
		return inv.Arguments, nil
	case "node":
		host, _ := os.Hostname()
		return []any{b.Node.String(), host, time.Now().UTC().Format(time.RFC3339)}, nil
	default:
		return nil, invocation.NewError(invocation.KindNotFound, "no method %q on node %s", inv.Method, b.Node)
	}
}
