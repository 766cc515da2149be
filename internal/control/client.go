package control

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
)

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client issues control requests. Every request uses its own DEALER socket
// which is destroyed when the request ends.
type Client struct {
	Timeout time.Duration
}

// NewClient returns a client with the default timeout.
func NewClient() *Client {
	return &Client{Timeout: DefaultTimeout}
}

// InstanceStatus queries the instance listening at endpoint.
func (c *Client) InstanceStatus(ctx context.Context, endpoint string) (InstanceStatus, error) {
	resp, err := c.Do(ctx, endpoint, CmdGetInstanceStatus)
	if err != nil {
		return InstanceStatus{}, err
	}
	return ParseInstanceStatus(resp.Payload)
}

// RoutingStatus fetches the routing table of the instance at endpoint.
func (c *Client) RoutingStatus(ctx context.Context, endpoint string) (RoutingStatus, error) {
	resp, err := c.Do(ctx, endpoint, CmdGetRoutingStatus)
	if err != nil {
		return RoutingStatus{}, err
	}
	return ParseRoutingStatus(resp.Payload)
}

// OpenRoute asks the instance at endpoint for the connect address of node.
// A node the instance does not host yields an error matching ErrNoSuchNode.
func (c *Client) OpenRoute(ctx context.Context, endpoint string, node ids.NodeID) (string, error) {
	resp, err := c.Do(ctx, endpoint, CmdOpenRouteToNode, []byte(node.String()))
	if err != nil {
		return "", err
	}
	if len(resp.Payload) == 0 || len(resp.Payload[0]) == 0 {
		return "", fmt.Errorf("%w: empty route", ErrProtocol)
	}
	return string(resp.Payload[0]), nil
}

// Do sends one request and waits for its response. The socket identity is the
// request token, so only the response to this request reaches it. Non-OK codes
// are returned as *Error.
func (c *Client) Do(ctx context.Context, endpoint string, cmd Command, args ...[]byte) (Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	token := uuid.NewString()
	sockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sock := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(token)))
	defer sock.Close()

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := sock.Dial(endpoint); err != nil {
			done <- result{err: err}
			return
		}
		if err := sock.SendMulti(zmq4.NewMsgFrom(EncodeRequest(token, cmd, args...)...)); err != nil {
			done <- result{err: err}
			return
		}
		msg, err := sock.Recv()
		done <- result{msg: msg, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return Response{}, &Error{Code: CodeSocketError, Message: fmt.Sprintf("%s %s: %v", cmd, endpoint, ctx.Err())}
	}
	if r.err != nil {
		return Response{}, &Error{Code: CodeSocketError, Message: fmt.Sprintf("%s %s: %v", cmd, endpoint, r.err)}
	}

	resp, err := DecodeResponse(r.msg.Frames)
	if err != nil {
		return Response{}, err
	}
	if err := resp.Err(); err != nil {
		logging.Component("control").Debug("control request rejected", "endpoint", endpoint, "command", cmd, "code", resp.Code)
		return resp, err
	}
	return resp, nil
}
