// Package control implements the instance control protocol: a small
// request/response exchange over a ZeroMQ ROUTER socket used by peers to
// learn which nodes an instance hosts and how to reach them.
//
// Request frames:  ["", token, command, args...]
// Response frames: ["", code, payload...]
//
// The command frame is optional and defaults to GET_INSTANCE_STATUS. Clients
// use the token as their DEALER identity, so the ROUTER delivers each
// response only to the socket that sent the request.
package control

import (
	"fmt"
	"slices"
	"strings"

	"github.com/oriys/lattice/internal/ids"
)

// Command names a control request.
type Command string

const (
	CmdGetInstanceStatus Command = "GET_INSTANCE_STATUS"
	CmdGetRoutingStatus  Command = "GET_ROUTING_STATUS"
	CmdOpenRouteToNode   Command = "OPEN_ROUTE_TO_NODE"
)

// Code is a control response code.
type Code string

const (
	CodeOK             Code = "OK"
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"
	CodeProtocolError  Code = "PROTOCOL_ERROR"
	CodeNoSuchNode     Code = "NO_SUCH_NODE"
	CodeUnknownError   Code = "UNKNOWN_ERROR"
	// CodeSocketError is produced by the client when the exchange itself
	// fails; servers never send it.
	CodeSocketError Code = "SOCKET_ERROR"
)

func parseCode(b []byte) Code {
	switch c := Code(b); c {
	case CodeOK, CodeUnknownCommand, CodeProtocolError, CodeNoSuchNode, CodeUnknownError:
		return c
	default:
		return CodeUnknownError
	}
}

// Error is a non-OK control response.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "control: " + string(e.Code)
	}
	return fmt.Sprintf("control: %s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNoSuchNode     = &Error{Code: CodeNoSuchNode}
	ErrProtocol       = &Error{Code: CodeProtocolError}
	ErrUnknownCommand = &Error{Code: CodeUnknownCommand}
	ErrSocket         = &Error{Code: CodeSocketError}
)

// Request is a decoded control request, without the routing identity.
type Request struct {
	Token   string
	Command Command
	Args    [][]byte
}

// Response is a decoded control response.
type Response struct {
	Code    Code
	Payload [][]byte
}

// Err returns nil for OK responses and an *Error otherwise.
func (r Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	e := &Error{Code: r.Code}
	if len(r.Payload) > 0 {
		e.Message = string(r.Payload[0])
	}
	return e
}

// EncodeRequest builds request frames.
func EncodeRequest(token string, cmd Command, args ...[]byte) [][]byte {
	frames := [][]byte{{}, []byte(token), []byte(cmd)}
	return append(frames, args...)
}

// DecodeRequest parses request frames. The token is returned even when the
// rest of the request is malformed, so the error can be correlated.
func DecodeRequest(frames [][]byte) (Request, error) {
	var req Request
	if len(frames) < 2 {
		return req, fmt.Errorf("%w: request has %d frames", ErrProtocol, len(frames))
	}
	req.Token = string(frames[1])
	if len(frames[0]) != 0 {
		return req, fmt.Errorf("%w: missing empty delimiter", ErrProtocol)
	}
	req.Command = CmdGetInstanceStatus
	if len(frames) > 2 && len(frames[2]) > 0 {
		req.Command = Command(frames[2])
	}
	if len(frames) > 3 {
		req.Args = frames[3:]
	}
	return req, nil
}

// EncodeResponse builds response frames.
func EncodeResponse(code Code, payload ...[]byte) [][]byte {
	frames := [][]byte{{}, []byte(code)}
	return append(frames, payload...)
}

// DecodeResponse parses response frames. Unrecognized codes decode as
// UNKNOWN_ERROR.
func DecodeResponse(frames [][]byte) (Response, error) {
	if len(frames) < 2 {
		return Response{}, fmt.Errorf("%w: response has %d frames", ErrProtocol, len(frames))
	}
	if len(frames[0]) != 0 {
		return Response{}, fmt.Errorf("%w: missing empty delimiter", ErrProtocol)
	}
	return Response{
		Code:    parseCode(frames[1]),
		Payload: frames[2:],
	}, nil
}

// InstanceStatus describes one instance: its id, the address of its invoker
// endpoint, and the nodes it hosts.
type InstanceStatus struct {
	InstanceID     ids.InstanceID `json:"instance_id"`
	InvokerAddress string         `json:"invoker_address"`
	Nodes          []ids.NodeID   `json:"nodes"`
}

// SortNodes orders nodes by their string form.
func SortNodes(nodes []ids.NodeID) {
	slices.SortFunc(nodes, func(a, b ids.NodeID) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
}

// Frames encodes the status payload: instance id, invoker address, then one
// frame per node id in sorted order.
func (s InstanceStatus) Frames() [][]byte {
	nodes := slices.Clone(s.Nodes)
	SortNodes(nodes)
	frames := make([][]byte, 0, 2+len(nodes))
	frames = append(frames, []byte(s.InstanceID.String()), []byte(s.InvokerAddress))
	for _, n := range nodes {
		frames = append(frames, []byte(n.String()))
	}
	return frames
}

// ParseInstanceStatus decodes a status payload.
func ParseInstanceStatus(payload [][]byte) (InstanceStatus, error) {
	if len(payload) < 2 {
		return InstanceStatus{}, fmt.Errorf("%w: status payload has %d frames", ErrProtocol, len(payload))
	}
	inst, err := ids.ParseInstanceID(string(payload[0]))
	if err != nil {
		return InstanceStatus{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	s := InstanceStatus{InstanceID: inst, InvokerAddress: string(payload[1])}
	for _, f := range payload[2:] {
		n, err := ids.ParseNodeID(string(f))
		if err != nil {
			return InstanceStatus{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		s.Nodes = append(s.Nodes, n)
	}
	return s, nil
}

// SameNodes reports whether both statuses list the same node set.
func (s InstanceStatus) SameNodes(other InstanceStatus) bool {
	if len(s.Nodes) != len(other.Nodes) {
		return false
	}
	set := make(map[ids.NodeID]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		set[n] = struct{}{}
	}
	for _, n := range other.Nodes {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

// Hosts reports whether node is in the status.
func (s InstanceStatus) Hosts(node ids.NodeID) bool {
	return slices.Contains(s.Nodes, node)
}

// Route is one entry of an instance's routing table.
type Route struct {
	Node    ids.NodeID `json:"node"`
	Address string     `json:"address"`
}

// RoutingStatus lists the connect address of every node an instance can
// route to, hosted locally or by a connected peer.
type RoutingStatus struct {
	InstanceID ids.InstanceID `json:"instance_id"`
	Routes     []Route        `json:"routes"`
}

// Frames encodes the routing payload: instance id, then a node id and address
// frame pair per route ordered by node id.
func (s RoutingStatus) Frames() [][]byte {
	routes := slices.Clone(s.Routes)
	slices.SortFunc(routes, func(a, b Route) int { return strings.Compare(a.Node.String(), b.Node.String()) })
	frames := make([][]byte, 0, 1+2*len(routes))
	frames = append(frames, []byte(s.InstanceID.String()))
	for _, r := range routes {
		frames = append(frames, []byte(r.Node.String()), []byte(r.Address))
	}
	return frames
}

// ParseRoutingStatus decodes a routing payload.
func ParseRoutingStatus(payload [][]byte) (RoutingStatus, error) {
	if len(payload) < 1 || len(payload)%2 != 1 {
		return RoutingStatus{}, fmt.Errorf("%w: routing payload has %d frames", ErrProtocol, len(payload))
	}
	inst, err := ids.ParseInstanceID(string(payload[0]))
	if err != nil {
		return RoutingStatus{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	s := RoutingStatus{InstanceID: inst}
	for i := 1; i < len(payload); i += 2 {
		n, err := ids.ParseNodeID(string(payload[i]))
		if err != nil {
			return RoutingStatus{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		s.Routes = append(s.Routes, Route{Node: n, Address: string(payload[i+1])})
	}
	return s, nil
}
