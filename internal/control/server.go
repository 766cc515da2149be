package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
)

// StatusSource answers control requests for the local instance.
type StatusSource interface {
	InstanceStatus() InstanceStatus
	RoutingStatus() RoutingStatus
	// OpenRoute returns the connect address for a hosted node, or an error
	// matching ErrNoSuchNode.
	OpenRoute(node ids.NodeID) (string, error)
}

// Server answers control requests on a ROUTER socket.
type Server struct {
	source StatusSource
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewServer returns a server answering from source.
func NewServer(source StatusSource) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		source: source,
		log:    logging.Component("control"),
		ctx:    ctx,
		cancel: cancel,
		sock:   zmq4.NewRouter(ctx),
	}
}

// Listen binds the server to endpoint, e.g. "tcp://0.0.0.0:7600".
func (s *Server) Listen(endpoint string) error {
	if err := s.sock.Listen(endpoint); err != nil {
		return fmt.Errorf("control listen %s: %w", endpoint, err)
	}
	s.log.Info("control server listening", "endpoint", s.Addr())
	return nil
}

// Addr returns the bound endpoint as "tcp://host:port".
func (s *Server) Addr() string {
	a := s.sock.Addr()
	if a == nil {
		return ""
	}
	return a.Network() + "://" + a.String()
}

// Serve answers requests until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Debug("control receive failed", "error", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		identity := msg.Frames[0]
		resp := s.handle(msg.Frames[1:])

		out := make([][]byte, 0, len(resp)+1)
		out = append(out, identity)
		out = append(out, resp...)
		if err := s.sock.SendMulti(zmq4.NewMsgFrom(out...)); err != nil {
			s.log.Warn("control send failed", "error", err)
		}
	}
}

func (s *Server) handle(frames [][]byte) [][]byte {
	req, err := DecodeRequest(frames)
	if err != nil {
		metrics.RecordControlRequest("", string(CodeProtocolError))
		return EncodeResponse(CodeProtocolError, []byte(err.Error()))
	}

	code, payload := s.dispatch(req)
	metrics.RecordControlRequest(string(req.Command), string(code))
	s.log.Debug("control request", "command", req.Command, "code", code)
	return EncodeResponse(code, payload...)
}

func (s *Server) dispatch(req Request) (code Code, payload [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("control handler panic", "command", req.Command, "panic", r)
			code, payload = CodeUnknownError, [][]byte{[]byte(fmt.Sprint(r))}
		}
	}()

	switch req.Command {
	case CmdGetInstanceStatus:
		return CodeOK, s.source.InstanceStatus().Frames()

	case CmdGetRoutingStatus:
		return CodeOK, s.source.RoutingStatus().Frames()

	case CmdOpenRouteToNode:
		if len(req.Args) < 1 {
			return CodeProtocolError, [][]byte{[]byte("missing node id")}
		}
		node, err := ids.ParseNodeID(string(req.Args[0]))
		if err != nil {
			return CodeProtocolError, [][]byte{[]byte(err.Error())}
		}
		addr, err := s.source.OpenRoute(node)
		switch {
		case errors.Is(err, ErrNoSuchNode):
			return CodeNoSuchNode, [][]byte{[]byte(node.String())}
		case err != nil:
			return CodeUnknownError, [][]byte{[]byte(err.Error())}
		}
		return CodeOK, [][]byte{[]byte(addr)}

	default:
		return CodeUnknownCommand, [][]byte{[]byte(req.Command)}
	}
}

// Close stops the server and releases the socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.sock.Close()
		s.cancel()
	})
	return err
}
