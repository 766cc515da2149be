package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/lattice/internal/invocation"
)

const (
	// ServiceName is the gRPC service hosting node bindings.
	ServiceName = "lattice.cluster.v1.NodeInvoker"
	// InvokeMethod is the full method name of the unary invoke call.
	InvokeMethod = "/" + ServiceName + "/Invoke"
	// NodeMetadataKey carries the target node id.
	NodeMetadataKey = "x-lattice-node"
)

// Request fields
const (
	fieldType      = "type"
	fieldName      = "name"
	fieldMethod    = "method"
	fieldArguments = "arguments"
	fieldResults   = "results"
)

// EncodeInvocation converts inv to its wire form.
func EncodeInvocation(inv *invocation.Invocation) (*structpb.Struct, error) {
	args, err := toList(inv.Arguments)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType:      structpb.NewStringValue(inv.Type),
		fieldName:      structpb.NewStringValue(inv.Name),
		fieldMethod:    structpb.NewStringValue(inv.Method),
		fieldArguments: structpb.NewListValue(args),
	}}, nil
}

// DecodeInvocation parses and validates a wire invocation.
func DecodeInvocation(s *structpb.Struct) (*invocation.Invocation, error) {
	f := s.GetFields()
	inv := &invocation.Invocation{
		Type:   f[fieldType].GetStringValue(),
		Name:   f[fieldName].GetStringValue(),
		Method: f[fieldMethod].GetStringValue(),
	}
	if l := f[fieldArguments].GetListValue(); l != nil {
		inv.Arguments = l.AsSlice()
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// EncodeReply wraps a handler's result list.
func EncodeReply(results []any) (*structpb.Struct, error) {
	l, err := toList(results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldResults: structpb.NewListValue(l),
	}}, nil
}

// DecodeReply extracts the result list.
func DecodeReply(s *structpb.Struct) []any {
	l := s.GetFields()[fieldResults].GetListValue()
	if l == nil {
		return nil
	}
	return l.AsSlice()
}

// toList converts values to a ListValue. Values structpb cannot represent
// directly (typed slices, structs) go through a JSON round trip first.
func toList(values []any) (*structpb.ListValue, error) {
	if l, err := structpb.NewList(values); err == nil {
		return l, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var generic []any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewList(generic)
}
