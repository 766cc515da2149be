// Package invocation holds the method-call payload carried between nodes and
// the containers used to hand results and failures back to callers.
package invocation

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindRemote    = "remote"
	KindTransport = "transport"
	KindCanceled  = "canceled"
	KindTimeout   = "timeout"
	KindNotFound  = "not_found"
)

// ErrInvalidInvocation is returned by Validate.
var ErrInvalidInvocation = errors.New("invalid invocation")

// Invocation identifies a method and carries its arguments. Arguments are
// JSON-compatible values so they survive the wire encoding unchanged.
type Invocation struct {
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Method    string `json:"method"`
	Arguments []any  `json:"arguments,omitempty"`
}

// Validate checks that the invocation names a method.
func (i *Invocation) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: nil", ErrInvalidInvocation)
	}
	if i.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidInvocation)
	}
	return nil
}

// FullName returns "Type.Method", or just the method when no type is set.
func (i *Invocation) FullName() string {
	if i.Type == "" {
		return i.Method
	}
	return i.Type + "." + i.Method
}

// Result wraps one successful value. It is mutable so aggregation can reuse
// a single container while folding.
type Result struct {
	Value any
}

// NewResult wraps v.
func NewResult(v any) *Result { return &Result{Value: v} }

// Get returns the wrapped value, tolerating a nil receiver.
func (r *Result) Get() any {
	if r == nil {
		return nil
	}
	return r.Value
}

// Error is the failure payload of a remote call.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewError builds an Error of the given kind.
func NewError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// Is matches another *Error with the same kind, so callers can test
// errors.Is(err, &invocation.Error{Kind: invocation.KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf classifies err. Context errors map to canceled/timeout; anything
// that is not an *Error is reported as transport.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindTransport
}

// ResultConsumer receives a partial result.
type ResultConsumer func(*Result)

// ErrorConsumer receives a failure.
type ErrorConsumer func(error)
