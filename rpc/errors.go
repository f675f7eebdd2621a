package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/solo/internal/natsutil"
)

// Code classifies an RPC failure. Values are part of the wire contract and
// never change.
type Code int

// Error codes. The JSON-RPC reserved range is used for protocol faults and
// the implementation-defined range for sticky-active conditions.
const (
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603
	CodeNotActive      Code = -32001
	CodeTimeout        Code = -32002
	CodeUnavailable    Code = -32003
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeMethodNotFound:
		return "METHOD_NOT_FOUND"
	case CodeInvalidParams:
		return "INVALID_PARAMS"
	case CodeInternal:
		return "INTERNAL"
	case CodeNotActive:
		return "NOT_ACTIVE"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeUnavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error is the structured RPC error returned to callers.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	cause error
}

// NewError creates an Error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotActive returns the error a standby instance answers with.
func NotActive(instance string) *Error {
	return NewError(CodeNotActive, "instance %s is not active", instance)
}

// InvalidParams returns an INVALID_PARAMS error for handlers rejecting input.
func InvalidParams(format string, args ...any) *Error {
	return NewError(CodeInvalidParams, format, args...)
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// Unwrap returns the transport error this Error was translated from, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsNotActive reports whether err is a NOT_ACTIVE response.
func IsNotActive(err error) bool {
	return CodeOf(err) == CodeNotActive
}

// CodeOf returns the code of an *Error in err's chain, or 0.
func CodeOf(err error) Code {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}

	return 0
}

// fromTransport translates a request failure into the RPC error taxonomy.
// The original error stays reachable through errors.Is/As.
func fromTransport(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := CodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded), natsutil.IsTimeout(err):
		code = CodeTimeout
	case errors.Is(err, context.Canceled),
		errors.Is(err, nats.ErrNoResponders),
		natsutil.IsConnectivityError(err):
		code = CodeUnavailable
	}

	return &Error{Code: code, Message: err.Error(), cause: err}
}

// fromHandler translates a handler failure into the RPC error taxonomy.
func fromHandler(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	return &Error{Code: CodeInternal, Message: err.Error()}
}
