// Package transport defines the method channel between the caller and the daemon.
package transport

import (
	"context"
	"encoding/json"
)

// ChannelName identifies the method channel both ends speak.
const ChannelName = "dexterous.com/flutter/local_notifications"

// MethodCall is one request from the caller. Args is the raw JSON argument
// value and may be empty.
type MethodCall struct {
	Method string
	Args   json.RawMessage
	// Peer describes the connection the call came from, for logs and audit.
	Peer string
}

// Error is a structured failure response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Response is exactly one of: a result (possibly null), an error, or
// "not implemented".
type Response struct {
	Result         any
	Error          *Error
	NotImplemented bool
}

func Success(v any) Response { return Response{Result: v} }

func Failure(code, message string, details any) Response {
	return Response{Error: &Error{Code: code, Message: message, Details: details}}
}

func NotImplemented() Response { return Response{NotImplemented: true} }

// Handler serves method calls.
type Handler interface {
	HandleMethodCall(ctx context.Context, call MethodCall) Response
}

// Invoker sends unsolicited method calls to connected callers.
type Invoker interface {
	InvokeMethod(ctx context.Context, method string, args any) error
}
