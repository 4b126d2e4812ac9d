package plugin

import (
	"fmt"

	"notifyd/internal/transport"
)

// CodeUnsupportedPlatform is reported when the host cannot serve a call at all,
// e.g. zonedSchedule without a time zone database.
const CodeUnsupportedPlatform = "UnsupportedPlatform"

// MethodError is a failure that is sent back to the caller verbatim.
type MethodError struct {
	Code    string
	Message string
	Details any
}

func (e *MethodError) Error() string { return e.Code + ": " + e.Message }

func (e *MethodError) response() transport.Response {
	return transport.Failure(e.Code, e.Message, e.Details)
}

func methodError(method, format string, args ...any) *MethodError {
	return &MethodError{Code: method + "_error", Message: fmt.Sprintf(format, args...)}
}

func absentError(method, arg string) *MethodError {
	return methodError(method, "%s is absent, which is required for this operation", arg)
}

func wrongTypeError(method, arg string) *MethodError {
	return methodError(method, "%s has wrong type, which is required for this operation", arg)
}

func rangeError(method, arg string) *MethodError {
	return methodError(method, "%s is not in valid range", arg)
}
