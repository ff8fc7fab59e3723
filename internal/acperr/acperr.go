// Package acperr defines the JSON-RPC error vocabulary the bridge returns to
// ACP clients. Every failure surfaced over the wire is one of these kinds;
// identity is the numeric code, so callers and tests compare tags instead of
// doing dynamic type checks.
package acperr

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application codes. AuthRequired keeps -32001; SessionNotFound gets -32011,
// the first free slot after the contiguous block, so the two never collide.
const (
	CodeServer           = -32000
	CodeAuthRequired     = -32001
	CodeSessionExists    = -32002
	CodeSessionExpired   = -32003
	CodeNotInitialized   = -32004
	CodeAlreadyInit      = -32005
	CodeUnauthorized     = -32006
	CodeToolNotFound     = -32007
	CodeApprovalDenied   = -32008
	CodeUserInputTimeout = -32009
	CodeGenUIFailed      = -32010
	CodeSessionNotFound  = -32011
)

// Error is a JSON-RPC compatible error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// Is makes errors.Is compare by code, not by pointer.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func Parse(detail string) *Error {
	return &Error{Code: CodeParse, Message: "parse error", Data: detail}
}

func InvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

func InvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// InternalFromCause wraps an unexpected failure, preserving the original
// message and carrying a diagnostic hint in data. The hint is the wrapped
// error chain, not a stack trace, so it stays safe to return to the caller
// that triggered it.
func InternalFromCause(err error) *Error {
	if err == nil {
		return &Error{Code: CodeInternal, Message: "internal error"}
	}
	return &Error{
		Code:    CodeInternal,
		Message: err.Error(),
		Data:    map[string]any{"cause": fmt.Sprintf("%+v", err)},
	}
}

func ServerError(msg string) *Error {
	return &Error{Code: CodeServer, Message: msg}
}

func AuthRequired() *Error {
	return &Error{Code: CodeAuthRequired, Message: "authentication required"}
}

func SessionNotFound(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session not found: %s", sessionID),
		Data:    map[string]any{"sessionId": sessionID},
	}
}

func SessionAlreadyExists(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionExists,
		Message: fmt.Sprintf("session already exists: %s", sessionID),
		Data:    map[string]any{"sessionId": sessionID},
	}
}

func SessionExpired(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionExpired,
		Message: fmt.Sprintf("session expired: %s", sessionID),
		Data:    map[string]any{"sessionId": sessionID},
	}
}

func NotInitialized() *Error {
	return &Error{Code: CodeNotInitialized, Message: "initialize must be called first"}
}

func AlreadyInitialized() *Error {
	return &Error{Code: CodeAlreadyInit, Message: "initialize already called"}
}

func Unauthorized(op string) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf("operation not allowed: %s", op)}
}

func ToolNotFound(toolCallID string) *Error {
	return &Error{
		Code:    CodeToolNotFound,
		Message: fmt.Sprintf("no pending request for tool call: %s", toolCallID),
		Data:    map[string]any{"toolCallId": toolCallID},
	}
}

func ApprovalDenied(toolCallID string) *Error {
	return &Error{
		Code:    CodeApprovalDenied,
		Message: "tool approval denied",
		Data:    map[string]any{"toolCallId": toolCallID},
	}
}

func UserInputTimeout(requestID string) *Error {
	return &Error{
		Code:    CodeUserInputTimeout,
		Message: "user input request timed out",
		Data:    map[string]any{"requestId": requestID},
	}
}

func GenUIActionFailed(actionID string, cause error) *Error {
	e := &Error{
		Code:    CodeGenUIFailed,
		Message: fmt.Sprintf("genui action failed: %s", actionID),
	}
	if cause != nil {
		e.Data = map[string]any{"cause": cause.Error()}
	}
	return e
}

// From coerces any error into a taxonomy error. Taxonomy errors pass through
// unchanged; everything else wraps as InternalError.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return InternalFromCause(err)
}
