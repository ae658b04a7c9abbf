// Package protocol defines the structures and constants for the Model Context Protocol (MCP).
package protocol

import (
	"errors"
	"fmt"
)

// MCPError wraps ErrorPayload to implement the error interface.
// Handlers can return this type to provide specific JSON-RPC error details.
type MCPError struct {
	ErrorPayload
}

// Error implements the error interface for MCPError.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP Error: Code=%d, Message=%s", e.Code, e.Message)
}

// NewMCPError creates an MCPError with the given code, message, and data.
func NewMCPError(code ErrorCode, message string, data any) *MCPError {
	return &MCPError{ErrorPayload: ErrorPayload{Code: code, Message: message, Data: data}}
}

// NewInvalidParamsError creates a new MCPError for Invalid Params.
func NewInvalidParamsError(message string) *MCPError {
	return NewMCPError(CodeInvalidParams, message, nil)
}

// NewMethodNotFoundError creates a new MCPError for Method Not Found.
func NewMethodNotFoundError(methodName string) *MCPError {
	return NewMCPError(CodeMethodNotFound, fmt.Sprintf("Method not found: %s", methodName), nil)
}

// Flow-control sentinels. Every outbound request resolves to either a result
// or one of these; the session never drops a request silently.
var (
	ErrTimeout              = errors.New("request timed out")
	ErrCancelled            = errors.New("request cancelled")
	ErrTooBusy              = errors.New("too many in-flight requests")
	ErrVersionMismatch      = errors.New("protocol version mismatch")
	ErrServerNotInitialized = errors.New("server not initialized")
	ErrTransportReset       = errors.New("transport reset")
	ErrPluginUnloaded       = errors.New("plugin unloaded")
	ErrPluginFault          = errors.New("plugin fault")
)

// CodeForError maps an error to the JSON-RPC code the engine serializes it
// with. An *MCPError keeps its own code; the TooBusy, ServerNotInitialized,
// VersionMismatch, PluginUnloaded and PluginFault sentinels map to their
// application codes; everything else, cancellation and timeout included, is
// a handler error.
func CodeForError(err error) ErrorCode {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr.Code
	}
	switch {
	case errors.Is(err, ErrTooBusy):
		return CodeTooBusy
	case errors.Is(err, ErrServerNotInitialized):
		return CodeServerNotInitialized
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch
	case errors.Is(err, ErrPluginUnloaded):
		return CodePluginUnloaded
	case errors.Is(err, ErrPluginFault):
		return CodePluginFault
	case errors.Is(err, ErrCancelled):
		return CodeHandlerError
	case errors.Is(err, ErrTimeout):
		return CodeHandlerError
	default:
		return CodeHandlerError
	}
}
