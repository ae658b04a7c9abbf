// Package protocol defines the structures and constants for the Model Context Protocol (MCP),
// based on the JSON-RPC 2.0 specification.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version accepted on the wire.
const JSONRPCVersion = "2.0"

// RequestID is a JSON-RPC request id. The wire form may be a string or an
// integer; both are preserved verbatim so responses echo exactly what the
// peer sent.
type RequestID struct {
	value any // string, int64, or nil when unset
}

// NewRequestID creates a RequestID from an int64.
func NewRequestID(n int64) RequestID { return RequestID{value: n} }

// NewStringRequestID creates a RequestID from a string.
func NewStringRequestID(s string) RequestID { return RequestID{value: s} }

// IsNil reports whether the id is absent (notification or pre-parse error).
func (id RequestID) IsNil() bool { return id.value == nil }

// Int64 returns the numeric value and whether the id is numeric.
func (id RequestID) Int64() (int64, bool) {
	n, ok := id.value.(int64)
	return n, ok
}

// String renders the id for logging and map keys. Numeric and string ids
// render distinctly ("7" vs `"7"`) so they never collide as keys.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return "<nil>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting string or integer ids.
// Fractional numbers are rejected: JSON-RPC discourages them and MCP never
// emits them.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.value = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id.value = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or integer: %w", err)
	}
	id.value = n
	return nil
}

// ErrorPayload defines the structure for the 'error' object within a
// JSONRPCResponse, aligning with the JSON-RPC 2.0 specification used by MCP.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// JSONRPCRequest represents a standard JSON-RPC request object.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"` // MUST be "2.0"
	ID      RequestID       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a standard JSON-RPC response object. Exactly one
// of Result or Error is present.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// JSONRPCNotification represents a standard JSON-RPC notification object.
// Notifications MUST NOT carry an 'id' field.
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Message is the tagged union of everything that can appear on the wire.
// Exactly one of Request, Response, Notification, or Batch is non-nil.
type Message struct {
	Request      *JSONRPCRequest
	Response     *JSONRPCResponse
	Notification *JSONRPCNotification
	Batch        []Message
}

// IsBatch reports whether the message is a batch.
func (m *Message) IsBatch() bool { return m.Batch != nil }

// NewRequest creates a new JSON-RPC request object with marshalled params.
func NewRequest(id RequestID, method string, params any) (*JSONRPCRequest, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return &JSONRPCRequest{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification creates a new JSON-RPC notification object.
func NewNotification(method string, params any) (*JSONRPCNotification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return &JSONRPCNotification{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewSuccessResponse creates a new JSON-RPC success response object.
func NewSuccessResponse(id RequestID, result any) (*JSONRPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse creates a new JSON-RPC error response object. The id may
// be nil when the error occurred before the request id could be parsed.
func NewErrorResponse(id RequestID, code ErrorCode, message string, data any) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &ErrorPayload{Code: code, Message: message, Data: data},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// UnmarshalPayload unmarshals a raw params or result field into target.
func UnmarshalPayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("payload is nil, cannot unmarshal")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload into %T: %w", target, err)
	}
	return nil
}
