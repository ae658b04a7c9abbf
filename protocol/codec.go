package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxFrameBytes caps the size of a single wire frame. Frames above the
// cap are rejected with ParseError before any JSON work happens.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// Codec parses and emits JSON-RPC frames. The zero value uses
// DefaultMaxFrameBytes.
type Codec struct {
	MaxFrameBytes int
}

// NewCodec creates a Codec with the given frame cap; zero or negative selects
// the default.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{MaxFrameBytes: maxFrameBytes}
}

func (c *Codec) maxFrame() int {
	if c.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// Decode parses a single wire frame into a Message. Batches are accepted
// (ordered, non-empty); the codec itself never emits them.
func (c *Codec) Decode(frame []byte) (*Message, error) {
	if len(frame) > c.maxFrame() {
		return nil, &MCPError{ErrorPayload: ErrorPayload{
			Code:    CodeParseError,
			Message: fmt.Sprintf("frame of %d bytes exceeds maximum of %d", len(frame), c.maxFrame()),
		}}
	}
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeParseError, Message: "empty frame"}}
	}
	if frame[0] == '[' {
		return c.decodeBatch(frame)
	}
	return c.decodeSingle(frame)
}

func (c *Codec) decodeBatch(frame []byte) (*Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(frame, &raws); err != nil {
		return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeParseError, Message: "invalid JSON batch: " + err.Error()}}
	}
	if len(raws) == 0 {
		return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeInvalidRequest, Message: "batch must not be empty"}}
	}
	batch := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := c.decodeSingle(raw)
		if err != nil {
			return nil, err
		}
		batch = append(batch, *msg)
	}
	return &Message{Batch: batch}, nil
}

func (c *Codec) decodeSingle(frame []byte) (*Message, error) {
	// Probe the envelope once to classify the frame without committing to a
	// concrete shape.
	var probe struct {
		JSONRPC string           `json:"jsonrpc"`
		ID      *json.RawMessage `json:"id"`
		Method  *string          `json:"method"`
		Result  *json.RawMessage `json:"result"`
		Error   *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeParseError, Message: "invalid JSON: " + err.Error()}}
	}
	if probe.JSONRPC != JSONRPCVersion {
		return nil, &MCPError{ErrorPayload: ErrorPayload{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("jsonrpc must be %q", JSONRPCVersion),
		}}
	}

	switch {
	case probe.Method != nil && probe.ID != nil && !isJSONNull(*probe.ID):
		var req JSONRPCRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}}
		}
		return &Message{Request: &req}, nil
	case probe.Method != nil:
		var note JSONRPCNotification
		if err := json.Unmarshal(frame, &note); err != nil {
			return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}}
		}
		return &Message{Notification: &note}, nil
	case probe.Result != nil || probe.Error != nil:
		if probe.Result != nil && probe.Error != nil {
			return nil, &MCPError{ErrorPayload: ErrorPayload{
				Code:    CodeInvalidRequest,
				Message: "response must not carry both result and error",
			}}
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			return nil, &MCPError{ErrorPayload: ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}}
		}
		return &Message{Response: &resp}, nil
	default:
		return nil, &MCPError{ErrorPayload: ErrorPayload{
			Code:    CodeInvalidRequest,
			Message: "message is neither request, response, nor notification",
		}}
	}
}

// Encode serializes a single message for the wire. Batches are rejected: the
// engine accepts batches from peers but emits singletons only.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case msg.Request != nil:
		data, err = json.Marshal(msg.Request)
	case msg.Response != nil:
		data, err = json.Marshal(msg.Response)
	case msg.Notification != nil:
		data, err = json.Marshal(msg.Notification)
	case msg.Batch != nil:
		return nil, fmt.Errorf("batch emission is not supported")
	default:
		return nil, fmt.Errorf("empty message")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(data) > c.maxFrame() {
		return nil, fmt.Errorf("encoded frame of %d bytes exceeds maximum of %d", len(data), c.maxFrame())
	}
	return data, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
