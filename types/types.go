// Package types defines core interfaces and common types used across the prism library.
package types

import (
	"context"

	"github.com/prism-mcp/prism/protocol"
)

// Logger defines the interface for logging across the library. The host
// process never writes to standard error directly; everything funnels through
// an implementation of this seam.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)

	// With returns a logger carrying additional structured fields
	// (session_id, plugin, method, ...). Fields are key/value pairs.
	With(fields ...any) Logger

	// SetLevel adjusts the minimum severity that is emitted.
	SetLevel(level protocol.LoggingLevel)
}

// Transport defines the interface for communication between MCP clients and
// servers. It abstracts the underlying transport mechanism (stdio, websocket,
// etc.) and provides a consistent API for sending and receiving framed
// messages. Per-direction ordering is preserved; ordering between directions
// is unspecified.
type Transport interface {
	// Send transmits a message over the transport. Send blocks while the
	// transport's outbound queue is above its high-water mark.
	Send(data []byte) error

	// Receive blocks until a message is received or an error occurs.
	Receive() ([]byte, error)

	// ReceiveWithContext is like Receive but respects the provided context.
	ReceiveWithContext(ctx context.Context) ([]byte, error)

	// Close terminates the transport connection. After Close is called, the
	// transport must not be used.
	Close() error
}

// TransportOptions contains configuration options for creating a Transport.
// Different transport implementations may use different fields.
type TransportOptions struct {
	// Logger is used for logging transport-related events.
	Logger Logger

	// MaxFrameBytes caps incoming and outgoing frames; zero means the
	// protocol default.
	MaxFrameBytes int

	// AuthToken, when set, is presented as a bearer token by clients and
	// validated by servers that were configured with a verifier.
	AuthToken string
}
