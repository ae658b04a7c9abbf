// Package hooks defines types for injecting custom logic at points in the
// prism client and server lifecycles: raw-message interception, tool-call
// wrapping, and session lifecycle observation.
package hooks

import (
	"context"

	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
)

// ServerHookContext provides context available to most server-side hooks.
type ServerHookContext struct {
	Ctx     context.Context
	Session *session.Session
	ID      protocol.RequestID // zero value for notifications
	Method  string
}

// BeforeHandleMessageHook runs after receiving raw bytes, before any JSON
// parsing. Returning modified bytes rewrites the frame; an error stops
// processing.
type BeforeHandleMessageHook func(ctx context.Context, sess *session.Session, raw []byte) ([]byte, error)

// BeforeHandleRequestHook runs before routing a parsed request to its
// handler. An error stops processing and is serialized as the response.
type BeforeHandleRequestHook func(hookCtx ServerHookContext, params []byte) error

// FinalToolHandler is the actual tool execution logic a tool-call hook
// wraps.
type FinalToolHandler func(ctx context.Context, args []byte) (*protocol.CallToolResult, error)

// ToolCallHook wraps the next handler in the chain, allowing work before and
// after execution. Hooks compose outermost-first.
type ToolCallHook func(next FinalToolHandler) FinalToolHandler

// BeforeSendResponseHook runs before a response is sent back to the peer.
type BeforeSendResponseHook func(hookCtx ServerHookContext, resp *protocol.JSONRPCResponse) (*protocol.JSONRPCResponse, error)

// OnSessionCreateHook runs after a new session is registered with the
// server.
type OnSessionCreateHook func(hookCtx ServerHookContext) error

// BeforeSessionDestroyHook runs just before a session is dropped.
type BeforeSessionDestroyHook func(hookCtx ServerHookContext) error

// ClientHookContext provides context for client-side hooks.
type ClientHookContext struct {
	Ctx               context.Context
	ClientInfo        protocol.Implementation
	NegotiatedVersion string
	ServerInfo        protocol.Implementation
	Method            string
}

// ClientBeforeSendRequestHook runs before marshalling and sending a client
// request.
type ClientBeforeSendRequestHook func(hookCtx ClientHookContext, req *protocol.JSONRPCRequest) (*protocol.JSONRPCRequest, error)

// ClientOnNotificationHook runs after parsing an incoming notification,
// before the registered listeners. The method is in hookCtx; an error
// suppresses the listeners.
type ClientOnNotificationHook func(hookCtx ClientHookContext, params []byte) error

// Chain composes tool-call hooks around a final handler, first hook
// outermost.
func Chain(final FinalToolHandler, hooks ...ToolCallHook) FinalToolHandler {
	wrapped := final
	for i := len(hooks) - 1; i >= 0; i-- {
		wrapped = hooks[i](wrapped)
	}
	return wrapped
}
