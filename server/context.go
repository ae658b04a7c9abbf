package server

import (
	"context"

	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
	"github.com/prism-mcp/prism/types"
)

// Context is the per-call context handed to every handler. It carries the
// request id, a cancellation signal linked to the peer's
// notifications/cancelled, a progress sink when the caller supplied
// _meta.progressToken, and the session for reverse calls from within the
// handler.
type Context struct {
	ctx           context.Context
	srv           *Server
	sess          *session.Session
	requestID     protocol.RequestID
	progressToken any
	logger        types.Logger
}

// Ctx returns the underlying context. It is cancelled when the peer cancels
// the request or the call's deadline expires; handlers should observe it and
// return promptly. Cancellation is advisory: the dispatcher never aborts a
// handler forcibly.
func (c *Context) Ctx() context.Context { return c.ctx }

// Done mirrors c.Ctx().Done() for convenience in select loops.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// RequestID returns the inbound request's id.
func (c *Context) RequestID() protocol.RequestID { return c.requestID }

// Logger returns the call-scoped logger.
func (c *Context) Logger() types.Logger { return c.logger }

// Session returns the session this call arrived on.
func (c *Context) Session() *session.Session { return c.sess }

// Progress reports progress to the caller. It is a no-op when the caller
// supplied no progress token.
func (c *Context) Progress(progress float64, total *float64, message string) {
	if c.progressToken == nil {
		return
	}
	if err := c.sess.SendProgress(c.progressToken, progress, total, message); err != nil {
		c.logger.Debug("progress notification failed: %v", err)
	}
}

// HasProgressToken reports whether the caller asked for progress.
func (c *Context) HasProgressToken() bool { return c.progressToken != nil }

// CreateMessage issues a sampling/createMessage reverse call to the client.
// It fails locally with MethodNotFound, without touching the wire, when the
// client did not advertise sampling support.
func (c *Context) CreateMessage(params protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
	if !c.sess.ClientCapabilities().SupportsSampling() {
		return nil, protocol.NewMethodNotFoundError(protocol.MethodSamplingCreateMessage)
	}
	var result protocol.CreateMessageResult
	if err := c.sess.Call(c.ctx, protocol.MethodSamplingCreateMessage, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Elicit issues an elicitation/create reverse call to the client.
func (c *Context) Elicit(params protocol.ElicitParams) (*protocol.ElicitResult, error) {
	if !c.sess.ClientCapabilities().SupportsElicitation() {
		return nil, protocol.NewMethodNotFoundError(protocol.MethodElicitationCreate)
	}
	var result protocol.ElicitResult
	if err := c.sess.Call(c.ctx, protocol.MethodElicitationCreate, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRoots issues a roots/list reverse call to the client.
func (c *Context) ListRoots() ([]protocol.Root, error) {
	if !c.sess.ClientCapabilities().SupportsRoots() {
		return nil, protocol.NewMethodNotFoundError(protocol.MethodRootsList)
	}
	var result protocol.ListRootsResult
	if err := c.sess.Call(c.ctx, protocol.MethodRootsList, protocol.PingParams{}, &result); err != nil {
		return nil, err
	}
	return result.Roots, nil
}

// Log emits a notifications/message record to the client at the given level,
// subject to the session's logging/setLevel filter.
func (c *Context) Log(level protocol.LoggingLevel, data any) {
	if c.srv != nil {
		c.srv.sendLogMessage(c.sess, level, "", data)
	}
}

// Handler signatures, one per capability kind.

// ToolHandler services one tools/call invocation.
type ToolHandler func(ctx *Context, args []byte) (*protocol.CallToolResult, error)

// ResourceHandler services one resources/read invocation. For template
// resources the extracted variables arrive in vars.
type ResourceHandler func(ctx *Context, uri string, vars map[string]string) ([]protocol.ResourceContents, error)

// PromptHandler services one prompts/get invocation.
type PromptHandler func(ctx *Context, args map[string]string) (*protocol.GetPromptResult, error)

// CompletionHandler services one completion/complete invocation.
type CompletionHandler func(ctx *Context, params protocol.CompleteParams) (protocol.Completion, error)
