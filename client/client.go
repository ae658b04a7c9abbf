// Package client implements the MCP client role: the initialize handshake,
// typed wrappers for every client-to-server method, and handlers for the
// server-initiated reverse calls (sampling, elicitation, roots).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prism-mcp/prism/hooks"
	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/mcp"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
	"github.com/prism-mcp/prism/types"
)

// SamplingHandler services a server's sampling/createMessage reverse call.
type SamplingHandler func(ctx context.Context, params protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// ElicitationHandler services a server's elicitation/create reverse call.
type ElicitationHandler func(ctx context.Context, params protocol.ElicitParams) (*protocol.ElicitResult, error)

// Client is an MCP client bound to a single session.
type Client struct {
	info      protocol.Implementation
	logger    types.Logger
	timeout   time.Duration
	sampling  SamplingHandler
	elicit    ElicitationHandler
	reqHooks  []hooks.ClientBeforeSendRequestHook
	noteHooks []hooks.ClientOnNotificationHook

	rootsMu sync.RWMutex
	roots   []protocol.Root

	notifyMu  sync.RWMutex
	listeners map[string][]func(*protocol.JSONRPCNotification)

	sess *session.Session
}

// Option configures a Client.
type Option func(*Client)

// WithClientInfo sets the implementation info sent during initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.info = protocol.Implementation{Name: name, Version: version} }
}

// WithLogger injects the logger seam.
func WithLogger(logger types.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRequestTimeout overrides the default 30s per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSamplingHandler enables the sampling capability. Servers may only call
// sampling/createMessage when this is set.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(c *Client) { c.sampling = h }
}

// WithElicitationHandler enables the elicitation capability.
func WithElicitationHandler(h ElicitationHandler) Option {
	return func(c *Client) { c.elicit = h }
}

// WithRoots sets the initial workspace roots and enables the roots
// capability.
func WithRoots(roots ...protocol.Root) Option {
	return func(c *Client) { c.roots = roots }
}

// WithRequestHooks runs the given hooks on every outbound request before it
// is sent, first hook first. A hook error aborts the call locally.
func WithRequestHooks(h ...hooks.ClientBeforeSendRequestHook) Option {
	return func(c *Client) { c.reqHooks = append(c.reqHooks, h...) }
}

// WithNotificationHooks runs the given hooks on every inbound notification
// before the registered listeners. A hook error suppresses the listeners.
func WithNotificationHooks(h ...hooks.ClientOnNotificationHook) Option {
	return func(c *Client) { c.noteHooks = append(c.noteHooks, h...) }
}

// NewClient creates a client; Connect must be called to open a session.
func NewClient(opts ...Option) *Client {
	c := &Client{
		info:      protocol.Implementation{Name: "prism-client", Version: "0.1.0"},
		logger:    logx.NewDefaultLogger(),
		listeners: make(map[string][]func(*protocol.JSONRPCNotification)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) capabilities() protocol.ClientCapabilities {
	caps := protocol.ClientCapabilities{}
	if c.sampling != nil {
		caps.Sampling = &struct{}{}
	}
	if c.elicit != nil {
		caps.Elicitation = &struct{}{}
	}
	c.rootsMu.RLock()
	hasRoots := c.roots != nil
	c.rootsMu.RUnlock()
	if hasRoots {
		caps.Roots = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	return caps
}

// Connect opens a session over the transport and runs the initialize
// handshake. On version mismatch the transport is closed and
// ErrVersionMismatch returned.
func (c *Client) Connect(ctx context.Context, t types.Transport) error {
	opts := session.Options{
		Logger:         c.logger,
		Originator:     session.OriginatorClient,
		RequestTimeout: c.timeout,
		Router:         c.route,
		Notifications:  c.handleNotification,
	}
	if len(c.reqHooks) > 0 {
		opts.OnBeforeSendRequest = func(req *protocol.JSONRPCRequest) (*protocol.JSONRPCRequest, error) {
			hookCtx := c.hookContext(ctx, req.Method)
			var err error
			for _, hook := range c.reqHooks {
				req, err = hook(hookCtx, req)
				if err != nil {
					return nil, err
				}
			}
			return req, nil
		}
	}
	c.sess = session.New(t, opts)
	if err := c.sess.BeginInitialize(); err != nil {
		return err
	}
	c.sess.Start(ctx)

	var result protocol.InitializeResult
	err := c.sess.Call(ctx, protocol.MethodInitialize, protocol.InitializeRequestParams{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		_ = c.sess.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := mcp.ValidateAgreed(result.ProtocolVersion); err != nil {
		_ = c.sess.Close()
		return fmt.Errorf("%w: %v", protocol.ErrVersionMismatch, err)
	}

	c.sess.SetPeer(result.ProtocolVersion, result.ServerInfo)
	c.sess.SetServerCapabilities(result.Capabilities, result.Instructions)

	if err := c.sess.Notify(protocol.MethodInitialized, protocol.EmptyResult{}); err != nil {
		_ = c.sess.Close()
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	if err := c.sess.MarkReady(); err != nil {
		return err
	}
	c.logger.Info("connected to %s %s (protocol %s)",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return nil
}

// Session exposes the underlying session.
func (c *Client) Session() *session.Session { return c.sess }

// ServerInfo returns the connected server's implementation info.
func (c *Client) ServerInfo() protocol.Implementation { return c.sess.PeerInfo() }

// ServerCapabilities returns what the server advertised during initialize.
func (c *Client) ServerCapabilities() *protocol.ServerCapabilities {
	return c.sess.ServerCapabilities()
}

// Instructions returns the server's initialize instructions.
func (c *Client) Instructions() string { return c.sess.Instructions() }

// Close tears the session down.
func (c *Client) Close() error {
	if c.sess == nil {
		return nil
	}
	return c.sess.Close()
}

// route services server-initiated requests.
func (c *Client) route(ctx context.Context, req *protocol.JSONRPCRequest) (any, error) {
	switch req.Method {
	case protocol.MethodPing:
		return protocol.EmptyResult{}, nil

	case protocol.MethodSamplingCreateMessage:
		if c.sampling == nil {
			return nil, protocol.NewMethodNotFoundError(req.Method)
		}
		var params protocol.CreateMessageParams
		if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
		return c.sampling(ctx, params)

	case protocol.MethodElicitationCreate:
		if c.elicit == nil {
			return nil, protocol.NewMethodNotFoundError(req.Method)
		}
		var params protocol.ElicitParams
		if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
		return c.elicit(ctx, params)

	case protocol.MethodRootsList:
		c.rootsMu.RLock()
		defer c.rootsMu.RUnlock()
		if c.roots == nil {
			return nil, protocol.NewMethodNotFoundError(req.Method)
		}
		roots := make([]protocol.Root, len(c.roots))
		copy(roots, c.roots)
		return protocol.ListRootsResult{Roots: roots}, nil

	default:
		return nil, protocol.NewMethodNotFoundError(req.Method)
	}
}

// hookContext snapshots what the hook surface exposes about this client and
// its peer. Peer fields are zero before the handshake completes.
func (c *Client) hookContext(ctx context.Context, method string) hooks.ClientHookContext {
	hookCtx := hooks.ClientHookContext{Ctx: ctx, ClientInfo: c.info, Method: method}
	if c.sess != nil {
		hookCtx.NegotiatedVersion = c.sess.PeerVersion()
		hookCtx.ServerInfo = c.sess.PeerInfo()
	}
	return hookCtx
}

func (c *Client) handleNotification(ctx context.Context, note *protocol.JSONRPCNotification) {
	hookCtx := c.hookContext(ctx, note.Method)
	for _, hook := range c.noteHooks {
		if err := hook(hookCtx, note.Params); err != nil {
			c.logger.Debug("notification %s suppressed by hook: %v", note.Method, err)
			return
		}
	}
	c.notifyMu.RLock()
	fns := make([]func(*protocol.JSONRPCNotification), len(c.listeners[note.Method]))
	copy(fns, c.listeners[note.Method])
	c.notifyMu.RUnlock()
	for _, fn := range fns {
		fn(note)
	}
}

// OnNotification registers a listener for a notification method
// (notifications/tools/list_changed, notifications/resources/updated, ...).
func (c *Client) OnNotification(method string, fn func(*protocol.JSONRPCNotification)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.listeners[method] = append(c.listeners[method], fn)
}

// --- Roots management ---

// AddRoot appends a workspace root and notifies the server.
func (c *Client) AddRoot(root protocol.Root) error {
	c.rootsMu.Lock()
	c.roots = append(c.roots, root)
	c.rootsMu.Unlock()
	return c.sess.Notify(protocol.MethodNotifyRootsListChanged, nil)
}

// RemoveRoot removes a workspace root by URI and notifies the server.
func (c *Client) RemoveRoot(uri string) error {
	c.rootsMu.Lock()
	kept := c.roots[:0]
	for _, r := range c.roots {
		if r.URI != uri {
			kept = append(kept, r)
		}
	}
	c.roots = kept
	c.rootsMu.Unlock()
	return c.sess.Notify(protocol.MethodNotifyRootsListChanged, nil)
}

// --- Typed request wrappers ---

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.sess.Call(ctx, protocol.MethodPing, protocol.PingParams{}, nil)
}

// ListTools fetches one page of tools.
func (c *Client) ListTools(ctx context.Context, cursor string) (*protocol.ListToolsResult, error) {
	var result protocol.ListToolsResult
	err := c.sess.Call(ctx, protocol.MethodListTools, protocol.ListToolsParams{Cursor: cursor}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CallOption adjusts one tools/call invocation.
type CallOption func(*callConfig)

type callConfig struct {
	progressToken any
	onProgress    func(protocol.ProgressParams)
}

// WithProgress attaches a progress token and callback to the call.
func WithProgress(token any, fn func(protocol.ProgressParams)) CallOption {
	return func(cfg *callConfig) {
		cfg.progressToken = token
		cfg.onProgress = fn
	}
}

// CallTool invokes a tool. Arguments may be any JSON-marshalable value.
func (c *Client) CallTool(ctx context.Context, name string, arguments any, opts ...CallOption) (*protocol.CallToolResult, error) {
	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var rawArgs json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
		}
		rawArgs = data
	}

	params := protocol.CallToolParams{Name: name, Arguments: rawArgs}
	if cfg.progressToken != nil {
		params.Meta = &protocol.RequestMeta{ProgressToken: cfg.progressToken}
		if cfg.onProgress != nil {
			unregister := c.sess.OnProgress(cfg.progressToken, cfg.onProgress)
			defer unregister()
		}
	}

	var result protocol.CallToolResult
	if err := c.sess.Call(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources fetches one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (*protocol.ListResourcesResult, error) {
	var result protocol.ListResourcesResult
	err := c.sess.Call(ctx, protocol.MethodListResources, protocol.ListResourcesParams{Cursor: cursor}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResourceTemplates fetches one page of resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (*protocol.ListResourceTemplatesResult, error) {
	var result protocol.ListResourceTemplatesResult
	err := c.sess.Call(ctx, protocol.MethodListResourceTemplates,
		protocol.ListResourceTemplatesParams{Cursor: cursor}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	var result protocol.ReadResourceResult
	err := c.sess.Call(ctx, protocol.MethodReadResource, protocol.ReadResourceParams{URI: uri}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe registers interest in updates for a resource URI or pattern.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	return c.sess.Call(ctx, protocol.MethodSubscribeResource, protocol.SubscribeParams{URI: uri}, nil)
}

// Unsubscribe removes a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	return c.sess.Call(ctx, protocol.MethodUnsubscribeResource, protocol.SubscribeParams{URI: uri}, nil)
}

// ListPrompts fetches one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (*protocol.ListPromptsResult, error) {
	var result protocol.ListPromptsResult
	err := c.sess.Call(ctx, protocol.MethodListPrompts, protocol.ListPromptsParams{Cursor: cursor}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt renders a prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	var result protocol.GetPromptResult
	err := c.sess.Call(ctx, protocol.MethodGetPrompt,
		protocol.GetPromptParams{Name: name, Arguments: arguments}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete asks the server for argument completions.
func (c *Client) Complete(ctx context.Context, params protocol.CompleteParams) (*protocol.CompleteResult, error) {
	var result protocol.CompleteResult
	if err := c.sess.Call(ctx, protocol.MethodComplete, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetLogLevel adjusts the server's notifications/message filter for this
// session.
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LoggingLevel) error {
	return c.sess.Call(ctx, protocol.MethodLoggingSetLevel, protocol.SetLevelParams{Level: level}, nil)
}
