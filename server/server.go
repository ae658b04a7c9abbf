// Package server implements the MCP server role: a capability registry, a
// validating dispatcher, and per-connection sessions multiplexed over any
// Transport.
package server

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
	"github.com/prism-mcp/prism/util/schema"
)

// Server hosts capabilities and serves MCP sessions. A single Server may
// serve many concurrent sessions; the registry is shared, per-session state
// (negotiated capabilities, log level) is not.
type Server struct {
	info         protocol.Implementation
	instructions string
	logger       types.Logger
	limits       Limits
	registry     *Registry
	dispatcher   *dispatcher
	subs         *subscriptionManager

	enabledKinds map[Kind]bool
	toolHooks    []hooks.ToolCallHook
	msgHooks     []hooks.BeforeHandleMessageHook
	reqHooks     []hooks.BeforeHandleRequestHook
	respHooks    []hooks.BeforeSendResponseHook
	createHooks  []hooks.OnSessionCreateHook
	destroyHooks []hooks.BeforeSessionDestroyHook

	sessMu    sync.RWMutex
	sessions  map[*session.Session]*sessionState
	onFault   func(plugin string)
	requestTO time.Duration
}

type sessionState struct {
	logLevel protocol.LoggingLevel
}

// Option configures a Server.
type Option func(*Server)

// WithLogger injects the logger seam.
func WithLogger(logger types.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithLimits overrides dispatcher concurrency limits.
func WithLimits(limits Limits) Option {
	return func(s *Server) { s.limits = limits }
}

// WithRequestTimeout bounds outbound (reverse) requests issued by handlers.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTO = d }
}

// WithToolHooks wraps every tool invocation in the given hooks, first hook
// outermost. Hooks run inside the dispatcher's concurrency limits; the panic
// guard for plugin tools wraps only the handler, not the hooks.
func WithToolHooks(h ...hooks.ToolCallHook) Option {
	return func(s *Server) { s.toolHooks = append(s.toolHooks, h...) }
}

// WithMessageHooks runs the given hooks on every inbound frame before JSON
// parsing, first hook first. A hook error drops the frame.
func WithMessageHooks(h ...hooks.BeforeHandleMessageHook) Option {
	return func(s *Server) { s.msgHooks = append(s.msgHooks, h...) }
}

// WithRequestHooks runs the given hooks before a parsed request is routed to
// its handler. A hook error becomes the request's error response.
func WithRequestHooks(h ...hooks.BeforeHandleRequestHook) Option {
	return func(s *Server) { s.reqHooks = append(s.reqHooks, h...) }
}

// WithResponseHooks runs the given hooks before a response is sent back to
// the peer. Hooks may rewrite the response; an error suppresses it.
func WithResponseHooks(h ...hooks.BeforeSendResponseHook) Option {
	return func(s *Server) { s.respHooks = append(s.respHooks, h...) }
}

// WithSessionCreateHooks runs the given hooks after a new session is
// registered. A hook error rejects the session, which is closed immediately.
func WithSessionCreateHooks(h ...hooks.OnSessionCreateHook) Option {
	return func(s *Server) { s.createHooks = append(s.createHooks, h...) }
}

// WithSessionDestroyHooks runs the given hooks just before a session is
// dropped from the server.
func WithSessionDestroyHooks(h ...hooks.BeforeSessionDestroyHook) Option {
	return func(s *Server) { s.destroyHooks = append(s.destroyHooks, h...) }
}

// WithoutKind disables a capability kind. Requests against disabled kinds
// fail with MethodNotFound, and the kind is absent from the advertised
// capabilities.
func WithoutKind(kind Kind) Option {
	return func(s *Server) { s.enabledKinds[kind] = false }
}

// NewServer creates a server with the given implementation info.
func NewServer(name, version string, opts ...Option) *Server {
	s := &Server{
		info:     protocol.Implementation{Name: name, Version: version},
		logger:   logx.NewDefaultLogger(),
		registry: NewRegistry(),
		subs:     newSubscriptionManager(),
		sessions: make(map[*session.Session]*sessionState),
		enabledKinds: map[Kind]bool{
			KindTool: true, KindResource: true, KindPrompt: true, KindCompletion: true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = newDispatcher(s, s.registry, s.limits)
	s.registry.SetChangedCallback(s.notifyListChanged)
	return s
}

// Logger returns the server's logger seam.
func (s *Server) Logger() types.Logger { return s.logger }

// Registry exposes the capability registry (the plugin host registers
// through it).
func (s *Server) Registry() *Registry { return s.registry }

// SetPluginFaultObserver wires the plugin host's crash accounting into the
// dispatcher's fault isolation.
func (s *Server) SetPluginFaultObserver(fn func(plugin string)) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	s.onFault = fn
}

func (s *Server) recordPluginFault(plugin string) {
	s.sessMu.RLock()
	fn := s.onFault
	s.sessMu.RUnlock()
	if fn != nil {
		fn(plugin)
	}
}

// --- Registration API ---

// Tool registers a tool with an explicit definition and handler.
func (s *Server) Tool(tool protocol.Tool, handler ToolHandler) error {
	return s.registry.Register(&Entry{Kind: KindTool, Name: tool.Name, Payload: tool, Handler: handler})
}

// TypedTool builds a tool whose input schema is generated from the argument
// struct's tags and whose arguments are decoded before the handler runs.
func TypedTool[T any](name, description string, fn func(ctx *Context, args T) (*protocol.CallToolResult, error)) (protocol.Tool, ToolHandler) {
	var zero T
	tool := protocol.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema.FromStruct(zero),
	}
	handler := func(ctx *Context, raw []byte) (*protocol.CallToolResult, error) {
		args, err := schema.DecodeArgs[T](raw)
		if err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
		return fn(ctx, *args)
	}
	return tool, handler
}

// Resource registers a concrete resource.
func (s *Server) Resource(resource protocol.Resource, handler ResourceHandler) error {
	return s.registry.Register(&Entry{Kind: KindResource, Name: resource.URI, Payload: resource, Handler: handler})
}

// ResourceTemplate registers a parameterized resource family.
func (s *Server) ResourceTemplate(tmpl protocol.ResourceTemplate, handler ResourceHandler) error {
	return s.registry.RegisterTemplate(tmpl, handler, "")
}

// Prompt registers a prompt template.
func (s *Server) Prompt(prompt protocol.Prompt, handler PromptHandler) error {
	return s.registry.Register(&Entry{Kind: KindPrompt, Name: prompt.Name, Payload: prompt, Handler: handler})
}

// Completion registers an argument completer for a prompt name or resource
// template URI.
func (s *Server) Completion(ref string, handler CompletionHandler) error {
	return s.registry.Register(&Entry{Kind: KindCompletion, Name: ref, Payload: ref, Handler: handler})
}

// Unregister removes a capability by kind and name.
func (s *Server) Unregister(kind Kind, name string) {
	s.registry.Unregister(kind, name)
}

// --- Serving ---

// Serve attaches a new session to the transport and starts its reader. It
// returns the session immediately; traffic is handled on background
// goroutines until the transport fails or the session closes.
func (s *Server) Serve(ctx context.Context, t types.Transport) *session.Session {
	var sess *session.Session
	opts := session.Options{
		Logger:         s.logger,
		Originator:     session.OriginatorServer,
		RequestTimeout: s.requestTO,
		Router: func(ctx context.Context, req *protocol.JSONRPCRequest) (any, error) {
			return s.route(ctx, sess, req)
		},
		Notifications: func(ctx context.Context, note *protocol.JSONRPCNotification) {
			s.handleNotification(sess, note)
		},
	}
	if len(s.msgHooks) > 0 {
		opts.OnRawMessage = func(raw []byte) ([]byte, error) {
			var err error
			for _, hook := range s.msgHooks {
				raw, err = hook(ctx, sess, raw)
				if err != nil {
					return nil, err
				}
			}
			return raw, nil
		}
	}
	if len(s.respHooks) > 0 {
		opts.OnBeforeSendResponse = func(resp *protocol.JSONRPCResponse) (*protocol.JSONRPCResponse, error) {
			hookCtx := hooks.ServerHookContext{Ctx: ctx, Session: sess, ID: resp.ID}
			var err error
			for _, hook := range s.respHooks {
				resp, err = hook(hookCtx, resp)
				if err != nil {
					return nil, err
				}
			}
			return resp, nil
		}
	}
	sess = session.New(t, opts)

	s.sessMu.Lock()
	s.sessions[sess] = &sessionState{logLevel: protocol.LogLevelInfo}
	s.sessMu.Unlock()

	for _, hook := range s.createHooks {
		if err := hook(hooks.ServerHookContext{Ctx: ctx, Session: sess}); err != nil {
			s.logger.Warn("session %s rejected by create hook: %v", sess.ID(), err)
			s.dropSession(sess)
			_ = sess.Close()
			return sess
		}
	}

	sess.Start(ctx)
	go func() {
		sess.Wait()
		s.dropSession(sess)
	}()
	return sess
}

func (s *Server) dropSession(sess *session.Session) {
	s.sessMu.Lock()
	_, known := s.sessions[sess]
	delete(s.sessions, sess)
	s.sessMu.Unlock()
	if !known {
		return
	}
	for _, hook := range s.destroyHooks {
		if err := hook(hooks.ServerHookContext{Ctx: context.Background(), Session: sess}); err != nil {
			s.logger.Debug("session destroy hook failed for %s: %v", sess.ID(), err)
		}
	}
	s.subs.dropSession(sess)
}

// Shutdown closes every active session.
func (s *Server) Shutdown() {
	s.sessMu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range sessions {
		sess.Shutdown()
		_ = sess.Close()
	}
}

// capabilities reports what this server advertises, shaped by enabled kinds.
func (s *Server) capabilities() protocol.ServerCapabilities {
	caps := protocol.ServerCapabilities{
		Logging: &struct{}{},
	}
	if s.enabledKinds[KindTool] {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	if s.enabledKinds[KindResource] {
		caps.Resources = &struct {
			Subscribe   bool `json:"subscribe,omitempty"`
			ListChanged bool `json:"listChanged,omitempty"`
		}{Subscribe: true, ListChanged: true}
	}
	if s.enabledKinds[KindPrompt] {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	if s.enabledKinds[KindCompletion] {
		caps.Completions = &struct{}{}
	}
	return caps
}

// route dispatches one inbound request. The session has already rejected
// non-initialize traffic before Ready and duplicate ids.
func (s *Server) route(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	handlerTO := s.limits.HandlerTimeout
	if handlerTO <= 0 {
		handlerTO = DefaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTO)
	defer cancel()

	if len(s.reqHooks) > 0 {
		hookCtx := hooks.ServerHookContext{Ctx: ctx, Session: sess, ID: req.ID, Method: req.Method}
		for _, hook := range s.reqHooks {
			if err := hook(hookCtx, req.Params); err != nil {
				return nil, err
			}
		}
	}

	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(sess, req)
	case protocol.MethodPing:
		return protocol.EmptyResult{}, nil

	case protocol.MethodListTools:
		if err := s.requireKind(KindTool, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.listTools(req)
	case protocol.MethodCallTool:
		if err := s.requireKind(KindTool, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.callTool(ctx, sess, req)

	case protocol.MethodListResources:
		if err := s.requireKind(KindResource, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.listResources(req)
	case protocol.MethodListResourceTemplates:
		if err := s.requireKind(KindResource, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.listResourceTemplates(req)
	case protocol.MethodReadResource:
		if err := s.requireKind(KindResource, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.readResource(ctx, sess, req)
	case protocol.MethodSubscribeResource:
		if err := s.requireKind(KindResource, req.Method); err != nil {
			return nil, err
		}
		var params protocol.SubscribeParams
		if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
		if err := s.subs.subscribe(sess, params.URI); err != nil {
			return nil, err
		}
		return protocol.EmptyResult{}, nil
	case protocol.MethodUnsubscribeResource:
		if err := s.requireKind(KindResource, req.Method); err != nil {
			return nil, err
		}
		var params protocol.SubscribeParams
		if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
		s.subs.unsubscribe(sess, params.URI)
		return protocol.EmptyResult{}, nil

	case protocol.MethodListPrompts:
		if err := s.requireKind(KindPrompt, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.listPrompts(req)
	case protocol.MethodGetPrompt:
		if err := s.requireKind(KindPrompt, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.getPrompt(ctx, sess, req)

	case protocol.MethodComplete:
		if err := s.requireKind(KindCompletion, req.Method); err != nil {
			return nil, err
		}
		return s.dispatcher.complete(ctx, sess, req)

	case protocol.MethodLoggingSetLevel:
		return s.handleSetLevel(sess, req)

	default:
		return nil, protocol.NewMethodNotFoundError(req.Method)
	}
}

func (s *Server) requireKind(kind Kind, method string) error {
	if !s.enabledKinds[kind] {
		return protocol.NewMethodNotFoundError(method)
	}
	return nil
}

func (s *Server) handleInitialize(sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.InitializeRequestParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if err := sess.BeginInitialize(); err != nil {
		return nil, protocol.NewMCPError(protocol.CodeInvalidRequest, err.Error(), nil)
	}

	negotiated := mcp.Negotiate(params.ProtocolVersion)
	sess.SetPeer(negotiated, params.ClientInfo)
	sess.SetClientCapabilities(params.Capabilities)

	s.logger.Info("session %s initialized by %s %s (protocol %s)",
		sess.ID(), params.ClientInfo.Name, params.ClientInfo.Version, negotiated)

	return protocol.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleNotification(sess *session.Session, note *protocol.JSONRPCNotification) {
	switch note.Method {
	case protocol.MethodInitialized:
		if err := sess.MarkReady(); err != nil {
			s.logger.Warn("unexpected initialized notification: %v", err)
		}
	default:
		s.logger.Debug("ignoring notification %s", note.Method)
	}
}

func (s *Server) handleSetLevel(sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.SetLevelParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if !params.Level.IsValid() {
		return nil, protocol.NewInvalidParamsError(fmt.Sprintf("unknown logging level %q", params.Level))
	}
	s.sessMu.Lock()
	if state, ok := s.sessions[sess]; ok {
		state.logLevel = params.Level
	}
	s.sessMu.Unlock()
	return protocol.EmptyResult{}, nil
}

// --- Notifications out ---

var listChangedMethods = map[Kind]string{
	KindTool:     protocol.MethodNotifyToolsListChanged,
	KindResource: protocol.MethodNotifyResourcesListChanged,
	KindPrompt:   protocol.MethodNotifyPromptsListChanged,
}

// notifyListChanged fans a */list_changed notification out to every ready
// session. Emitted after the registry mutation commits.
func (s *Server) notifyListChanged(kind Kind) {
	method, ok := listChangedMethods[kind]
	if !ok {
		return
	}
	for _, sess := range s.readySessions() {
		if err := sess.Notify(method, nil); err != nil {
			s.logger.Debug("list_changed notification failed on %s: %v", sess.ID(), err)
		}
	}
}

// NotifyResourceUpdated tells subscribed sessions that a resource changed.
func (s *Server) NotifyResourceUpdated(uri string) {
	for _, sess := range s.subs.subscribers(uri) {
		if sess.State() != session.StateReady {
			continue
		}
		err := sess.Notify(protocol.MethodNotifyResourceUpdated, protocol.ResourceUpdatedParams{URI: uri})
		if err != nil {
			s.logger.Debug("resource update notification failed on %s: %v", sess.ID(), err)
		}
	}
}

func (s *Server) readySessions() []*session.Session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.State() == session.StateReady {
			out = append(out, sess)
		}
	}
	return out
}

// sendLogMessage emits notifications/message to one session, honoring its
// logging/setLevel filter.
func (s *Server) sendLogMessage(sess *session.Session, level protocol.LoggingLevel, loggerName string, data any) {
	s.sessMu.RLock()
	state, ok := s.sessions[sess]
	s.sessMu.RUnlock()
	if !ok {
		return
	}
	if level.Severity() < state.logLevel.Severity() {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Debug("unserializable log payload: %v", err)
		return
	}
	err = sess.Notify(protocol.MethodNotificationMessage, protocol.LoggingMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   raw,
	})
	if err != nil {
		s.logger.Debug("log notification failed on %s: %v", sess.ID(), err)
	}
}

// LogToSessions broadcasts a notifications/message record to every ready
// session that passes the level filter.
func (s *Server) LogToSessions(level protocol.LoggingLevel, loggerName string, data any) {
	for _, sess := range s.readySessions() {
		s.sendLogMessage(sess, level, loggerName, data)
	}
}
