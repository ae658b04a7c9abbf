package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prism-mcp/prism/hooks"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
	"github.com/prism-mcp/prism/util/schema"
)

// Concurrency defaults. Requests beyond the limits are rejected with TooBusy
// rather than queued unboundedly.
const (
	DefaultMaxInFlightPerKind = 64
	DefaultMaxInFlightTotal   = 1024
	DefaultHandlerTimeout     = 60 * time.Second
)

// Limits bounds dispatcher concurrency and handler runtime.
type Limits struct {
	MaxInFlightPerKind int           `json:"max_in_flight_per_kind"`
	MaxInFlightTotal   int           `json:"max_in_flight_total"`
	HandlerTimeout     time.Duration `json:"handler_timeout"`
}

// dispatcher validates, limits, and invokes capability handlers.
type dispatcher struct {
	srv       *Server
	registry  *Registry
	validator *schema.Validator

	global  chan struct{}
	perKind map[Kind]chan struct{}
}

func newDispatcher(srv *Server, registry *Registry, limits Limits) *dispatcher {
	perKindLimit := limits.MaxInFlightPerKind
	if perKindLimit <= 0 {
		perKindLimit = DefaultMaxInFlightPerKind
	}
	totalLimit := limits.MaxInFlightTotal
	if totalLimit <= 0 {
		totalLimit = DefaultMaxInFlightTotal
	}
	d := &dispatcher{
		srv:       srv,
		registry:  registry,
		validator: schema.NewValidator(),
		global:    make(chan struct{}, totalLimit),
		perKind:   make(map[Kind]chan struct{}, 4),
	}
	for _, kind := range []Kind{KindTool, KindResource, KindPrompt, KindCompletion} {
		d.perKind[kind] = make(chan struct{}, perKindLimit)
	}
	return d
}

// acquire reserves a concurrency slot, failing fast with TooBusy when either
// the kind's limit or the global limit is saturated.
func (d *dispatcher) acquire(kind Kind) (release func(), err error) {
	kindSlot := d.perKind[kind]
	select {
	case kindSlot <- struct{}{}:
	default:
		return nil, protocol.NewMCPError(protocol.CodeTooBusy,
			fmt.Sprintf("too many in-flight %s requests", kind), nil)
	}
	select {
	case d.global <- struct{}{}:
	default:
		<-kindSlot
		return nil, protocol.NewMCPError(protocol.CodeTooBusy, "server at capacity", nil)
	}
	return func() {
		<-d.global
		<-kindSlot
	}, nil
}

// callContext builds the per-call Context, linking the peer's cancellation
// signal and the optional progress token.
func (d *dispatcher) callContext(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest, meta *protocol.RequestMeta) *Context {
	var token any
	if meta != nil {
		token = meta.ProgressToken
	}
	return &Context{
		ctx:           ctx,
		srv:           d.srv,
		sess:          sess,
		requestID:     req.ID,
		progressToken: token,
		logger:        sess.Logger().With("method", req.Method),
	}
}

// --- Tool dispatch ---

func (d *dispatcher) callTool(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.CallToolParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	entry, ok := d.registry.Get(KindTool, params.Name)
	if !ok {
		return nil, protocol.NewMCPError(protocol.CodeInvalidParams,
			fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}
	handler, ok := entry.Handler.(ToolHandler)
	if !ok {
		return nil, protocol.NewMCPError(protocol.CodeInternalError,
			fmt.Sprintf("tool %s has no callable handler", params.Name), nil)
	}

	tool := entry.Payload.(protocol.Tool)
	if err := d.validator.ValidateToolInput(ctx, tool.InputSchema, params.Arguments); err != nil {
		return nil, err
	}

	release, err := d.acquire(KindTool)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx := d.callContext(ctx, sess, req, params.Meta)

	final := hooks.FinalToolHandler(func(hctx context.Context, args []byte) (*protocol.CallToolResult, error) {
		return d.invokeToolHandler(callCtx, entry, handler, args)
	})
	result, err := hooks.Chain(final, d.srv.toolHooks...)(ctx, params.Arguments)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// invokeToolHandler runs the handler, containing panics from plugin-origin
// entries. A panic in a native handler is a bug in the embedding program and
// is allowed to unwind; a panic crossing the plugin boundary is converted to
// PluginFault so one plugin cannot tear down the session.
func (d *dispatcher) invokeToolHandler(ctx *Context, entry *Entry, handler ToolHandler, args []byte) (result *protocol.CallToolResult, err error) {
	if entry.PluginOrigin != "" {
		defer func() {
			if r := recover(); r != nil {
				ctx.logger.Error("plugin %s panicked in tool %s: %v", entry.PluginOrigin, entry.Name, r)
				d.srv.recordPluginFault(entry.PluginOrigin)
				result = nil
				err = protocol.NewMCPError(protocol.CodePluginFault,
					fmt.Sprintf("plugin %s faulted", entry.PluginOrigin), nil)
			}
		}()
	}
	return handler(ctx, args)
}

// --- Resource dispatch ---

func (d *dispatcher) readResource(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.ReadResourceParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}

	release, err := d.acquire(KindResource)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx := d.callContext(ctx, sess, req, params.Meta)

	// Concrete resources win over templates.
	if entry, ok := d.registry.Get(KindResource, params.URI); ok {
		handler, ok := entry.Handler.(ResourceHandler)
		if !ok {
			return nil, protocol.NewMCPError(protocol.CodeInternalError,
				fmt.Sprintf("resource %s has no readable handler", params.URI), nil)
		}
		contents, err := handler(callCtx, params.URI, nil)
		if err != nil {
			return nil, err
		}
		return protocol.ReadResourceResult{Contents: contents}, nil
	}

	if tmpl, vars, ok := d.registry.MatchTemplate(params.URI); ok {
		contents, err := tmpl.handler(callCtx, params.URI, vars)
		if err != nil {
			return nil, err
		}
		return protocol.ReadResourceResult{Contents: contents}, nil
	}

	return nil, protocol.NewMCPError(protocol.CodeResourceNotFound,
		fmt.Sprintf("resource not found: %s", params.URI), map[string]any{"uri": params.URI})
}

// --- Prompt dispatch ---

func (d *dispatcher) getPrompt(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.GetPromptParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	entry, ok := d.registry.Get(KindPrompt, params.Name)
	if !ok {
		return nil, protocol.NewMCPError(protocol.CodeInvalidParams,
			fmt.Sprintf("unknown prompt: %s", params.Name), nil)
	}
	handler, ok := entry.Handler.(PromptHandler)
	if !ok {
		return nil, protocol.NewMCPError(protocol.CodeInternalError,
			fmt.Sprintf("prompt %s has no handler", params.Name), nil)
	}

	prompt := entry.Payload.(protocol.Prompt)
	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, present := params.Arguments[arg.Name]; !present {
				return nil, protocol.NewInvalidParamsError(
					fmt.Sprintf("missing required argument %q", arg.Name))
			}
		}
	}

	release, err := d.acquire(KindPrompt)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx := d.callContext(ctx, sess, req, params.Meta)
	return handler(callCtx, params.Arguments)
}

// --- Completion dispatch ---

func (d *dispatcher) complete(ctx context.Context, sess *session.Session, req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.CompleteParams
	if err := protocol.UnmarshalPayload(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}

	var name string
	switch params.Ref.Type {
	case "ref/prompt":
		name = params.Ref.Name
	case "ref/resource":
		name = params.Ref.URI
	default:
		return nil, protocol.NewInvalidParamsError(
			fmt.Sprintf("unknown completion ref type %q", params.Ref.Type))
	}

	entry, ok := d.registry.Get(KindCompletion, name)
	if !ok {
		// No registered completer: answer with an empty completion rather
		// than an error, matching how clients probe.
		return protocol.CompleteResult{Completion: protocol.Completion{Values: []string{}}}, nil
	}
	handler, ok := entry.Handler.(CompletionHandler)
	if !ok {
		return nil, protocol.NewMCPError(protocol.CodeInternalError,
			fmt.Sprintf("completion %s has no handler", name), nil)
	}

	release, err := d.acquire(KindCompletion)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx := d.callContext(ctx, sess, req, nil)
	completion, err := handler(callCtx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Values) > ListPageSize {
		total := len(completion.Values)
		completion.Values = completion.Values[:ListPageSize]
		completion.HasMore = true
		if completion.Total == nil {
			completion.Total = &total
		}
	}
	return protocol.CompleteResult{Completion: completion}, nil
}

// --- List dispatch ---

func (d *dispatcher) listTools(req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
	}
	entries, next, err := d.registry.List(KindTool, params.Cursor)
	if err != nil {
		return nil, err
	}
	tools := make([]protocol.Tool, 0, len(entries))
	for _, entry := range entries {
		tools = append(tools, entry.Payload.(protocol.Tool))
	}
	return protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (d *dispatcher) listResources(req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.ListResourcesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
	}
	entries, next, err := d.registry.List(KindResource, params.Cursor)
	if err != nil {
		return nil, err
	}
	resources := make([]protocol.Resource, 0, len(entries))
	for _, entry := range entries {
		resources = append(resources, entry.Payload.(protocol.Resource))
	}
	return protocol.ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (d *dispatcher) listResourceTemplates(req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.ListResourceTemplatesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
	}
	templates, next, err := d.registry.ListTemplates(params.Cursor)
	if err != nil {
		return nil, err
	}
	return protocol.ListResourceTemplatesResult{ResourceTemplates: templates, NextCursor: next}, nil
}

func (d *dispatcher) listPrompts(req *protocol.JSONRPCRequest) (any, error) {
	var params protocol.ListPromptsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
	}
	entries, next, err := d.registry.List(KindPrompt, params.Cursor)
	if err != nil {
		return nil, err
	}
	prompts := make([]protocol.Prompt, 0, len(entries))
	for _, entry := range entries {
		prompts = append(prompts, entry.Payload.(protocol.Prompt))
	}
	return protocol.ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}
