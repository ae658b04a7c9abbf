package server_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prism-mcp/prism/client"
	"github.com/prism-mcp/prism/hooks"
	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/server"
	"github.com/prism-mcp/prism/session"
	"github.com/prism-mcp/prism/transport/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message" description:"Text to echo back"`
}

func connect(t *testing.T, srv *server.Server, opts ...client.Option) *client.Client {
	t.Helper()
	clientTr, serverTr := inmemory.NewPair()
	srv.Serve(context.Background(), serverTr)

	opts = append(opts, client.WithLogger(logx.NewNop()))
	c := client.NewClient(opts...)
	require.NoError(t, c.Connect(context.Background(), clientTr))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newEchoServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.NewServer("echo-server", "1.0.0", server.WithLogger(logx.NewNop()))
	tool, handler := server.TypedTool("echo", "Echo a message back",
		func(ctx *server.Context, args echoArgs) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText(args.Message), nil
		})
	require.NoError(t, srv.Tool(tool, handler))
	return srv
}

func TestInitializeHandshake(t *testing.T) {
	srv := server.NewServer("test-server", "2.0.0",
		server.WithLogger(logx.NewNop()), server.WithInstructions("be gentle"))
	c := connect(t, srv)

	assert.Equal(t, "test-server", c.ServerInfo().Name)
	assert.Equal(t, "be gentle", c.Instructions())
	caps := c.ServerCapabilities()
	require.NotNil(t, caps)
	assert.NotNil(t, caps.Tools)
	assert.NotNil(t, caps.Logging)
	require.NoError(t, c.Ping(context.Background()))
}

func TestEchoToolCall(t *testing.T) {
	c := connect(t, newEchoServer(t))

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestToolSchemaValidation(t *testing.T) {
	c := connect(t, newEchoServer(t))

	// Missing required "message" fails validation before the handler runs.
	_, err := c.CallTool(context.Background(), "echo", map[string]any{})
	require.Error(t, err)
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, protocol.CodeInvalidParams, mcpErr.Code)

	_, err = c.CallTool(context.Background(), "echo", map[string]any{"message": 42})
	require.Error(t, err)
}

func TestUnknownToolAndMethod(t *testing.T) {
	c := connect(t, newEchoServer(t))

	_, err := c.CallTool(context.Background(), "no-such-tool", nil)
	assert.Error(t, err)

	// Kinds the server did not advertise fail with MethodNotFound.
	srv := server.NewServer("minimal", "0.1.0",
		server.WithLogger(logx.NewNop()), server.WithoutKind(server.KindPrompt))
	c2 := connect(t, srv)
	_, err = c2.ListPrompts(context.Background(), "")
	require.Error(t, err)
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, protocol.CodeMethodNotFound, mcpErr.Code)
}

func TestListToolsPagination(t *testing.T) {
	srv := server.NewServer("paged", "0.1.0", server.WithLogger(logx.NewNop()))
	for i := 0; i < 150; i++ {
		name := fmt.Sprintf("tool-%03d", i)
		require.NoError(t, srv.Tool(protocol.Tool{Name: name, InputSchema: protocol.ToolInputSchema{Type: "object"}},
			func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
				return protocol.NewToolResultText("ok"), nil
			}))
	}
	c := connect(t, srv)

	first, err := c.ListTools(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, first.Tools, 100)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "tool-000", first.Tools[0].Name)

	second, err := c.ListTools(context.Background(), first.NextCursor)
	require.NoError(t, err)
	assert.Len(t, second.Tools, 50)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, "tool-100", second.Tools[0].Name)

	// Pages never overlap.
	seen := map[string]bool{}
	for _, tool := range append(first.Tools, second.Tools...) {
		assert.False(t, seen[tool.Name], "duplicate %s across pages", tool.Name)
		seen[tool.Name] = true
	}
}

func TestToolCancellation(t *testing.T) {
	srv := server.NewServer("sleepy", "0.1.0", server.WithLogger(logx.NewNop()))
	observed := make(chan struct{})
	require.NoError(t, srv.Tool(protocol.Tool{Name: "sleep", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			select {
			case <-ctx.Done():
				close(observed)
				return nil, protocol.ErrCancelled
			case <-time.After(10 * time.Second):
				return protocol.NewToolResultText("overslept"), nil
			}
		}))
	c := connect(t, srv)

	callCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallTool(callCtx, "sleep", nil, client.WithProgress("t", func(protocol.ProgressParams) {}))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled call did not resolve")
	}
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("handler never observed the cancellation signal")
	}
}

func TestProgressNotifications(t *testing.T) {
	srv := server.NewServer("worker", "0.1.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Tool(protocol.Tool{Name: "work", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			total := 2.0
			ctx.Progress(1, &total, "halfway")
			ctx.Progress(2, &total, "done")
			return protocol.NewToolResultText("done"), nil
		}))
	c := connect(t, srv)

	var mu sync.Mutex
	var got []float64
	_, err := c.CallTool(context.Background(), "work", nil,
		client.WithProgress("job-1", func(p protocol.ProgressParams) {
			mu.Lock()
			got = append(got, p.Progress)
			mu.Unlock()
		}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []float64{1, 2}, got)
	mu.Unlock()
}

func TestListChangedNotification(t *testing.T) {
	srv := newEchoServer(t)
	c := connect(t, srv)

	changed := make(chan struct{}, 4)
	c.OnNotification(protocol.MethodNotifyToolsListChanged, func(*protocol.JSONRPCNotification) {
		changed <- struct{}{}
	})

	tool, handler := server.TypedTool("late", "Registered after connect",
		func(ctx *server.Context, args echoArgs) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText(args.Message), nil
		})
	require.NoError(t, srv.Tool(tool, handler))

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("tools/list_changed never arrived")
	}

	// Unregistering an absent tool emits nothing.
	srv.Unregister(server.KindTool, "never-existed")
	select {
	case <-changed:
		t.Fatal("unexpected list_changed for a no-op unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResourceReadAndTemplate(t *testing.T) {
	srv := server.NewServer("files", "0.1.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Resource(
		protocol.Resource{URI: "file:///readme", Name: "readme", MimeType: "text/plain"},
		func(ctx *server.Context, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
			return []protocol.ResourceContents{protocol.NewTextResourceContents(uri, "text/plain", "hello")}, nil
		}))
	require.NoError(t, srv.ResourceTemplate(
		protocol.ResourceTemplate{URITemplate: "weather://{city}/current", Name: "weather"},
		func(ctx *server.Context, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
			return []protocol.ResourceContents{
				protocol.NewTextResourceContents(uri, "application/json", `{"city":"`+vars["city"]+`"}`),
			}, nil
		}))
	c := connect(t, srv)

	result, err := c.ReadResource(context.Background(), "file:///readme")
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "hello", result.Contents[0].Text)

	result, err = c.ReadResource(context.Background(), "weather://oslo/current")
	require.NoError(t, err)
	assert.Contains(t, result.Contents[0].Text, "oslo")

	templates, err := c.ListResourceTemplates(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, templates.ResourceTemplates, 1)

	_, err = c.ReadResource(context.Background(), "file:///missing")
	require.Error(t, err)
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, protocol.CodeResourceNotFound, mcpErr.Code)
}

func TestResourceSubscription(t *testing.T) {
	srv := server.NewServer("files", "0.1.0", server.WithLogger(logx.NewNop()))
	c := connect(t, srv)

	updated := make(chan string, 2)
	c.OnNotification(protocol.MethodNotifyResourceUpdated, func(note *protocol.JSONRPCNotification) {
		var params protocol.ResourceUpdatedParams
		_ = protocol.UnmarshalPayload(note.Params, &params)
		updated <- params.URI
	})

	require.NoError(t, c.Subscribe(context.Background(), "file:///logs/*"))
	srv.NotifyResourceUpdated("file:///logs/app.log")
	select {
	case uri := <-updated:
		assert.Equal(t, "file:///logs/app.log", uri)
	case <-time.After(time.Second):
		t.Fatal("resource update never arrived")
	}

	// Non-matching URIs stay quiet, as do unsubscribed sessions.
	srv.NotifyResourceUpdated("file:///other/file")
	require.NoError(t, c.Unsubscribe(context.Background(), "file:///logs/*"))
	srv.NotifyResourceUpdated("file:///logs/app.log")
	select {
	case uri := <-updated:
		t.Fatalf("unexpected update for %s", uri)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPromptsAndCompletion(t *testing.T) {
	srv := server.NewServer("prompter", "0.1.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Prompt(
		protocol.Prompt{
			Name:      "greet",
			Arguments: []protocol.PromptArgument{{Name: "name", Required: true}},
		},
		func(ctx *server.Context, args map[string]string) (*protocol.GetPromptResult, error) {
			return &protocol.GetPromptResult{Messages: []protocol.PromptMessage{{
				Role:    "user",
				Content: protocol.NewTextContent("Hello, " + args["name"]),
			}}}, nil
		}))
	require.NoError(t, srv.Completion("greet",
		func(ctx *server.Context, params protocol.CompleteParams) (protocol.Completion, error) {
			return protocol.Completion{Values: []string{"Alice", "Albert"}}, nil
		}))
	c := connect(t, srv)

	prompts, err := c.ListPrompts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, prompts.Prompts, 1)

	result, err := c.GetPrompt(context.Background(), "greet", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada", result.Messages[0].Content.Text)

	// Required argument enforcement.
	_, err = c.GetPrompt(context.Background(), "greet", nil)
	assert.Error(t, err)

	completions, err := c.Complete(context.Background(), protocol.CompleteParams{
		Ref:      protocol.CompleteReference{Type: "ref/prompt", Name: "greet"},
		Argument: protocol.CompleteArgument{Name: "name", Value: "Al"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Albert"}, completions.Completion.Values)
}

func TestReverseSamplingCall(t *testing.T) {
	srv := server.NewServer("sampler", "0.1.0", server.WithLogger(logx.NewNop()))
	samplingErr := make(chan error, 1)
	require.NoError(t, srv.Tool(protocol.Tool{Name: "ask", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			result, err := ctx.CreateMessage(protocol.CreateMessageParams{
				Messages:  []protocol.SamplingMessage{{Role: "user", Content: protocol.NewTextContent("hi")}},
				MaxTokens: 16,
			})
			samplingErr <- err
			if err != nil {
				return nil, err
			}
			return protocol.NewToolResultText(result.Content.Text), nil
		}))

	// With sampling support, the reverse call round-trips.
	c := connect(t, srv, client.WithSamplingHandler(
		func(ctx context.Context, params protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			return &protocol.CreateMessageResult{
				Role:    "assistant",
				Content: protocol.NewTextContent("sampled"),
				Model:   "test-model",
			}, nil
		}))
	result, err := c.CallTool(context.Background(), "ask", nil)
	require.NoError(t, err)
	assert.Equal(t, "sampled", result.Content[0].Text)
	require.NoError(t, <-samplingErr)

	// Without the capability, the call fails locally with MethodNotFound.
	c2 := connect(t, srv)
	_, err = c2.CallTool(context.Background(), "ask", nil)
	require.Error(t, err)
	reverseErr := <-samplingErr
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, reverseErr, &mcpErr)
	assert.Equal(t, protocol.CodeMethodNotFound, mcpErr.Code)
}

func TestReverseRootsList(t *testing.T) {
	srv := server.NewServer("rooty", "0.1.0", server.WithLogger(logx.NewNop()))
	rootsCh := make(chan []protocol.Root, 1)
	require.NoError(t, srv.Tool(protocol.Tool{Name: "scan", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			roots, err := ctx.ListRoots()
			if err != nil {
				return nil, err
			}
			rootsCh <- roots
			return protocol.NewToolResultText("ok"), nil
		}))

	c := connect(t, srv, client.WithRoots(protocol.Root{URI: "file:///workspace", Name: "ws"}))
	_, err := c.CallTool(context.Background(), "scan", nil)
	require.NoError(t, err)
	roots := <-rootsCh
	require.Len(t, roots, 1)
	assert.Equal(t, "file:///workspace", roots[0].URI)
}

func TestTooBusy(t *testing.T) {
	srv := server.NewServer("busy", "0.1.0",
		server.WithLogger(logx.NewNop()),
		server.WithLimits(server.Limits{MaxInFlightPerKind: 1, MaxInFlightTotal: 8}))
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, srv.Tool(protocol.Tool{Name: "slow", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			<-block
			return protocol.NewToolResultText("ok"), nil
		}))
	c := connect(t, srv)

	go func() {
		_, _ = c.CallTool(context.Background(), "slow", nil)
	}()

	// Wait until the first call holds the only slot, then expect TooBusy.
	require.Eventually(t, func() bool {
		_, err := c.CallTool(context.Background(), "slow", nil)
		var mcpErr *protocol.MCPError
		return errors.As(err, &mcpErr) && mcpErr.Code == protocol.CodeTooBusy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandlerErrorMapping(t *testing.T) {
	srv := server.NewServer("errs", "0.1.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Tool(protocol.Tool{Name: "fail", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			return nil, fmt.Errorf("database exploded")
		}))
	c := connect(t, srv)

	_, err := c.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, protocol.CodeHandlerError, mcpErr.Code)
	assert.Contains(t, mcpErr.Message, "database exploded")
}

func TestDuplicateRegistration(t *testing.T) {
	srv := newEchoServer(t)
	tool, handler := server.TypedTool("echo", "Duplicate",
		func(ctx *server.Context, args echoArgs) (*protocol.CallToolResult, error) { return nil, nil })
	err := srv.Tool(tool, handler)
	require.Error(t, err)
	assert.ErrorIs(t, err, server.ErrDuplicateName)

	// Empty names fail at registration, not dispatch.
	err = srv.Tool(protocol.Tool{Name: ""}, handler)
	assert.Error(t, err)
}

func TestToolCallHooks(t *testing.T) {
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	auditHook := func(next hooks.FinalToolHandler) hooks.FinalToolHandler {
		return func(ctx context.Context, args []byte) (*protocol.CallToolResult, error) {
			note("before")
			result, err := next(ctx, args)
			note("after")
			return result, err
		}
	}

	srv := server.NewServer("hooked", "0.1.0",
		server.WithLogger(logx.NewNop()), server.WithToolHooks(auditHook))
	require.NoError(t, srv.Tool(protocol.Tool{Name: "noop", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			note("handler")
			return protocol.NewToolResultText("ok"), nil
		}))
	c := connect(t, srv)

	_, err := c.CallTool(context.Background(), "noop", nil)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"before", "handler", "after"}, order)
	mu.Unlock()
}

func TestReverseElicitation(t *testing.T) {
	srv := server.NewServer("asker", "0.1.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Tool(protocol.Tool{Name: "confirm", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			result, err := ctx.Elicit(protocol.ElicitParams{
				Message:         "proceed?",
				RequestedSchema: []byte(`{"type":"object"}`),
			})
			if err != nil {
				return nil, err
			}
			return protocol.NewToolResultText(result.Action), nil
		}))

	c := connect(t, srv, client.WithElicitationHandler(
		func(ctx context.Context, params protocol.ElicitParams) (*protocol.ElicitResult, error) {
			return &protocol.ElicitResult{Action: "accept", Content: []byte(`{"ok":true}`)}, nil
		}))
	result, err := c.CallTool(context.Background(), "confirm", nil)
	require.NoError(t, err)
	assert.Equal(t, "accept", result.Content[0].Text)

	// Clients without the capability reject the reverse call locally.
	c2 := connect(t, srv)
	_, err = c2.CallTool(context.Background(), "confirm", nil)
	assert.Error(t, err)
}

func TestServerMessageRequestAndResponseHooks(t *testing.T) {
	var mu sync.Mutex
	var frames, responses int

	countFrames := func(ctx context.Context, sess *session.Session, raw []byte) ([]byte, error) {
		mu.Lock()
		frames++
		mu.Unlock()
		return raw, nil
	}
	vetoCalls := func(hookCtx hooks.ServerHookContext, params []byte) error {
		if hookCtx.Method == protocol.MethodCallTool {
			return protocol.NewMCPError(protocol.CodeHandlerError, "calls are vetoed", nil)
		}
		return nil
	}
	countResponses := func(hookCtx hooks.ServerHookContext, resp *protocol.JSONRPCResponse) (*protocol.JSONRPCResponse, error) {
		mu.Lock()
		responses++
		mu.Unlock()
		return resp, nil
	}

	srv := server.NewServer("hooked", "0.1.0",
		server.WithLogger(logx.NewNop()),
		server.WithMessageHooks(countFrames),
		server.WithRequestHooks(vetoCalls),
		server.WithResponseHooks(countResponses))
	require.NoError(t, srv.Tool(protocol.Tool{Name: "noop", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText("ok"), nil
		}))
	c := connect(t, srv)

	// The request hook vetoes tools/call but not ping.
	_, err := c.CallTool(context.Background(), "noop", nil)
	require.Error(t, err)
	var mcpErr *protocol.MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, protocol.CodeHandlerError, mcpErr.Code)
	assert.Contains(t, mcpErr.Message, "vetoed")
	require.NoError(t, c.Ping(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, frames, 3)    // initialize, initialized, call, ping
	assert.GreaterOrEqual(t, responses, 3) // initialize, veto error, ping
}

func TestServerSessionLifecycleHooks(t *testing.T) {
	created := make(chan string, 2)
	destroyed := make(chan string, 2)

	srv := server.NewServer("lifecycle", "0.1.0",
		server.WithLogger(logx.NewNop()),
		server.WithSessionCreateHooks(func(hookCtx hooks.ServerHookContext) error {
			created <- hookCtx.Session.ID()
			return nil
		}),
		server.WithSessionDestroyHooks(func(hookCtx hooks.ServerHookContext) error {
			destroyed <- hookCtx.Session.ID()
			return nil
		}))
	c := connect(t, srv)

	var sessID string
	select {
	case sessID = <-created:
	case <-time.After(time.Second):
		t.Fatal("create hook never ran")
	}

	require.NoError(t, c.Close())
	select {
	case gone := <-destroyed:
		assert.Equal(t, sessID, gone)
	case <-time.After(time.Second):
		t.Fatal("destroy hook never ran")
	}
}

func TestServerSessionCreateHookRejects(t *testing.T) {
	srv := server.NewServer("bouncer", "0.1.0",
		server.WithLogger(logx.NewNop()),
		server.WithSessionCreateHooks(func(hookCtx hooks.ServerHookContext) error {
			return fmt.Errorf("no room")
		}))

	clientTr, serverTr := inmemory.NewPair()
	srv.Serve(context.Background(), serverTr)

	c := client.NewClient(client.WithLogger(logx.NewNop()))
	err := c.Connect(context.Background(), clientTr)
	assert.Error(t, err)
}
