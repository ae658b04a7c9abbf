package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prism-mcp/prism/hooks"
	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
	"github.com/prism-mcp/prism/transport/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers initialize with a scripted result over an in-memory
// transport.
func fakeServer(t *testing.T, result protocol.InitializeResult) *inmemory.Transport {
	t.Helper()
	clientTr, serverTr := inmemory.NewPair()
	sess := session.New(serverTr, session.Options{
		Logger:     logx.NewNop(),
		Originator: session.OriginatorServer,
		Router: func(ctx context.Context, req *protocol.JSONRPCRequest) (any, error) {
			switch req.Method {
			case protocol.MethodInitialize:
				return result, nil
			case protocol.MethodPing:
				return protocol.EmptyResult{}, nil
			default:
				return nil, protocol.NewMethodNotFoundError(req.Method)
			}
		},
	})
	// The fake accepts everything after initialize.
	require.NoError(t, sess.BeginInitialize())
	require.NoError(t, sess.MarkReady())
	sess.Start(context.Background())
	t.Cleanup(func() { _ = sess.Close() })
	return clientTr
}

func TestConnectVersionMismatch(t *testing.T) {
	tr := fakeServer(t, protocol.InitializeResult{
		ProtocolVersion: "1999-01-01",
		ServerInfo:      protocol.Implementation{Name: "old", Version: "0.0.1"},
	})

	c := NewClient(WithLogger(logx.NewNop()))
	err := c.Connect(context.Background(), tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrVersionMismatch)

	// The transport was closed on mismatch.
	assert.Error(t, tr.Send([]byte("{}")))
}

func TestConnectSuccess(t *testing.T) {
	tr := fakeServer(t, protocol.InitializeResult{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		ServerInfo:      protocol.Implementation{Name: "fake", Version: "1.0.0"},
		Instructions:    "none",
	})

	c := NewClient(WithLogger(logx.NewNop()), WithClientInfo("test-client", "0.0.1"))
	require.NoError(t, c.Connect(context.Background(), tr))
	defer c.Close()

	assert.Equal(t, "fake", c.ServerInfo().Name)
	assert.Equal(t, "none", c.Instructions())
	assert.Equal(t, session.StateReady, c.Session().State())
	require.NoError(t, c.Ping(context.Background()))
}

func TestCapabilitiesFollowHandlers(t *testing.T) {
	bare := NewClient(WithLogger(logx.NewNop()))
	caps := bare.capabilities()
	assert.Nil(t, caps.Sampling)
	assert.Nil(t, caps.Elicitation)
	assert.Nil(t, caps.Roots)

	full := NewClient(
		WithLogger(logx.NewNop()),
		WithSamplingHandler(func(ctx context.Context, p protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			return nil, nil
		}),
		WithElicitationHandler(func(ctx context.Context, p protocol.ElicitParams) (*protocol.ElicitResult, error) {
			return nil, nil
		}),
		WithRoots(protocol.Root{URI: "file:///w"}),
	)
	caps = full.capabilities()
	assert.NotNil(t, caps.Sampling)
	assert.NotNil(t, caps.Elicitation)
	assert.NotNil(t, caps.Roots)
}

func TestRootsListChangedNotification(t *testing.T) {
	clientTr, serverTr := inmemory.NewPair()
	notified := make(chan string, 4)
	sess := session.New(serverTr, session.Options{
		Logger:     logx.NewNop(),
		Originator: session.OriginatorServer,
		Router: func(ctx context.Context, req *protocol.JSONRPCRequest) (any, error) {
			if req.Method == protocol.MethodInitialize {
				return protocol.InitializeResult{
					ProtocolVersion: protocol.CurrentProtocolVersion,
					ServerInfo:      protocol.Implementation{Name: "fake", Version: "1"},
				}, nil
			}
			return nil, protocol.NewMethodNotFoundError(req.Method)
		},
		Notifications: func(ctx context.Context, note *protocol.JSONRPCNotification) {
			notified <- note.Method
		},
	})
	require.NoError(t, sess.BeginInitialize())
	require.NoError(t, sess.MarkReady())
	sess.Start(context.Background())
	defer sess.Close()

	c := NewClient(WithLogger(logx.NewNop()), WithRoots(protocol.Root{URI: "file:///a"}))
	require.NoError(t, c.Connect(context.Background(), clientTr))
	defer c.Close()

	require.NoError(t, c.AddRoot(protocol.Root{URI: "file:///b"}))
	require.NoError(t, c.RemoveRoot("file:///a"))

	deadline := time.After(time.Second)
	count := 0
	for count < 2 {
		select {
		case method := <-notified:
			if method == protocol.MethodNotifyRootsListChanged {
				count++
			}
		case <-deadline:
			t.Fatalf("saw %d roots/list_changed notifications, want 2", count)
		}
	}
}

func TestClientRequestHook(t *testing.T) {
	tr := fakeServer(t, protocol.InitializeResult{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		ServerInfo:      protocol.Implementation{Name: "fake", Version: "1"},
	})

	var mu sync.Mutex
	var methods []string
	recorder := func(hookCtx hooks.ClientHookContext, req *protocol.JSONRPCRequest) (*protocol.JSONRPCRequest, error) {
		mu.Lock()
		methods = append(methods, hookCtx.Method)
		mu.Unlock()
		return req, nil
	}

	c := NewClient(WithLogger(logx.NewNop()), WithRequestHooks(recorder))
	require.NoError(t, c.Connect(context.Background(), tr))
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{protocol.MethodInitialize, protocol.MethodPing}, methods)
	mu.Unlock()

	// A hook error aborts the call before it reaches the wire.
	tr2 := fakeServer(t, protocol.InitializeResult{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		ServerInfo:      protocol.Implementation{Name: "fake", Version: "1"},
	})
	veto := func(hookCtx hooks.ClientHookContext, req *protocol.JSONRPCRequest) (*protocol.JSONRPCRequest, error) {
		if hookCtx.Method == protocol.MethodPing {
			return nil, fmt.Errorf("pings are banned")
		}
		return req, nil
	}
	c2 := NewClient(WithLogger(logx.NewNop()), WithRequestHooks(veto))
	require.NoError(t, c2.Connect(context.Background(), tr2))
	defer c2.Close()
	err := c2.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned")
}

func TestClientNotificationHook(t *testing.T) {
	clientTr, serverTr := inmemory.NewPair()
	sess := session.New(serverTr, session.Options{
		Logger:     logx.NewNop(),
		Originator: session.OriginatorServer,
		Router: func(ctx context.Context, req *protocol.JSONRPCRequest) (any, error) {
			return protocol.InitializeResult{
				ProtocolVersion: protocol.CurrentProtocolVersion,
				ServerInfo:      protocol.Implementation{Name: "fake", Version: "1"},
			}, nil
		},
	})
	require.NoError(t, sess.BeginInitialize())
	require.NoError(t, sess.MarkReady())
	sess.Start(context.Background())
	defer sess.Close()

	suppress := func(hookCtx hooks.ClientHookContext, params []byte) error {
		if hookCtx.Method == protocol.MethodNotifyToolsListChanged {
			return fmt.Errorf("muted")
		}
		return nil
	}
	c := NewClient(WithLogger(logx.NewNop()), WithNotificationHooks(suppress))
	require.NoError(t, c.Connect(context.Background(), clientTr))
	defer c.Close()

	seen := make(chan string, 4)
	c.OnNotification(protocol.MethodNotifyToolsListChanged, func(note *protocol.JSONRPCNotification) {
		seen <- note.Method
	})
	c.OnNotification(protocol.MethodNotifyPromptsListChanged, func(note *protocol.JSONRPCNotification) {
		seen <- note.Method
	})

	require.NoError(t, sess.Notify(protocol.MethodNotifyToolsListChanged, nil))
	require.NoError(t, sess.Notify(protocol.MethodNotifyPromptsListChanged, nil))

	select {
	case method := <-seen:
		// The muted notification never reaches its listener; the prompts one
		// does.
		assert.Equal(t, protocol.MethodNotifyPromptsListChanged, method)
	case <-time.After(time.Second):
		t.Fatal("unmuted notification never arrived")
	}
	select {
	case method := <-seen:
		t.Fatalf("unexpected second notification %s", method)
	case <-time.After(100 * time.Millisecond):
	}
}
