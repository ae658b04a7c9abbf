package sse

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prism-mcp/prism/client"
	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/server"
	"github.com/prism-mcp/prism/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSSEServer(t *testing.T, srv *server.Server, opts ...ServerOption) (*httptest.Server, *Server) {
	t.Helper()
	mux := http.NewServeMux()
	ts := httptest.NewUnstartedServer(mux)
	ts.Start()

	bridge := NewServer(ts.URL+"/message", func(tr types.Transport) {
		srv.Serve(context.Background(), tr)
	}, types.TransportOptions{Logger: logx.NewNop()}, opts...)
	mux.Handle("/sse", bridge.HandleSSE())
	mux.Handle("/message", bridge.HandleMessage())

	t.Cleanup(func() {
		bridge.Shutdown()
		ts.Close()
	})
	return ts, bridge
}

func TestStreamingRoundTrip(t *testing.T) {
	srv := server.NewServer("sse-server", "1.0.0", server.WithLogger(logx.NewNop()))
	require.NoError(t, srv.Tool(
		protocol.Tool{Name: "greet", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText("hello over sse"), nil
		}))
	ts, _ := startSSEServer(t, srv)

	tr, err := Dial(context.Background(), ts.URL+"/sse", types.TransportOptions{Logger: logx.NewNop()})
	require.NoError(t, err)

	c := client.NewClient(client.WithLogger(logx.NewNop()))
	require.NoError(t, c.Connect(context.Background(), tr))
	defer c.Close()

	result, err := c.CallTool(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello over sse", result.Content[0].Text)
}

func TestServerPushNotifications(t *testing.T) {
	srv := server.NewServer("sse-server", "1.0.0", server.WithLogger(logx.NewNop()))
	ts, _ := startSSEServer(t, srv)

	tr, err := Dial(context.Background(), ts.URL+"/sse", types.TransportOptions{Logger: logx.NewNop()})
	require.NoError(t, err)
	c := client.NewClient(client.WithLogger(logx.NewNop()))
	require.NoError(t, c.Connect(context.Background(), tr))
	defer c.Close()

	// A registry mutation reaches the client over the stream without any
	// client poll.
	changed := make(chan struct{}, 1)
	c.OnNotification(protocol.MethodNotifyToolsListChanged, func(*protocol.JSONRPCNotification) {
		changed <- struct{}{}
	})
	require.NoError(t, srv.Tool(
		protocol.Tool{Name: "late", InputSchema: protocol.ToolInputSchema{Type: "object"}},
		func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText("ok"), nil
		}))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("list_changed never pushed over the stream")
	}
}

func TestConnectionRateLimit(t *testing.T) {
	srv := server.NewServer("sse-server", "1.0.0", server.WithLogger(logx.NewNop()))
	ts, _ := startSSEServer(t, srv, WithConnectionRate(0.0001, 1))

	// First connection takes the burst token; the second is refused.
	_, err := Dial(context.Background(), ts.URL+"/sse", types.TransportOptions{Logger: logx.NewNop()})
	require.NoError(t, err)

	_, err = Dial(context.Background(), ts.URL+"/sse", types.TransportOptions{Logger: logx.NewNop()})
	assert.Error(t, err)
}

func TestUnknownSessionPost(t *testing.T) {
	srv := server.NewServer("sse-server", "1.0.0", server.WithLogger(logx.NewNop()))
	ts, _ := startSSEServer(t, srv)

	resp, err := http.Post(ts.URL+"/message?sessionID=nope", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamGzipNegotiation(t *testing.T) {
	srv := server.NewServer("sse-server", "1.0.0", server.WithLogger(logx.NewNop()))
	ts, _ := startSSEServer(t, srv)

	// Setting Accept-Encoding explicitly disables net/http's transparent
	// decompression, so the raw compressed stream is observable.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := gz.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("failed to read compressed stream: %v", err)
	}
	assert.Contains(t, string(buf[:n]), "event: endpoint")

	// Clients that do not accept gzip get a plain stream.
	req, err = http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "identity")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Content-Encoding"))
}
