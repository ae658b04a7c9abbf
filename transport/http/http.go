// Package http provides the plain request/response HTTP implementation of
// the MCP transport.
//
// Each outbound request is a POST with a single JSON body; the HTTP response
// body carries the matching JSON-RPC reply. Notifications are acknowledged
// with 202 Accepted and an empty body. A Mcp-Session-Id header identifies
// the logical session across POSTs. Server-initiated traffic is not possible
// on this transport; use the SSE or WebSocket transports for reverse calls.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prism-mcp/prism/auth"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// SessionHeader carries the logical session id across requests.
const SessionHeader = "Mcp-Session-Id"

// responseTimeout bounds how long the server-side bridge waits for the
// session to produce a response before answering 504.
const responseTimeout = 2 * time.Minute

// ClientTransport implements types.Transport over HTTP POST round trips.
type ClientTransport struct {
	transport.Base
	endpoint string
	client   *http.Client
	token    string

	sessionMu sync.Mutex
	sessionID string

	readCh chan []byte
	done   chan struct{}
}

// NewClientTransport creates an HTTP client transport for the endpoint.
func NewClientTransport(endpoint string, opts types.TransportOptions) *ClientTransport {
	return &ClientTransport{
		Base:     transport.NewBase(opts.Logger),
		endpoint: endpoint,
		client:   &http.Client{Timeout: responseTimeout},
		token:    opts.AuthToken,
		readCh:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// Send POSTs one frame. Reply bodies are queued for Receive so the session's
// correlation loop stays transport-agnostic.
func (t *ClientTransport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}

	req, err := http.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	t.sessionMu.Lock()
	if t.sessionID != "" {
		req.Header.Set(SessionHeader, t.sessionID)
	}
	t.sessionMu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http send failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		t.sessionMu.Lock()
		t.sessionID = sid
		t.sessionMu.Unlock()
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil // notification acknowledged, empty body
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		select {
		case t.readCh <- body:
			return nil
		case <-t.done:
			return transport.ErrClosed
		}
	default:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, t.endpoint)
	}
}

// Receive blocks for the next queued reply body.
func (t *ClientTransport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext blocks for the next reply, honoring ctx.
func (t *ClientTransport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case body := <-t.readCh:
		return body, nil
	case <-t.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the transport down.
func (t *ClientTransport) Close() error {
	if t.MarkClosed() {
		close(t.done)
	}
	return nil
}

var _ types.Transport = (*ClientTransport)(nil)

// AcceptFunc receives the transport for each new logical session.
type AcceptFunc func(t types.Transport)

// Handler bridges HTTP POSTs onto per-session transports. Each distinct
// Mcp-Session-Id (or each first contact) gets its own Transport handed to
// accept.
type Handler struct {
	accept    AcceptFunc
	logger    types.Logger
	validator auth.TokenValidator

	mu       sync.Mutex
	sessions map[string]*bridge
}

// NewHandler creates the server-side HTTP bridge.
func NewHandler(accept AcceptFunc, opts types.TransportOptions, validator auth.TokenValidator) *Handler {
	base := transport.NewBase(opts.Logger)
	return &Handler{
		accept:    accept,
		logger:    base.Logger,
		validator: validator,
		sessions:  make(map[string]*bridge),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth.Middleware(h.validator, http.HandlerFunc(h.serve)).ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sid := r.Header.Get(SessionHeader)
	br, created := h.bridgeFor(sid)
	if created {
		h.accept(br)
	}
	w.Header().Set(SessionHeader, br.id)

	// Notifications get a bare 202; requests wait for the session's reply.
	var probe struct {
		ID *json.RawMessage `json:"id"`
	}
	isRequest := json.Unmarshal(body, &probe) == nil && probe.ID != nil

	if !isRequest {
		br.deliver(body)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	waiter := br.expect(idKey(*probe.ID))
	br.deliver(body)

	select {
	case reply := <-waiter:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	case <-time.After(responseTimeout):
		w.WriteHeader(http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (h *Handler) bridgeFor(sid string) (*bridge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sid != "" {
		if br, ok := h.sessions[sid]; ok {
			return br, false
		}
	}
	br := newBridge(sid)
	if br.id == "" {
		br.id = uuid.NewString()
	}
	h.sessions[br.id] = br
	return br, true
}

// bridge is the server-side Transport for one HTTP session: POST bodies are
// its inbound frames, and response frames are routed back to the waiting
// POST by id. Notifications and server-originated requests have nowhere to
// go on this transport and are dropped with a debug log.
type bridge struct {
	transport.Base
	id string

	inbound chan []byte
	done    chan struct{}

	waitMu  sync.Mutex
	waiters map[string]chan []byte
}

func newBridge(id string) *bridge {
	return &bridge{
		Base:    transport.NewBase(nil),
		id:      id,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
		waiters: make(map[string]chan []byte),
	}
}

func (b *bridge) deliver(frame []byte) {
	select {
	case b.inbound <- frame:
	case <-b.done:
	}
}

func (b *bridge) expect(key string) chan []byte {
	ch := make(chan []byte, 1)
	b.waitMu.Lock()
	b.waiters[key] = ch
	b.waitMu.Unlock()
	return ch
}

func (b *bridge) Send(data []byte) error {
	if b.Closed() {
		return transport.ErrClosed
	}
	var resp protocol.JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID.IsNil() || (resp.Result == nil && resp.Error == nil) {
		b.Logger.Debug("dropping non-response frame on request/response HTTP transport")
		return nil
	}
	raw, _ := json.Marshal(resp.ID)
	key := idKey(raw)
	b.waitMu.Lock()
	ch, ok := b.waiters[key]
	delete(b.waiters, key)
	b.waitMu.Unlock()
	if !ok {
		b.Logger.Debug("no waiter for response id %s", resp.ID)
		return nil
	}
	ch <- data
	return nil
}

func (b *bridge) Receive() ([]byte, error) {
	return b.ReceiveWithContext(context.Background())
}

func (b *bridge) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-b.inbound:
		return frame, nil
	case <-b.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *bridge) Close() error {
	if b.MarkClosed() {
		close(b.done)
	}
	return nil
}

func idKey(raw json.RawMessage) string {
	return string(bytes.TrimSpace(raw))
}

var _ types.Transport = (*bridge)(nil)
