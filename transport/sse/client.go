package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
	"github.com/tmaxmax/go-sse"
)

// ClientTransport implements types.Transport over an SSE stream plus
// per-message POSTs. Compressed streams (gzip) are handled transparently by
// net/http's content negotiation.
type ClientTransport struct {
	transport.Base
	httpClient *http.Client
	token      string
	maxFrame   int

	endpointMu sync.Mutex
	messageURL string
	endpointCh chan error

	inbound chan []byte
	done    chan struct{}
	cancel  context.CancelFunc
}

// Dial connects to an SSE MCP endpoint and waits for the server to announce
// the message endpoint.
func Dial(ctx context.Context, connectURL string, opts types.TransportOptions) (*ClientTransport, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		Base:       transport.NewBase(opts.Logger),
		httpClient: http.DefaultClient,
		token:      opts.AuthToken,
		maxFrame:   opts.MaxFrameBytes,
		endpointCh: make(chan error, 1),
		inbound:    make(chan []byte, 64),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	if t.maxFrame <= 0 {
		t.maxFrame = protocol.DefaultMaxFrameBytes
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, connectURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, connectURL)
	}

	go t.readLoop(resp.Body)

	// The handshake completes when the endpoint event arrives.
	select {
	case err := <-t.endpointCh:
		if err != nil {
			_ = t.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}
	return t, nil
}

func (t *ClientTransport) readLoop(body io.ReadCloser) {
	defer body.Close()

	config := &sse.ReadConfig{MaxEventSize: t.maxFrame}
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Logger.Debug("sse read ended: %v", err)
			}
			break
		}
		switch ev.Type {
		case eventEndpoint:
			u, parseErr := url.Parse(ev.Data)
			if parseErr != nil || u.String() == "" {
				t.endpointCh <- fmt.Errorf("invalid endpoint URL %q", ev.Data)
				return
			}
			t.endpointMu.Lock()
			t.messageURL = u.String()
			t.endpointMu.Unlock()
			t.endpointCh <- nil
		case eventMessage:
			select {
			case t.inbound <- []byte(ev.Data):
			case <-t.done:
				return
			}
		default:
			t.Logger.Debug("unhandled SSE event type %q", ev.Type)
		}
	}
	_ = t.Close()
}

// Send POSTs one frame to the announced message endpoint.
func (t *ClientTransport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	t.endpointMu.Lock()
	endpoint := t.messageURL
	t.endpointMu.Unlock()
	if endpoint == "" {
		return fmt.Errorf("no message endpoint announced yet")
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sse send failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code %d posting message", resp.StatusCode)
	}
	return nil
}

// Receive blocks for the next message event from the stream.
func (t *ClientTransport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext blocks for the next message, honoring ctx.
func (t *ClientTransport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the stream.
func (t *ClientTransport) Close() error {
	if t.MarkClosed() {
		t.cancel()
		close(t.done)
	}
	return nil
}

var _ types.Transport = (*ClientTransport)(nil)
