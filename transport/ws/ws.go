// Package ws provides a WebSocket implementation of the MCP transport.
//
// Text frames carry JSON messages. The client side heartbeats with ping/pong
// every 30 seconds and reconnects automatically with exponential backoff and
// full jitter, capped at 30 seconds, within an overall 5 minute budget. After
// a reconnect the session must be re-initialized: the transport surfaces one
// ErrReset from Receive so the owning session fails its pending requests with
// TransportReset.
package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// ErrReset is delivered from Receive exactly once per reconnect so the
// session layer can fail pending requests and re-run the handshake.
var ErrReset = errors.New("websocket transport reset")

// Reconnect and heartbeat tuning.
const (
	HeartbeatInterval      = 30 * time.Second
	BackoffInitial         = 500 * time.Millisecond
	BackoffMax             = 30 * time.Second
	DefaultReconnectBudget = 5 * time.Minute
)

type inbound struct {
	data []byte
	err  error
}

// Transport implements types.Transport over a client WebSocket connection.
type Transport struct {
	transport.Base

	url    string
	opts   types.TransportOptions
	budget time.Duration

	connMu sync.Mutex
	conn   net.Conn

	queue  *transport.SendQueue
	readCh chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts a websocket transport.
type Option func(*Transport)

// WithReconnectBudget bounds the total time spent reconnecting before the
// transport fails terminally.
func WithReconnectBudget(d time.Duration) Option {
	return func(t *Transport) { t.budget = d }
}

// Dial connects to a WebSocket MCP endpoint (ws:// or wss://).
func Dial(ctx context.Context, url string, topts types.TransportOptions, opts ...Option) (*Transport, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		Base:   transport.NewBase(topts.Logger),
		url:    url,
		opts:   topts,
		budget: DefaultReconnectBudget,
		queue:  transport.NewSendQueue(0, 0),
		readCh: make(chan inbound, 64),
		ctx:    runCtx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	t.setConn(conn)

	t.wg.Add(3)
	go t.readLoop()
	go t.writeLoop()
	go t.heartbeatLoop()
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{}
	if t.opts.AuthToken != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + t.opts.AuthToken},
		})
	}
	conn, _, _, err := dialer.Dial(ctx, t.url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) setConn(conn net.Conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
}

func (t *Transport) currentConn() net.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

// Send enqueues a text frame, blocking on backpressure.
func (t *Transport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.queue.Enqueue(buf)
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		data, err := t.queue.Next(t.ctx)
		if err != nil {
			return
		}
		// A failed write is retried with the same frame so outbound order
		// holds; the reader loop drives the reconnect.
		for conn := t.currentConn(); conn != nil; conn = t.currentConn() {
			err := wsutil.WriteClientMessage(conn, ws.OpText, data)
			if err == nil {
				break
			}
			t.Logger.Warn("websocket write failed, retrying: %v", err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			conn := t.currentConn()
			if conn == nil {
				continue
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, nil); err != nil {
				t.Logger.Debug("heartbeat ping failed: %v", err)
			}
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		if t.ctx.Err() != nil {
			return
		}
		conn := t.currentConn()
		if conn == nil {
			if !t.reconnect() {
				return
			}
			continue
		}
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil || op == ws.OpClose {
			if t.ctx.Err() != nil {
				return
			}
			t.Logger.Warn("websocket read failed (%v), reconnecting", err)
			if !t.reconnect() {
				t.deliver(inbound{err: transport.ErrClosed})
				return
			}
			// One reset error per successful reconnect: the session fails
			// its pending requests and the owner re-initializes.
			t.deliver(inbound{err: ErrReset})
			continue
		}
		if op == ws.OpText || op == ws.OpBinary {
			t.deliver(inbound{data: msg})
		}
	}
}

func (t *Transport) deliver(in inbound) {
	select {
	case t.readCh <- in:
	case <-t.ctx.Done():
	}
}

// reconnect dials with exponential backoff and full jitter until it succeeds
// or the budget is exhausted. Returns false on terminal failure.
func (t *Transport) reconnect() bool {
	deadline := time.Now().Add(t.budget)
	backoff := BackoffInitial
	for attempt := 1; ; attempt++ {
		if t.ctx.Err() != nil {
			return false
		}
		if time.Now().After(deadline) {
			t.Logger.Error("websocket reconnect budget exhausted after %d attempts", attempt-1)
			return false
		}
		dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		conn, err := t.dial(dialCtx)
		cancel()
		if err == nil {
			t.setConn(conn)
			t.Logger.Info("websocket reconnected after %d attempts", attempt)
			return true
		}

		// Full jitter: sleep a uniform random slice of the current backoff.
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		t.Logger.Debug("websocket reconnect attempt %d failed (%v), retrying in %s", attempt, err, sleep)
		select {
		case <-time.After(sleep):
		case <-t.ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > BackoffMax {
			backoff = BackoffMax
		}
	}
}

// Receive blocks for the next inbound text frame.
func (t *Transport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext blocks for the next inbound frame, honoring ctx.
func (t *Transport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case in := <-t.readCh:
		return in.data, in.err
	case <-t.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection and all loops.
func (t *Transport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	t.cancel()
	t.queue.Close()
	var err error
	t.connMu.Lock()
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
	t.wg.Wait()
	return err
}

var _ types.Transport = (*Transport)(nil)
