package ws

import (
	"context"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prism-mcp/prism/auth"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// AcceptFunc receives one transport per accepted WebSocket connection,
// typically handing it to server.Serve.
type AcceptFunc func(t types.Transport)

// NewHandler returns an http.Handler that upgrades requests to WebSocket and
// hands each connection to accept as a Transport. A non-nil validator gates
// the upgrade on a bearer token.
func NewHandler(accept AcceptFunc, topts types.TransportOptions, validator auth.TokenValidator) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		t := newServerConn(conn, topts)
		accept(t)
	})
	return auth.Middleware(validator, inner)
}

// serverConn is the server side of one accepted WebSocket connection.
type serverConn struct {
	transport.Base
	conn   net.Conn
	queue  *transport.SendQueue
	readCh chan inbound
	ctx    context.Context
	cancel context.CancelFunc
}

func newServerConn(conn net.Conn, topts types.TransportOptions) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	t := &serverConn{
		Base:   transport.NewBase(topts.Logger),
		conn:   conn,
		queue:  transport.NewSendQueue(0, 0),
		readCh: make(chan inbound, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *serverConn) readLoop() {
	defer func() { _ = t.Close() }()
	for {
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil || op == ws.OpClose {
			select {
			case t.readCh <- inbound{err: transport.ErrClosed}:
			case <-t.ctx.Done():
			}
			return
		}
		switch op {
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(t.conn, ws.OpPong, msg)
		case ws.OpText, ws.OpBinary:
			select {
			case t.readCh <- inbound{data: msg}:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *serverConn) writeLoop() {
	for {
		data, err := t.queue.Next(t.ctx)
		if err != nil {
			return
		}
		if err := wsutil.WriteServerMessage(t.conn, ws.OpText, data); err != nil {
			t.Logger.Debug("websocket server write failed: %v", err)
			_ = t.Close()
			return
		}
	}
}

func (t *serverConn) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.queue.Enqueue(buf)
}

func (t *serverConn) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

func (t *serverConn) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case in := <-t.readCh:
		return in.data, in.err
	case <-t.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *serverConn) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	t.cancel()
	t.queue.Close()
	return t.conn.Close()
}

var _ types.Transport = (*serverConn)(nil)
