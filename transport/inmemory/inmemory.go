// Package inmemory provides a channel-backed Transport pair for tests and
// same-process wiring. The two ends are symmetric: what one Sends, the other
// Receives, in order.
package inmemory

import (
	"context"
	"sync"

	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// Transport is one end of an in-memory duplex channel.
type Transport struct {
	transport.Base
	out      chan []byte
	in       chan []byte
	done     chan struct{}
	doneOnce *sync.Once
}

// NewPair creates two connected transports. Closing either end closes both.
func NewPair() (*Transport, *Transport) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &Transport{Base: transport.NewBase(nil), out: a2b, in: b2a, done: done, doneOnce: once}
	b := &Transport{Base: transport.NewBase(nil), out: b2a, in: a2b, done: done, doneOnce: once}
	return a, b
}

// Send delivers data to the peer end.
func (t *Transport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.out <- buf:
		return nil
	case <-t.done:
		return transport.ErrClosed
	}
}

// Receive blocks for the next message from the peer.
func (t *Transport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext blocks for the next message, honoring ctx.
func (t *Transport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		// Drain anything already delivered before reporting closure.
		select {
		case data := <-t.in:
			return data, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down both ends of the pair.
func (t *Transport) Close() error {
	t.MarkClosed()
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

var _ types.Transport = (*Transport)(nil)
