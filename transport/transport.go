// Package transport provides the transport layer implementations for the MCP protocol.
//
// This package contains shared transport machinery; the concrete transports
// live in subpackages (stdio, http, sse, ws, mqtt, nats, inmemory). Each
// implementation preserves per-direction ordering; ordering between the two
// directions is unspecified.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/types"
)

// ErrClosed is returned by operations on a closed transport or queue.
var ErrClosed = errors.New("transport is closed")

// ErrBusy is reported when the outbound queue is above its high-water mark
// and the caller asked for a non-blocking enqueue.
var ErrBusy = errors.New("transport outbound queue is busy")

// Watermarks for the outbound queue. Producers suspend above the high-water
// mark and resume once the queue drains below half of it.
const (
	DefaultHighWaterBytes    = 1 << 20 // 1 MiB
	DefaultHighWaterMessages = 1024
)

// SendQueue is the bounded outbound queue shared by the transports. Enqueue
// blocks while the queue is above the high-water mark; the transport's writer
// loop drains it with Next. Messages leave in the order they were enqueued.
type SendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notBusy  *sync.Cond

	items      [][]byte
	bytes      int
	maxBytes   int
	maxItems   int
	suspended  bool
	closed     bool
}

// NewSendQueue creates a queue with the given watermarks; zero selects the
// defaults.
func NewSendQueue(maxBytes, maxItems int) *SendQueue {
	if maxBytes <= 0 {
		maxBytes = DefaultHighWaterBytes
	}
	if maxItems <= 0 {
		maxItems = DefaultHighWaterMessages
	}
	q := &SendQueue{maxBytes: maxBytes, maxItems: maxItems}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notBusy = sync.NewCond(&q.mu)
	return q
}

func (q *SendQueue) overHighWater() bool {
	return q.bytes >= q.maxBytes || len(q.items) >= q.maxItems
}

func (q *SendQueue) underLowWater() bool {
	return q.bytes < q.maxBytes/2 && len(q.items) < q.maxItems/2
}

// Enqueue appends data, blocking while the queue is engaged in backpressure.
// Returns ErrClosed after Close.
func (q *SendQueue) Enqueue(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.suspended || q.overHighWater()) {
		q.suspended = true
		q.notBusy.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, data)
	q.bytes += len(data)
	q.notEmpty.Signal()
	return nil
}

// TryEnqueue appends data without blocking, returning ErrBusy above the
// high-water mark.
func (q *SendQueue) TryEnqueue(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.suspended || q.overHighWater() {
		q.suspended = true
		return ErrBusy
	}
	q.items = append(q.items, data)
	q.bytes += len(data)
	q.notEmpty.Signal()
	return nil
}

// Next removes and returns the oldest message, blocking until one is
// available, the context ends, or the queue closes.
func (q *SendQueue) Next(ctx context.Context) ([]byte, error) {
	// Wake the waiter when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(q.items) == 0 && q.closed {
		return nil, ErrClosed
	}
	data := q.items[0]
	q.items = q.items[1:]
	q.bytes -= len(data)
	if q.suspended && q.underLowWater() {
		q.suspended = false
		q.notBusy.Broadcast()
	}
	return data, nil
}

// Len reports the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Suspended reports whether producers are currently blocked on backpressure.
func (q *SendQueue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// Close releases all waiters. Queued messages already accepted remain
// drainable via Next.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notBusy.Broadcast()
}

// Base carries the state every transport implementation shares.
type Base struct {
	Logger types.Logger

	closeMu sync.Mutex
	closed  bool
}

// NewBase initializes shared transport state; a nil logger selects the
// default stderr logger.
func NewBase(logger types.Logger) Base {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return Base{Logger: logger}
}

// MarkClosed flips the closed flag, reporting whether this call closed it.
func (b *Base) MarkClosed() bool {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

// Closed reports whether the transport has been closed.
func (b *Base) Closed() bool {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	return b.closed
}
