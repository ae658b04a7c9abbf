// Package stdio provides a Transport implementation that uses standard input/output.
//
// Messages are newline-delimited JSON. The transport terminates when EOF is
// observed on the read side, which is how CLI hosts signal shutdown.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// Transport implements types.Transport over a reader/writer pair,
// typically os.Stdin and os.Stdout.
type Transport struct {
	transport.Base

	reader   *bufio.Reader
	readMu   sync.Mutex
	queue    *transport.SendQueue
	writer   io.Writer
	maxFrame int

	rawReader io.Reader
	rawWriter io.Writer

	writerCtx    context.Context
	writerCancel context.CancelFunc
	writerDone   chan struct{}
}

// New creates a stdio transport over os.Stdin/os.Stdout.
func New() *Transport {
	return NewWithReadWriter(os.Stdin, os.Stdout, types.TransportOptions{})
}

// NewWithOptions creates a stdio transport over os.Stdin/os.Stdout with options.
func NewWithOptions(opts types.TransportOptions) *Transport {
	return NewWithReadWriter(os.Stdin, os.Stdout, opts)
}

// NewWithReadWriter creates a stdio transport using the provided reader/writer.
// Tests use in-memory pipes here.
func NewWithReadWriter(reader io.Reader, writer io.Writer, opts types.TransportOptions) *Transport {
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		Base:         transport.NewBase(opts.Logger),
		reader:       bufio.NewReaderSize(reader, 64*1024),
		writer:       writer,
		queue:        transport.NewSendQueue(0, 0),
		maxFrame:     maxFrame,
		rawReader:    reader,
		rawWriter:    writer,
		writerCtx:    ctx,
		writerCancel: cancel,
		writerDone:   make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Send enqueues a message for the writer loop. It blocks while the outbound
// queue is above its high-water mark.
func (t *Transport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}
	if len(data) > t.maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds maximum of %d", len(data), t.maxFrame)
	}
	// Copy: the caller may reuse the buffer after Send returns.
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, bytes.TrimRight(data, "\n")...)
	buf = append(buf, '\n')
	return t.queue.Enqueue(buf)
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)
	for {
		data, err := t.queue.Next(t.writerCtx)
		if err != nil {
			return
		}
		if _, err := t.writer.Write(data); err != nil {
			t.Logger.Error("stdio: write failed: %v", err)
			_ = t.Close()
			return
		}
		if f, ok := t.writer.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				t.Logger.Warn("stdio: flush failed: %v", err)
			}
		}
	}
}

// Receive blocks until the next newline-delimited message arrives.
func (t *Transport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext reads the next message, honoring ctx cancellation. The
// blocking read runs in a goroutine so the caller can abandon it; an
// abandoned read closes the transport to avoid losing a frame silently.
func (t *Transport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	if t.Closed() {
		return nil, transport.ErrClosed
	}

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		t.readMu.Lock()
		defer t.readMu.Unlock()
		line, err := t.readLine()
		resultCh <- result{data: line, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.data, res.err
	}
}

func (t *Transport) readLine() ([]byte, error) {
	var line bytes.Buffer
	for {
		chunk, isPrefix, err := readSegment(t.reader)
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				t.Logger.Warn("stdio: EOF with partial line, delivering %d bytes", line.Len())
				return line.Bytes(), nil
			}
			return nil, err
		}
		line.Write(chunk)
		if line.Len() > t.maxFrame {
			// Drain the rest of the oversized line so the stream stays framed.
			for isPrefix {
				_, isPrefix, err = readSegment(t.reader)
				if err != nil {
					break
				}
			}
			return nil, &protocol.MCPError{ErrorPayload: protocol.ErrorPayload{
				Code:    protocol.CodeParseError,
				Message: fmt.Sprintf("frame exceeds maximum of %d bytes", t.maxFrame),
			}}
		}
		if !isPrefix {
			if line.Len() == 0 {
				continue // skip blank lines between frames
			}
			return line.Bytes(), nil
		}
	}
}

func readSegment(r *bufio.Reader) ([]byte, bool, error) {
	chunk, err := r.ReadSlice('\n')
	switch err {
	case nil:
		return bytes.TrimRight(chunk, "\r\n"), false, nil
	case bufio.ErrBufferFull:
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, true, nil
	default:
		return bytes.TrimRight(chunk, "\r\n"), false, err
	}
}

// Close shuts the transport down. Stdio has no reconnect story: transport
// errors here are fatal for the session.
func (t *Transport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	t.queue.Close()
	t.writerCancel()
	<-t.writerDone

	var firstErr error
	if closer, ok := t.rawWriter.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := t.rawReader.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ types.Transport = (*Transport)(nil)
