package stdio

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prism-mcp/prism/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  chan struct{}
	buf bytes.Buffer
}

func newSyncBuffer() *syncBuffer {
	sb := &syncBuffer{mu: make(chan struct{}, 1)}
	sb.mu <- struct{}{}
	return sb
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	return s.buf.String()
}

func TestSendAppendsNewline(t *testing.T) {
	out := newSyncBuffer()
	tr := NewWithReadWriter(strings.NewReader(""), out, types.TransportOptions{})
	defer tr.Close()

	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	require.Eventually(t, func() bool {
		return strings.HasSuffix(out.String(), "\n")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
}

func TestReceiveReadsLines(t *testing.T) {
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n")
	tr := NewWithReadWriter(in, io.Discard, types.TransportOptions{})
	defer tr.Close()

	first, err := tr.Receive()
	require.NoError(t, err)
	assert.Contains(t, string(first), `"id":1`)

	// The blank line between frames is skipped.
	second, err := tr.Receive()
	require.NoError(t, err)
	assert.Contains(t, string(second), `"id":2`)

	_, err = tr.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReceiveOversizedFrame(t *testing.T) {
	line := `{"pad":"` + strings.Repeat("a", 256) + `"}` + "\n"
	tr := NewWithReadWriter(strings.NewReader(line), io.Discard, types.TransportOptions{MaxFrameBytes: 64})
	defer tr.Close()

	_, err := tr.Receive()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestReceiveWithContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := NewWithReadWriter(pr, io.Discard, types.TransportOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.ReceiveWithContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendAfterClose(t *testing.T) {
	tr := NewWithReadWriter(strings.NewReader(""), io.Discard, types.TransportOptions{})
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Send([]byte("{}")))
}
