package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prism-mcp/prism/protocol"
	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	logger.Debug("hidden %d", 1)
	assert.Empty(t, buf.String())

	logger.SetLevel(protocol.LogLevelDebug)
	logger.Debug("visible %d", 2)
	assert.Contains(t, buf.String(), "visible 2")

	buf.Reset()
	logger.SetLevel(protocol.LogLevelError)
	logger.Warn("suppressed")
	logger.Error("kept")
	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	child := logger.With("session_id", "s-1", "method", "tools/call")
	child.Info("dispatching")

	out := buf.String()
	assert.Contains(t, out, "session_id=s-1")
	assert.Contains(t, out, "method=tools/call")

	// Level changes on the parent propagate to With-derived children.
	buf.Reset()
	logger.SetLevel(protocol.LogLevelError)
	child.Info("quiet now")
	assert.Empty(t, buf.String())
}

func TestJSONRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSON(&buf)
	logger.With("plugin", "calc").Info("loaded")

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, `"plugin":"calc"`)
	assert.Contains(t, line, `"time"`)
}
