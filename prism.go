// Package prism provides a Go implementation of the Model Context Protocol
// (MCP) core engine: a bidirectional JSON-RPC 2.0 session layer, a
// capability registry with a validating dispatcher, and a plugin host that
// composes server capabilities at runtime from dynamically loaded libraries.
//
// # Organization
//
//   - github.com/prism-mcp/prism/client: client role (handshake, typed calls, reverse-call handlers)
//   - github.com/prism-mcp/prism/server: server role (registry, dispatcher, subscriptions)
//   - github.com/prism-mcp/prism/session: the transport-agnostic correlation engine
//   - github.com/prism-mcp/prism/plugin: dynamic plugin host (discovery, hot reload, fault isolation)
//   - github.com/prism-mcp/prism/transport: stdio, HTTP, SSE, WebSocket, MQTT, and NATS transports
//   - github.com/prism-mcp/prism/protocol: wire types, codec, and method constants
//   - github.com/prism-mcp/prism/mcp: protocol version negotiation
//
// # Basic usage
//
//	srv := server.NewServer("echo-server", "1.0.0")
//	tool, handler := server.TypedTool("echo", "Echo a message back",
//		func(ctx *server.Context, args struct {
//			Message string `json:"message"`
//		}) (*protocol.CallToolResult, error) {
//			return protocol.NewToolResultText(args.Message), nil
//		})
//	_ = srv.Tool(tool, handler)
//	srv.Serve(ctx, stdio.New())
package prism

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Version is the SDK version.
const Version = "0.1.0"

// Config is the embedding host's configuration surface. It decodes from
// JSON via LoadConfig; unknown keys are rejected so typos fail loudly.
type Config struct {
	Transport string `json:"transport"` // "stdio", "http", "sse", "ws", "mqtt", "nats"
	PluginDir string `json:"plugin_dir"`

	Limits struct {
		MaxFrameBytes       int           `json:"max_frame_bytes"`
		MaxInFlightPerKind  int           `json:"max_in_flight_per_kind"`
		MaxInFlightTotal    int           `json:"max_in_flight_total"`
		RequestTimeout      time.Duration `json:"request_timeout"`
		ReconnectBackoffMax time.Duration `json:"reconnect_backoff_max"`
	} `json:"limits"`

	Logging struct {
		Level string `json:"level"`
	} `json:"logging"`
}

// LoadConfig reads and decodes a JSON config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a JSON config blob.
func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Exit codes for host binaries that embed the core.
const (
	ExitOK              = 0
	ExitConfigError     = 1
	ExitTransportError  = 2
	ExitPluginLoadFatal = 3
)
