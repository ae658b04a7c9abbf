// Package mqtt provides an MQTT implementation of the MCP transport.
//
// One session maps onto a topic pair under a configurable prefix:
// <prefix>/<session>/in for client-to-server frames and
// <prefix>/<session>/out for server-to-client frames, published at QoS 1 so
// per-direction ordering is preserved.
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// DefaultTopicPrefix is the default topic prefix for MCP traffic.
const DefaultTopicPrefix = "mcp"

// DefaultConnectTimeout bounds the initial broker connection.
const DefaultConnectTimeout = 10 * time.Second

// qos 1: at-least-once with broker ordering per topic.
const qos = 1

// Role selects which topic the transport reads from.
type Role int

// Transport roles.
const (
	RoleClient Role = iota
	RoleServer
)

// Transport implements types.Transport over an MQTT broker connection.
type Transport struct {
	transport.Base
	client paho.Client
	role   Role

	sendTopic string
	recvTopic string

	inbound chan []byte
	done    chan struct{}
}

// Option adjusts an MQTT transport.
type Option func(*config)

type config struct {
	prefix    string
	sessionID string
	clientID  string
	username  string
	password  string
}

// WithTopicPrefix overrides the "mcp" topic prefix.
func WithTopicPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithSessionID pins the session segment of the topics.
func WithSessionID(id string) Option {
	return func(c *config) { c.sessionID = id }
}

// WithClientID sets the MQTT client id presented to the broker.
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}

// WithCredentials sets broker authentication.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// Dial connects to an MQTT broker and subscribes to the session's receive
// topic.
func Dial(brokerURL string, role Role, topts types.TransportOptions, opts ...Option) (*Transport, error) {
	cfg := config{prefix: DefaultTopicPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == "" {
		if role == RoleServer {
			return nil, fmt.Errorf("server role requires an explicit session id")
		}
		cfg.sessionID = uuid.NewString()
	}
	if cfg.clientID == "" {
		cfg.clientID = "prism-" + uuid.NewString()[:8]
	}

	t := &Transport{
		Base:    transport.NewBase(topts.Logger),
		role:    role,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	in := fmt.Sprintf("%s/%s/in", cfg.prefix, cfg.sessionID)
	out := fmt.Sprintf("%s/%s/out", cfg.prefix, cfg.sessionID)
	if role == RoleServer {
		t.recvTopic, t.sendTopic = in, out
	} else {
		t.recvTopic, t.sendTopic = out, in
	}

	pahoOpts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(cfg.clientID).
		SetConnectTimeout(DefaultConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	if cfg.username != "" {
		pahoOpts.SetUsername(cfg.username)
		pahoOpts.SetPassword(cfg.password)
	}

	t.client = paho.NewClient(pahoOpts)
	if token := t.client.Connect(); token.WaitTimeout(DefaultConnectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", brokerURL, token.Error())
	}

	token := t.client.Subscribe(t.recvTopic, qos, func(_ paho.Client, msg paho.Message) {
		frame := make([]byte, len(msg.Payload()))
		copy(frame, msg.Payload())
		select {
		case t.inbound <- frame:
		case <-t.done:
		}
	})
	if token.WaitTimeout(DefaultConnectTimeout) && token.Error() != nil {
		t.client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.recvTopic, token.Error())
	}
	return t, nil
}

// Send publishes one frame on the session's send topic.
func (t *Transport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	token := t.client.Publish(t.sendTopic, qos, false, data)
	if token.WaitTimeout(DefaultConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("mqtt publish failed: %w", token.Error())
	}
	return nil
}

// Receive blocks for the next frame on the session's receive topic.
func (t *Transport) Receive() ([]byte, error) {
	return t.ReceiveWithContext(context.Background())
}

// ReceiveWithContext blocks for the next frame, honoring ctx.
func (t *Transport) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and disconnects from the broker.
func (t *Transport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	close(t.done)
	if t.client.IsConnected() {
		t.client.Unsubscribe(t.recvTopic)
		t.client.Disconnect(250)
	}
	return nil
}

var _ types.Transport = (*Transport)(nil)
