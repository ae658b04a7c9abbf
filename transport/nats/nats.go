// Package nats provides a NATS implementation of the MCP transport.
//
// One session maps onto a pair of subjects under a configurable prefix:
// <prefix>.<session>.in carries client-to-server frames and
// <prefix>.<session>.out carries server-to-client frames, so per-direction
// ordering follows NATS's per-subject ordering.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
)

// DefaultSubjectPrefix is the default subject prefix for MCP traffic.
const DefaultSubjectPrefix = "mcp"

// DefaultConnectTimeout bounds the initial connection to the NATS server.
const DefaultConnectTimeout = 10 * time.Second

// Role selects which subject the transport reads from.
type Role int

// Transport roles.
const (
	RoleClient Role = iota
	RoleServer
)

// Transport implements types.Transport over a NATS connection.
type Transport struct {
	transport.Base
	conn    *nats.Conn
	ownConn bool
	role    Role

	sendSubject string
	recvSubject string
	sub         *nats.Subscription

	inbound chan []byte
	done    chan struct{}
}

// Option adjusts a NATS transport.
type Option func(*config)

type config struct {
	prefix    string
	sessionID string
	username  string
	password  string
	token     string
	name      string
}

// WithSubjectPrefix overrides the "mcp" subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithSessionID pins the session segment of the subjects; the client
// generates one when unset, and the server must be given the same value.
func WithSessionID(id string) Option {
	return func(c *config) { c.sessionID = id }
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// WithToken sets token authentication.
func WithToken(token string) Option {
	return func(c *config) { c.token = token }
}

// Dial connects to a NATS server and binds the session subjects.
func Dial(serverURL string, role Role, topts types.TransportOptions, opts ...Option) (*Transport, error) {
	cfg := config{prefix: DefaultSubjectPrefix, name: "prism-mcp"}
	for _, opt := range opts {
		opt(&cfg)
	}

	natsOpts := []nats.Option{
		nats.Name(cfg.name),
		nats.Timeout(DefaultConnectTimeout),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if cfg.username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.username, cfg.password))
	} else if cfg.token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.token))
	}

	conn, err := nats.Connect(serverURL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", serverURL, err)
	}
	t, err := FromConn(conn, role, topts, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.ownConn = true
	return t, nil
}

// FromConn binds the session subjects on an existing connection. The caller
// keeps ownership of the connection.
func FromConn(conn *nats.Conn, role Role, topts types.TransportOptions, opts ...Option) (*Transport, error) {
	cfg := config{prefix: DefaultSubjectPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == "" {
		if role == RoleServer {
			return nil, fmt.Errorf("server role requires an explicit session id")
		}
		cfg.sessionID = uuid.NewString()
	}

	t := &Transport{
		Base:    transport.NewBase(topts.Logger),
		conn:    conn,
		role:    role,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	in := fmt.Sprintf("%s.%s.in", cfg.prefix, cfg.sessionID)
	out := fmt.Sprintf("%s.%s.out", cfg.prefix, cfg.sessionID)
	if role == RoleServer {
		t.recvSubject, t.sendSubject = in, out
	} else {
		t.recvSubject, t.sendSubject = out, in
	}

	sub, err := conn.Subscribe(t.recvSubject, func(msg *nats.Msg) {
		frame := make([]byte, len(msg.Data))
		copy(frame, msg.Data)
		select {
		case t.inbound <- frame:
		case <-t.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.recvSubject, err)
	}
	t.sub = sub
	return t, nil
}

// SessionSubjects reports the in/out subjects, useful for handing a session
// id to the server side.
func (t *Transport) SessionSubjects() (recv, send string) {
	return t.recvSubject, t.sendSubject
}

// Send publishes one frame on the session's send subject.
func (t *Transport) Send(data []byte) error {
	if t.Closed() {
		return transport.ErrClosed
	}
	if err := t.conn.Publish(t.sendSubject, data); err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	return nil
}

// Receive blocks for the next frame on the session's receive subject.
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

// Close unsubscribes and, when the transport owns the connection, closes it.
func (t *Transport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	close(t.done)
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.ownConn {
		t.conn.Close()
	}
	return nil
}

var _ types.Transport = (*Transport)(nil)
