// Package sse provides the streaming HTTP implementation of the MCP
// transport.
//
// The server side keeps one long-lived event-stream response per session,
// framing messages as "event: message" blocks; the client side POSTs each
// outbound frame to the per-session message endpoint announced in the
// initial "endpoint" event.
package sse

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prism-mcp/prism/auth"
	"github.com/prism-mcp/prism/transport"
	"github.com/prism-mcp/prism/types"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// Event types on the stream.
const (
	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

// AcceptFunc receives one transport per connected SSE session.
type AcceptFunc func(t types.Transport)

// Server bridges SSE connections onto per-session transports. Mount
// HandleSSE on the stream path (GET) and HandleMessage on the message path
// (POST).
type Server struct {
	messageURL string
	accept     AcceptFunc
	logger     types.Logger
	validator  auth.TokenValidator
	limiter    *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*serverConn
}

// ServerOption adjusts the SSE server bridge.
type ServerOption func(*Server)

// WithConnectionRate caps how fast new SSE sessions may be established;
// excess connection attempts are answered with 429.
func WithConnectionRate(perSecond float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithValidator gates connections on a bearer token.
func WithValidator(v auth.TokenValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// NewServer creates the SSE bridge. messageURL is the public URL of the
// message endpoint, announced to clients in the endpoint event.
func NewServer(messageURL string, accept AcceptFunc, topts types.TransportOptions, opts ...ServerOption) *Server {
	base := transport.NewBase(topts.Logger)
	s := &Server{
		messageURL: messageURL,
		accept:     accept,
		logger:     base.Logger,
		sessions:   make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// gzipStreamWriter compresses the event stream for clients that negotiated
// gzip via Accept-Encoding. Flush forwards through the compressor so each
// event reaches the client immediately.
type gzipStreamWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (w *gzipStreamWriter) Write(p []byte) (int, error) {
	return w.gz.Write(p)
}

func (w *gzipStreamWriter) Flush() {
	if err := w.gz.Flush(); err != nil {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]), "gzip") {
			return true
		}
	}
	return false
}

// HandleSSE returns the GET handler that upgrades to an event stream.
func (s *Server) HandleSSE() http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}

		// Negotiate stream compression before the upgrade writes headers.
		if acceptsGzip(r) {
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")
			w = &gzipStreamWriter{ResponseWriter: w, gz: gz}
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade SSE session: %v", err)
			http.Error(w, "upgrade failed", http.StatusInternalServerError)
			return
		}

		sessID := uuid.NewString()
		endpoint := s.messageURL + "?sessionID=" + sessID
		msg := &sse.Message{Type: sse.Type(eventEndpoint)}
		msg.AppendData(endpoint)
		if err := sess.Send(msg); err != nil {
			s.logger.Error("failed to write endpoint event: %v", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event: %v", err)
			return
		}

		conn := newServerConn(sessID, sess, s.logger)
		s.mu.Lock()
		s.sessions[sessID] = conn
		s.mu.Unlock()
		s.accept(conn)

		// Drain the outbound queue onto the stream until the client leaves.
		conn.writeLoop(r.Context())

		s.mu.Lock()
		delete(s.sessions, sessID)
		s.mu.Unlock()
		_ = conn.Close()
	})
	return auth.Middleware(s.validator, inner)
}

// HandleMessage returns the POST handler for client-to-server frames.
func (s *Server) HandleMessage() http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sessID := r.URL.Query().Get("sessionID")
		s.mu.Lock()
		conn, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn.deliver(body)
		w.WriteHeader(http.StatusAccepted)
	})
	return auth.Middleware(s.validator, inner)
}

// Shutdown closes every active SSE session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.sessions))
	for _, conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.sessions = make(map[string]*serverConn)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// serverConn is the server end of one SSE session.
type serverConn struct {
	transport.Base
	id      string
	sess    *sse.Session
	queue   *transport.SendQueue
	inbound chan []byte
	done    chan struct{}
}

func newServerConn(id string, sess *sse.Session, logger types.Logger) *serverConn {
	return &serverConn{
		Base:    transport.NewBase(logger),
		id:      id,
		sess:    sess,
		queue:   transport.NewSendQueue(0, 0),
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (c *serverConn) writeLoop(ctx context.Context) {
	for {
		data, err := c.queue.Next(ctx)
		if err != nil {
			return
		}
		msg := &sse.Message{Type: sse.Type(eventMessage)}
		msg.AppendData(string(data))
		if err := c.sess.Send(msg); err != nil {
			c.Logger.Debug("sse write failed: %v", err)
			return
		}
		if err := c.sess.Flush(); err != nil {
			c.Logger.Debug("sse flush failed: %v", err)
			return
		}
	}
}

func (c *serverConn) deliver(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.done:
	}
}

func (c *serverConn) Send(data []byte) error {
	if c.Closed() {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.queue.Enqueue(buf)
}

func (c *serverConn) Receive() ([]byte, error) {
	return c.ReceiveWithContext(context.Background())
}

func (c *serverConn) ReceiveWithContext(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *serverConn) Close() error {
	if c.MarkClosed() {
		c.queue.Close()
		close(c.done)
	}
	return nil
}

var _ types.Transport = (*serverConn)(nil)
