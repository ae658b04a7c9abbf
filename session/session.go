// Package session implements the transport-agnostic MCP session layer: a
// duplex JSON-RPC correlation engine shared by the client and server roles.
//
// A session owns two long-lived tasks (an inbound reader and the transport's
// writer) and spawns one short-lived goroutine per inbound request. Outbound
// requests are correlated by id through a shard-locked pending table; every
// request resolves exactly once, with a response, a timeout, a cancellation,
// or transport loss.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/types"
)

// State is the lifecycle state of a session.
type State int32

// Session lifecycle states.
const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Originator selects which half of the shared id space this session
// allocates from. Client-originated ids are positive, server-originated ids
// are negative, so correlation is unambiguous when both sides issue requests.
type Originator int

// Originator values.
const (
	OriginatorClient Originator = iota
	OriginatorServer
)

// DefaultRequestTimeout bounds outbound requests with no caller deadline.
const DefaultRequestTimeout = 30 * time.Second

// RequestRouter services one inbound request and returns its result (any
// JSON-marshalable value) or an error. The context carries the per-request
// cancellation signal and deadline.
type RequestRouter func(ctx context.Context, req *protocol.JSONRPCRequest) (any, error)

// NotificationRouter services one inbound notification.
type NotificationRouter func(ctx context.Context, note *protocol.JSONRPCNotification)

// Options configures a Session.
type Options struct {
	Logger         types.Logger
	Originator     Originator
	RequestTimeout time.Duration // default DefaultRequestTimeout
	MaxFrameBytes  int           // default protocol.DefaultMaxFrameBytes

	// Router handles inbound requests. A nil router answers MethodNotFound.
	Router RequestRouter

	// Notifications handles inbound notifications the session itself does
	// not consume (cancellation and progress are consumed internally).
	Notifications NotificationRouter

	// OnRawMessage runs on every inbound frame before JSON parsing. It may
	// rewrite the frame; an error drops it with a log.
	OnRawMessage func(raw []byte) ([]byte, error)

	// OnBeforeSendRequest runs before an outbound request is encoded. It
	// may rewrite the request; an error aborts the call.
	OnBeforeSendRequest func(req *protocol.JSONRPCRequest) (*protocol.JSONRPCRequest, error)

	// OnBeforeSendResponse runs before an outbound response is encoded. It
	// may rewrite the response; an error suppresses it with a log.
	OnBeforeSendResponse func(resp *protocol.JSONRPCResponse) (*protocol.JSONRPCResponse, error)
}

// Session is one logical peer connection with its own id space and
// capability negotiation.
type Session struct {
	id        string
	transport types.Transport
	codec     *protocol.Codec
	logger    types.Logger
	opts      Options

	state   atomic.Int32
	nextID  atomic.Int64
	pending *pendingTable

	// inflight tracks inbound requests by id for cancellation and duplicate
	// detection.
	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry

	progress *progressRegistry

	peerMu       sync.RWMutex
	peerVersion  string
	peerInfo     protocol.Implementation
	clientCaps   *protocol.ClientCapabilities
	serverCaps   *protocol.ServerCapabilities
	instructions string

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	wg sync.WaitGroup
}

type inflightEntry struct {
	cancel context.CancelCauseFunc
}

// New constructs a session over the given transport. Start must be called
// before the session exchanges traffic.
func New(t types.Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		transport:  t,
		codec:      protocol.NewCodec(opts.MaxFrameBytes),
		logger:     logger.With("session_id", id),
		opts:       opts,
		pending:    newPendingTable(),
		inflight:   make(map[string]*inflightEntry),
		progress:   newProgressRegistry(),
		readerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateCreated))
	return s
}

// ID returns the session's opaque identifier, used for logging.
func (s *Session) ID() string { return s.id }

// Logger returns the session-scoped logger.
func (s *Session) Logger() types.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// transition moves the state machine forward. Backward transitions are
// rejected so a racing Close always wins.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// BeginInitialize moves Created -> Initializing. The initialize exchange is
// driven by the client or server wrapper that owns this session.
func (s *Session) BeginInitialize() error {
	if !s.transition(StateCreated, StateInitializing) {
		return fmt.Errorf("cannot initialize session in state %s", s.State())
	}
	return nil
}

// MarkReady moves Initializing -> Ready after the initialized notification.
func (s *Session) MarkReady() error {
	if !s.transition(StateInitializing, StateReady) {
		return fmt.Errorf("cannot mark session ready in state %s", s.State())
	}
	s.logger.Debug("session ready")
	return nil
}

// EnsureReady rejects operations before the handshake completes.
func (s *Session) EnsureReady() error {
	if s.State() != StateReady {
		return protocol.ErrServerNotInitialized
	}
	return nil
}

// SetPeer records what the peer declared during the handshake.
func (s *Session) SetPeer(version string, info protocol.Implementation) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.peerVersion = version
	s.peerInfo = info
}

// PeerVersion returns the negotiated protocol version.
func (s *Session) PeerVersion() string {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peerVersion
}

// PeerInfo returns the peer's declared implementation info.
func (s *Session) PeerInfo() protocol.Implementation {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peerInfo
}

// SetClientCapabilities records the client capabilities negotiated for this
// session (set on server-role sessions; gates reverse calls).
func (s *Session) SetClientCapabilities(caps protocol.ClientCapabilities) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.clientCaps = &caps
}

// ClientCapabilities returns the peer's client capabilities, nil before the
// handshake.
func (s *Session) ClientCapabilities() *protocol.ClientCapabilities {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.clientCaps
}

// SetServerCapabilities records the server capabilities (set on client-role
// sessions after initialize).
func (s *Session) SetServerCapabilities(caps protocol.ServerCapabilities, instructions string) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.serverCaps = &caps
	s.instructions = instructions
}

// ServerCapabilities returns the peer's server capabilities, nil before the
// handshake.
func (s *Session) ServerCapabilities() *protocol.ServerCapabilities {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.serverCaps
}

// Instructions returns the server's initialize instructions, if any.
func (s *Session) Instructions() string {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.instructions
}

// Start launches the inbound reader. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx)
	}()
}

// allocateID hands out the next request id. Server-originated ids are
// negative so the two originators never collide in the shared id space.
func (s *Session) allocateID() protocol.RequestID {
	n := s.nextID.Add(1)
	if s.opts.Originator == OriginatorServer {
		n = -n
	}
	return protocol.NewRequestID(n)
}

// Call issues an outbound request and decodes the response result into
// result (which may be nil to discard). It blocks until the request
// resolves: response, error response, timeout, cancellation, or transport
// loss.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	state := s.State()
	if state == StateClosed || state == StateShuttingDown {
		return protocol.ErrTransportReset
	}

	id := s.allocateID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	if s.opts.OnBeforeSendRequest != nil {
		req, err = s.opts.OnBeforeSendRequest(req)
		if err != nil {
			return err
		}
		id = req.ID // correlation follows whatever the hook left in place
	}

	timeout := s.opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p := &pendingRequest{
		id:       id,
		deadline: deadline,
		done:     make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		if s.pending.remove(id) != nil {
			// Courtesy cancel so the peer can stop working.
			s.notifyCancelled(id, "timeout")
		}
		p.resolve(outcome{err: protocol.ErrTimeout})
	})
	s.pending.insert(p)

	frame, err := s.codec.Encode(&protocol.Message{Request: req})
	if err != nil {
		s.pending.remove(id)
		p.resolve(outcome{err: err})
		<-p.done
		return err
	}
	if err := s.transport.Send(frame); err != nil {
		s.pending.remove(id)
		p.resolve(outcome{err: fmt.Errorf("%w: %v", protocol.ErrTransportReset, err)})
		out := <-p.done
		return out.err
	}

	select {
	case <-ctx.Done():
		if s.pending.remove(id) != nil {
			s.notifyCancelled(id, "client cancelled")
		}
		p.resolve(outcome{err: protocol.ErrCancelled})
		out := <-p.done
		if out.err != nil {
			return out.err
		}
		return decodeResult(out.response, result)
	case out := <-p.done:
		if out.err != nil {
			return out.err
		}
		return decodeResult(out.response, result)
	}
}

func decodeResult(resp *protocol.JSONRPCResponse, result any) error {
	if resp.Error != nil {
		return &protocol.MCPError{ErrorPayload: *resp.Error}
	}
	if result == nil {
		return nil
	}
	return protocol.UnmarshalPayload(resp.Result, result)
}

// Notify sends a notification. Notifications preserve the order in which
// they reach the transport's writer.
func (s *Session) Notify(method string, params any) error {
	if s.State() == StateClosed {
		return protocol.ErrTransportReset
	}
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := s.codec.Encode(&protocol.Message{Notification: note})
	if err != nil {
		return err
	}
	return s.transport.Send(frame)
}

// notifyCancelled emits notifications/cancelled for an id, at most once per
// call site. Failures are logged only: cancellation is advisory.
func (s *Session) notifyCancelled(id protocol.RequestID, reason string) {
	err := s.Notify(protocol.MethodNotifyCancelled, protocol.CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		s.logger.Debug("failed to send cancellation for %s: %v", id, err)
	}
}

// readLoop drives the inbound side until the transport fails or the session
// closes.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	for {
		frame, err := s.transport.ReceiveWithContext(ctx)
		if err != nil {
			if s.State() != StateClosed {
				s.logger.Debug("session reader stopped: %v", err)
				_ = s.closeWith(protocol.ErrTransportReset)
			}
			return
		}
		if s.opts.OnRawMessage != nil {
			frame, err = s.opts.OnRawMessage(frame)
			if err != nil {
				s.logger.Warn("dropping frame rejected by message hook: %v", err)
				continue
			}
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.handleDecodeError(err)
			continue
		}
		if msg.IsBatch() {
			// Batches are accepted from the peer; each element is handled
			// independently and answered as a singleton.
			for i := range msg.Batch {
				s.routeMessage(ctx, &msg.Batch[i])
			}
			continue
		}
		s.routeMessage(ctx, msg)
	}
}

func (s *Session) handleDecodeError(err error) {
	var mcpErr *protocol.MCPError
	if !errors.As(err, &mcpErr) {
		mcpErr = protocol.NewMCPError(protocol.CodeParseError, err.Error(), nil)
	}
	s.logger.Warn("dropping malformed frame: %s", mcpErr.Message)
	s.sendResponse(protocol.NewErrorResponse(protocol.RequestID{}, mcpErr.Code, mcpErr.Message, mcpErr.Data))
}

func (s *Session) routeMessage(ctx context.Context, msg *protocol.Message) {
	switch {
	case msg.Response != nil:
		s.handleResponse(msg.Response)
	case msg.Request != nil:
		s.handleRequest(ctx, msg.Request)
	case msg.Notification != nil:
		s.handleNotification(ctx, msg.Notification)
	}
}

func (s *Session) handleResponse(resp *protocol.JSONRPCResponse) {
	p := s.pending.remove(resp.ID)
	if p == nil {
		// Peer answered something we no longer wait for (timeout or cancel
		// race). Logged and dropped.
		s.logger.Debug("dropping response for unknown request id %s", resp.ID)
		return
	}
	p.resolve(outcome{response: resp})
}

func (s *Session) handleRequest(ctx context.Context, req *protocol.JSONRPCRequest) {
	idKey := req.ID.String()

	s.inflightMu.Lock()
	if _, dup := s.inflight[idKey]; dup {
		s.inflightMu.Unlock()
		s.sendErrorResponse(req.ID, protocol.CodeInvalidRequest,
			fmt.Sprintf("duplicate request id %s", req.ID), nil)
		return
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	s.inflight[idKey] = &inflightEntry{cancel: cancel}
	s.inflightMu.Unlock()

	// Gate non-handshake traffic until the session is Ready.
	if req.Method != protocol.MethodInitialize && s.State() != StateReady {
		s.removeInflight(idKey)
		cancel(nil)
		s.sendErrorResponse(req.ID, protocol.CodeServerNotInitialized,
			"server not initialized", nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeInflight(idKey)
		defer cancel(nil)

		router := s.opts.Router
		if router == nil {
			s.sendErrorResponse(req.ID, protocol.CodeMethodNotFound,
				fmt.Sprintf("Method not found: %s", req.Method), nil)
			return
		}
		result, err := router(reqCtx, req)
		if context.Cause(reqCtx) != nil && errors.Is(context.Cause(reqCtx), protocol.ErrCancelled) {
			// The peer cancelled; the handler's result is discarded and no
			// response frame is emitted for this id.
			s.logger.Debug("discarding result of cancelled request %s", req.ID)
			return
		}
		if err != nil {
			var mcpErr *protocol.MCPError
			if errors.As(err, &mcpErr) {
				s.sendErrorResponse(req.ID, mcpErr.Code, mcpErr.Message, mcpErr.Data)
				return
			}
			s.sendErrorResponse(req.ID, protocol.CodeForError(err), err.Error(), nil)
			return
		}
		resp, err := protocol.NewSuccessResponse(req.ID, result)
		if err != nil {
			s.sendErrorResponse(req.ID, protocol.CodeInternalError, err.Error(), nil)
			return
		}
		s.sendResponse(resp)
	}()
}

func (s *Session) removeInflight(idKey string) {
	s.inflightMu.Lock()
	delete(s.inflight, idKey)
	s.inflightMu.Unlock()
}

func (s *Session) handleNotification(ctx context.Context, note *protocol.JSONRPCNotification) {
	switch note.Method {
	case protocol.MethodNotifyCancelled:
		var params protocol.CancelledParams
		if err := protocol.UnmarshalPayload(note.Params, &params); err != nil {
			s.logger.Debug("malformed cancellation: %v", err)
			return
		}
		s.cancelInbound(params.RequestID)
	case protocol.MethodNotifyProgress:
		var params protocol.ProgressParams
		if err := protocol.UnmarshalPayload(note.Params, &params); err != nil {
			s.logger.Debug("malformed progress: %v", err)
			return
		}
		s.progress.dispatch(params)
	default:
		if s.opts.Notifications != nil {
			s.opts.Notifications(ctx, note)
		} else {
			s.logger.Debug("unhandled notification %s", note.Method)
		}
	}
}

// cancelInbound signals the handler for an in-flight inbound request.
// Cancellations for unknown ids are silently dropped: the peer may race a
// completed response.
func (s *Session) cancelInbound(id protocol.RequestID) {
	s.inflightMu.Lock()
	entry, ok := s.inflight[id.String()]
	s.inflightMu.Unlock()
	if !ok {
		return
	}
	entry.cancel(protocol.ErrCancelled)
}

func (s *Session) sendResponse(resp *protocol.JSONRPCResponse) {
	if s.opts.OnBeforeSendResponse != nil {
		rewritten, err := s.opts.OnBeforeSendResponse(resp)
		if err != nil {
			s.logger.Warn("response for %s suppressed by hook: %v", resp.ID, err)
			return
		}
		resp = rewritten
	}
	frame, err := s.codec.Encode(&protocol.Message{Response: resp})
	if err != nil {
		s.logger.Error("failed to encode response for %s: %v", resp.ID, err)
		if resp.Error == nil {
			s.sendErrorResponse(resp.ID, protocol.CodeInternalError, "result serialization failed", nil)
		}
		return
	}
	if err := s.transport.Send(frame); err != nil {
		s.logger.Warn("failed to send response for %s: %v", resp.ID, err)
	}
}

func (s *Session) sendErrorResponse(id protocol.RequestID, code protocol.ErrorCode, message string, data any) {
	s.sendResponse(protocol.NewErrorResponse(id, code, message, data))
}

// SendProgress emits notifications/progress bound to the given token.
func (s *Session) SendProgress(token any, progress float64, total *float64, message string) error {
	return s.Notify(protocol.MethodNotifyProgress, protocol.ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// OnProgress registers a handler for inbound progress notifications carrying
// the given token. The returned func unregisters it.
func (s *Session) OnProgress(token any, fn func(protocol.ProgressParams)) func() {
	return s.progress.register(token, fn)
}

// Shutdown transitions to ShuttingDown, letting in-flight work finish before
// Close.
func (s *Session) Shutdown() {
	s.transition(StateReady, StateShuttingDown)
}

// Close tears the session down: every pending outbound request resolves with
// ErrTransportReset, in-flight inbound handlers are cancelled, and the
// transport closes.
func (s *Session) Close() error {
	return s.closeWith(protocol.ErrTransportReset)
}

func (s *Session) closeWith(cause error) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		for _, p := range s.pending.drain() {
			p.resolve(outcome{err: cause})
		}
		s.inflightMu.Lock()
		for _, entry := range s.inflight {
			entry.cancel(cause)
		}
		s.inflightMu.Unlock()
		s.closeErr = s.transport.Close()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

// Wait blocks until the reader loop has exited.
func (s *Session) Wait() {
	<-s.readerDone
}
