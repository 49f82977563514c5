// Package server implements the worker-side dispatcher: it reads Calls from the
// host channel, routes them by pattern and writes the Responses back.
//
// Request processing pipeline:
//
//	Serve(conn) → read loop (single goroutine reads frames)
//	  → for each Call: go handleCall (parallel processing)
//	    → Parse/Validate → Middleware Chain → route (pattern map) → write Response
//
// Responses may leave in a different order than their Calls arrived; the host
// correlates them by id.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comic-rpc/codec"
	"comic-rpc/logging"
	"comic-rpc/message"
	"comic-rpc/middleware"
	"comic-rpc/protocol"
	"comic-rpc/transport"
)

var (
	// ErrNoChannel is returned by Listen when the process was started without a host channel.
	ErrNoChannel = transport.ErrNoChannel
	// ErrAlreadyListening is returned when Serve or Listen is called on a listening server.
	ErrAlreadyListening = errors.New("server: already listening")
	// ErrServerClosed is returned after Close or Shutdown.
	ErrServerClosed = errors.New("server: closed")
	// ErrNotListening is returned by Emit before the server is attached to a channel.
	ErrNotListening = errors.New("server: not listening")
)

// State is the lifecycle stage of a Server.
type State int

const (
	StateIdle State = iota
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	default:
		return "closed"
	}
}

// Server dispatches Calls arriving on one host channel.
type Server struct {
	mu          sync.Mutex
	state       State
	conn        *transport.Conn
	handlers    map[string]Handler
	controls    map[string]ControlHandler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(route)))
	wg          sync.WaitGroup         // in-flight calls, for graceful shutdown

	logger    *zap.Logger
	strictIDs bool
	connOpts  []transport.Option
	heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logging.OrNop(l)
	}
}

// WithStrictIDs requires every call id to be a UUID.
func WithStrictIDs() Option {
	return func(s *Server) {
		s.strictIDs = true
	}
}

// WithConnOptions sets the codec and compression used by Listen for outgoing frames.
func WithConnOptions(opts ...transport.Option) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// WithHeartbeat makes the server send heartbeat frames every interval while listening.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// New creates an idle Server with an empty pattern map.
func New(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		controls: make(map[string]ControlHandler),
		logger:   logging.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for an exact pattern. Handlers must be registered before
// the server starts listening; registering twice replaces the previous handler.
func (s *Server) Handle(pattern string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = h
}

// HandleFunc registers fn for an exact pattern.
func (s *Server) HandleFunc(pattern string, fn func(ctx context.Context, call *message.Call) (any, error)) {
	s.Handle(pattern, HandlerFunc(fn))
}

// HandleControl registers h for control envelopes of the given type.
func (s *Server) HandleControl(typ string, h ControlHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[typ] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// State returns the current lifecycle stage.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen attaches to the host channel advertised in the environment and serves
// it until the host closes the channel, ctx is done or the server is closed.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	nc, err := transport.FromEnv()
	if err != nil {
		return err
	}
	return s.Serve(ctx, transport.NewConn(nc, s.connOpts...))
}

// Serve dispatches Calls read from conn. It blocks until conn reaches end of
// stream, ctx is done or the server is closed, and returns nil in those cases.
func (s *Server) Serve(ctx context.Context, conn *transport.Conn) error {
	s.mu.Lock()
	switch s.state {
	case StateListening:
		s.mu.Unlock()
		return ErrAlreadyListening
	case StateClosed:
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.state = StateListening
	s.conn = conn
	// Build the middleware chain once at startup (not per call). Recovery sits
	// innermost so a panic is reported to every outer middleware as a failure.
	s.handler = middleware.Chain(s.middlewares...)(middleware.RecoverMiddleware(s.logger)(s.route))
	s.mu.Unlock()

	s.logger.Info("listening", zap.Int("patterns", len(s.handlers)))
	conn.StartHeartbeat(s.heartbeat)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		frame, err := conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || s.State() == StateClosed {
				s.markClosed()
				return nil
			}
			s.markClosed()
			_ = conn.Close()
			return fmt.Errorf("server: read: %w", err)
		}

		switch frame.Kind() {
		case protocol.KindHeartbeat:
			continue
		case protocol.KindCall:
			if !s.track() {
				continue
			}
			go s.handleCall(ctx, conn, frame)
		case protocol.KindControl:
			if !s.track() {
				continue
			}
			go s.handleControl(ctx, conn, frame)
		default:
			s.logger.Debug("ignoring frame", zap.Stringer("kind", frame.Kind()))
		}
	}
}

// track registers an in-flight message unless the server is closing.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) checkIdle() error {
	switch s.State() {
	case StateListening:
		return ErrAlreadyListening
	case StateClosed:
		return ErrServerClosed
	}
	return nil
}

func (s *Server) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// handleCall processes a single Call: decode → middleware → route → write Response.
func (s *Server) handleCall(ctx context.Context, conn *transport.Conn, frame *transport.Frame) {
	defer s.wg.Done()

	call, err := s.decodeCall(frame)
	if err != nil {
		id := message.UnknownID
		var verr *message.ValidationError
		if errors.As(err, &verr) {
			id = verr.ID
		}
		s.logger.Warn("rejecting malformed call", zap.String("id", id), zap.Error(err))
		s.reply(conn, message.Failure(id, err))
		return
	}

	resp := s.handler(ctx, call)
	if call.Event() {
		if resp != nil && resp.Failed() {
			s.logger.Warn("event handler failed",
				zap.String("pattern", call.Pattern),
				zap.String("id", call.ID),
				zap.ByteString("err", resp.Err))
		}
		return
	}
	if resp == nil {
		resp = &message.Response{ID: call.ID}
	}
	s.reply(conn, resp)
}

// decodeCall validates a Call frame. JSON bodies go through message.Parse so
// every field is checked before it is typed.
func (s *Server) decodeCall(frame *transport.Frame) (*message.Call, error) {
	var call *message.Call
	if codec.CodecType(frame.Header.CodecType) == codec.CodecTypeJSON {
		parsed, err := message.Parse(frame.Body)
		if err != nil {
			return nil, err
		}
		call = parsed
	} else {
		call = new(message.Call)
		if err := frame.Decode(call); err != nil {
			return nil, &message.ValidationError{ID: message.UnknownID, Field: "message", Reason: "cannot be decoded"}
		}
		if err := call.Validate(); err != nil {
			return nil, err
		}
	}
	if s.strictIDs {
		if err := message.ValidateStrictID(call.ID); err != nil {
			return nil, &message.ValidationError{ID: call.ID, Field: "id", Reason: err.Error()}
		}
	}
	return call, nil
}

// route is the innermost handler: it looks the pattern up and invokes the handler.
func (s *Server) route(ctx context.Context, call *message.Call) *message.Response {
	h, ok := s.handlers[call.Pattern]
	if !ok {
		return message.NoHandler(call.ID)
	}
	v, err := h.ServeCall(ctx, call)
	if err != nil {
		return message.Failure(call.ID, err)
	}
	if call.Event() {
		return nil
	}
	resp, err := message.Result(call.ID, v)
	if err != nil {
		return message.Failure(call.ID, err)
	}
	return resp
}

func (s *Server) reply(conn *transport.Conn, resp *message.Response) {
	if err := conn.Write(protocol.KindResponse, resp); err != nil {
		s.logger.Warn("failed to write response", zap.String("id", resp.ID), zap.Error(err))
	}
}

func (s *Server) handleControl(ctx context.Context, conn *transport.Conn, frame *transport.Frame) {
	defer s.wg.Done()

	var ctl message.Control
	if err := frame.Decode(&ctl); err != nil {
		s.logger.Warn("dropping malformed control message", zap.Error(err))
		return
	}
	h, ok := s.controls[ctl.Type]
	if !ok {
		s.logger.Warn("no control handler", zap.String("type", ctl.Type))
		return
	}
	reply, err := h(ctx, &ctl)
	if err != nil {
		s.logger.Error("control handler failed", zap.String("type", ctl.Type), zap.Error(err))
		return
	}
	if reply == nil {
		return
	}
	if err := conn.Write(protocol.KindControl, reply); err != nil {
		s.logger.Warn("failed to write control reply", zap.String("type", reply.Type), zap.Error(err))
	}
}

// Emit sends a fire-and-forget event to the host.
func (s *Server) Emit(pattern string, data any) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	switch state {
	case StateIdle:
		return ErrNotListening
	case StateClosed:
		return ErrServerClosed
	}
	event, err := message.NewEvent(uuid.NewString(), pattern, data)
	if err != nil {
		return err
	}
	return conn.Write(protocol.KindCall, event)
}

// Close stops the server immediately: the channel is closed and calls still
// running will fail to write their responses.
func (s *Server) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Shutdown performs graceful shutdown:
//  1. Mark the server closed (frames read from now on are dropped)
//  2. Wait for in-flight calls to write their responses (with timeout)
//  3. Close the channel, which ends the read loop
func (s *Server) Shutdown(timeout time.Duration) error {
	s.markClosed()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing calls to finish")
	}
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}
