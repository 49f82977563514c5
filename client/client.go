// Package client implements the host-side correlator of a worker channel.
//
// Many goroutines may have calls in flight on the same channel. Each call gets a
// fresh id and a pending entry; a background goroutine (recvLoop) reads every
// inbound frame and routes Responses to their waiting caller by id:
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ worker channel ──→ worker dispatcher
//	goroutine-3 ──Emit(...)───┘
//
//	recvLoop:  ←── Response(id=b) → pending[b] → goroutine-2 wakes up
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comic-rpc/codec"
	"comic-rpc/logging"
	"comic-rpc/message"
	"comic-rpc/protocol"
	"comic-rpc/transport"
)

// DefaultCallTimeout bounds a call when no other timeout is configured.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrChannelClosed fails every call pending when the channel closes.
	ErrChannelClosed = errors.New("client: channel closed")
	// ErrCallTimeout fails a call whose Response did not arrive in time.
	ErrCallTimeout = errors.New("client: call timed out")
)

// EventHandler receives an event emitted by the worker.
type EventHandler func(call *message.Call)

// Client correlates the Calls it sends with the Responses read from one channel.
type Client struct {
	conn    *transport.Conn
	logger  *zap.Logger
	timeout time.Duration
	newID   func() string
	cause   func(error) error

	mu       sync.Mutex
	pending  map[string]*Pending                // id → waiting call
	controls map[string][]chan *message.Control // reply type → waiters, oldest first
	events   map[string][]EventHandler
	closed   bool
	closeErr error

	discarded atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout bounds every call. Zero or negative disables the deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger used for correlation diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(l)
	}
}

// WithIDGenerator replaces the UUID generator. Generated ids must be unique
// among the calls outstanding on the channel.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithCloseCause lets the owner of the channel explain why the peer went away.
// fn receives the read error and returns the cause wrapped into ErrChannelClosed.
func WithCloseCause(fn func(error) error) Option {
	return func(c *Client) {
		c.cause = fn
	}
}

// New starts correlating on conn. The Client owns conn from now on.
func New(conn *transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		logger:   logging.Named("client"),
		timeout:  DefaultCallTimeout,
		newID:    uuid.NewString,
		pending:  make(map[string]*Pending),
		controls: make(map[string][]chan *message.Control),
		events:   make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	return c
}

// Send transmits a request/reply Call and returns its pending handle. The
// pending entry is registered before the frame is written so a fast Response
// can never be missed.
func (c *Client) Send(ctx context.Context, pattern string, data any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.newID()
	call, err := message.NewCall(id, pattern, data)
	if err != nil {
		return nil, err
	}

	p := &Pending{ID: id, Pattern: pattern, client: c, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: id %q is already outstanding", id)
	}
	// The timer is armed under c.mu so closeAllPending always sees it.
	if c.timeout > 0 {
		timeout := c.timeout
		p.timer = time.AfterFunc(timeout, func() {
			if c.remove(id) {
				p.complete(nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, pattern, timeout))
			}
		})
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.conn.Write(protocol.KindCall, call); err != nil {
		if c.remove(id) {
			p.stopTimer()
		}
		return nil, c.writeError(err)
	}
	return p, nil
}

// Call sends a request and waits for its Response. When reply is non-nil and
// the worker returned a result, the result is decoded into reply.
func (c *Client) Call(ctx context.Context, pattern string, data, reply any) error {
	p, err := c.Send(ctx, pattern, data)
	if err != nil {
		return err
	}
	raw, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil || !message.Present(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("client: decode %s result: %w", pattern, err)
	}
	return nil
}

// Emit transmits a fire-and-forget event. Nothing is registered and no
// Response is awaited.
func (c *Client) Emit(pattern string, data any) error {
	if err := c.Err(); err != nil {
		return err
	}
	event, err := message.NewEvent(c.newID(), pattern, data)
	if err != nil {
		return err
	}
	if err := c.conn.Write(protocol.KindCall, event); err != nil {
		return c.writeError(err)
	}
	return nil
}

// Control sends a control envelope and waits for the first control message of
// replyType.
func (c *Client) Control(ctx context.Context, ctl *message.Control, replyType string) (*message.Control, error) {
	waiter := make(chan *message.Control, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.controls[replyType] = append(c.controls[replyType], waiter)
	c.mu.Unlock()

	if err := c.conn.Write(protocol.KindControl, ctl); err != nil {
		c.dropWaiter(replyType, waiter)
		return nil, c.writeError(err)
	}

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		c.dropWaiter(replyType, waiter)
		return nil, ctx.Err()
	case <-c.done:
		// A reply delivered just before close still wins.
		select {
		case reply := <-waiter:
			return reply, nil
		default:
			return nil, c.Err()
		}
	}
}

// OnEvent subscribes fn to events of pattern emitted by the worker. Handlers run
// outside the read loop, one goroutine per event.
func (c *Client) OnEvent(pattern string, fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[pattern] = append(c.events[pattern], fn)
}

// Discarded returns how many Responses arrived for ids that were not pending.
func (c *Client) Discarded() int64 {
	return c.discarded.Load()
}

// Outstanding returns the number of pending calls.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the channel is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the close error, or nil while the channel is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the channel and fails every pending call with ErrChannelClosed.
func (c *Client) Close() error {
	c.CloseWithError(nil)
	return nil
}

// CloseWithError closes the channel and fails every pending call with
// ErrChannelClosed wrapping cause.
func (c *Client) CloseWithError(cause error) {
	c.closeOnce.Do(func() {
		err := ErrChannelClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
		}

		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[string]*Pending)
		c.controls = make(map[string][]chan *message.Control)
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)
		c.closeAllPending(pending, err)
	})
}

// closeAllPending notifies every pending caller so they don't block forever.
func (c *Client) closeAllPending(pending map[string]*Pending, err error) {
	if len(pending) > 0 {
		c.logger.Warn("failing pending calls", zap.Int("count", len(pending)), zap.Error(err))
	}
	for _, p := range pending {
		p.stopTimer()
		p.complete(nil, err)
	}
}

// recvLoop is the single reader of the channel. Responses can arrive in any
// order; each one is routed to the caller registered under its id.
func (c *Client) recvLoop() {
	for {
		frame, err := c.conn.Read()
		if err != nil {
			if c.cause != nil && !c.conn.Closed() {
				err = c.cause(err)
			}
			c.CloseWithError(err)
			return
		}

		switch frame.Kind() {
		case protocol.KindResponse:
			var resp message.Response
			if err := frame.Decode(&resp); err != nil {
				c.discarded.Add(1)
				c.logger.Warn("discarding undecodable response", zap.Error(err))
				continue
			}
			c.resolve(&resp)
		case protocol.KindCall:
			c.handleInbound(frame)
		case protocol.KindControl:
			var ctl message.Control
			if err := frame.Decode(&ctl); err != nil {
				c.logger.Warn("discarding undecodable control message", zap.Error(err))
				continue
			}
			c.deliverControl(&ctl)
		case protocol.KindHeartbeat:
		}
	}
}

func (c *Client) resolve(resp *message.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if !ok {
		c.discarded.Add(1)
		c.logger.Debug("discarding response for unknown id", zap.String("id", resp.ID))
		return
	}
	p.stopTimer()
	if resp.Failed() {
		p.complete(resp, &RemoteError{ID: resp.ID, Pattern: p.Pattern, Raw: resp.Err})
		return
	}
	p.complete(resp, nil)
}

// handleInbound serves Calls sent by the worker. Events go to OnEvent
// subscribers; requests are answered with NO_MESSAGE_HANDLER since the host
// registers no patterns.
func (c *Client) handleInbound(frame *transport.Frame) {
	var call *message.Call
	var err error
	if codec.CodecType(frame.Header.CodecType) == codec.CodecTypeJSON {
		call, err = message.Parse(frame.Body)
	} else {
		call = new(message.Call)
		if err = frame.Decode(call); err == nil {
			err = call.Validate()
		}
	}
	if err != nil {
		c.logger.Warn("dropping malformed call from worker", zap.Error(err))
		return
	}

	if !call.Event() {
		go func() {
			if err := c.conn.Write(protocol.KindResponse, message.NoHandler(call.ID)); err != nil {
				c.logger.Debug("failed to answer worker call", zap.String("id", call.ID), zap.Error(err))
			}
		}()
		return
	}

	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.events[call.Pattern]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("no subscriber for worker event", zap.String("pattern", call.Pattern))
		return
	}
	go func() {
		for _, fn := range handlers {
			fn(call)
		}
	}()
}

func (c *Client) deliverControl(ctl *message.Control) {
	c.mu.Lock()
	waiters := c.controls[ctl.Type]
	if len(waiters) == 0 {
		c.mu.Unlock()
		c.logger.Warn("discarding unexpected control message", zap.String("type", ctl.Type))
		return
	}
	waiter := waiters[0]
	c.controls[ctl.Type] = waiters[1:]
	c.mu.Unlock()
	waiter <- ctl
}

func (c *Client) dropWaiter(typ string, waiter chan *message.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.controls[typ]
	for i, w := range waiters {
		if w == waiter {
			c.controls[typ] = append(waiters[:i:i], waiters[i+1:]...)
			return
		}
	}
}

// remove deletes a pending entry and reports whether it was still present.
func (c *Client) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) writeError(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		if closeErr := c.Err(); closeErr != nil {
			return closeErr
		}
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return err
}
