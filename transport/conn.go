// Package transport implements the framed channel between a host and a worker process.
//
// Conn wraps one end of a byte stream (a socketpair end inherited by the child, or
// any io.ReadWriteCloser in tests) and moves typed frames over it:
//
//	Write(kind, v): codec.Encode → compress → protocol.Encode   (serialized by a write lock)
//	Read():         protocol.Decode → decompress → *Frame       (single reader only)
//
// Many goroutines may write concurrently; reading must happen in exactly one
// goroutine, because frame boundaries are only known to the sequential reader.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"comic-rpc/codec"
	"comic-rpc/compress"
	"comic-rpc/protocol"
)

// ErrClosed is returned when writing to a closed Conn.
var ErrClosed = errors.New("transport: channel closed")

// Conn is a framed, bidirectional worker channel.
type Conn struct {
	rwc        io.ReadWriteCloser
	codec      codec.Codec
	compressor compress.Compressor
	sending    sync.Mutex // Write lock: frames from concurrent writers must not interleave
	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
}

// Option configures a Conn.
type Option func(*Conn)

// WithCodec selects the codec used for outgoing frames.
func WithCodec(t codec.CodecType) Option {
	return func(c *Conn) {
		c.codec = codec.GetCodec(t)
	}
}

// WithCompressor selects the compression applied to outgoing frame bodies.
func WithCompressor(comp compress.Compressor) Option {
	return func(c *Conn) {
		if comp != nil {
			c.compressor = comp
		}
	}
}

// NewConn wraps rwc. Outgoing frames default to JSON without compression.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:        rwc,
		codec:      &codec.JSONCodec{},
		compressor: compress.None{},
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Frame is one decoded frame with its body already decompressed.
type Frame struct {
	Header *protocol.Header
	Body   []byte
}

// Kind returns the frame's message kind.
func (f *Frame) Kind() protocol.Kind {
	return f.Header.Kind
}

// Decode deserializes the body with the codec named in the frame header.
func (f *Frame) Decode(v any) error {
	return codec.GetCodec(codec.CodecType(f.Header.CodecType)).Decode(f.Body, v)
}

// Write serializes v and sends it as a single frame of the given kind.
func (c *Conn) Write(kind protocol.Kind, v any) error {
	body, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	body, err = c.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("compress %s: %w", kind, err)
	}
	return c.writeFrame(&protocol.Header{
		CodecType: byte(c.codec.Type()),
		Compress:  byte(c.compressor.Type()),
		Kind:      kind,
	}, body)
}

// WriteHeartbeat sends an empty heartbeat frame.
func (c *Conn) WriteHeartbeat() error {
	return c.writeFrame(&protocol.Header{Kind: protocol.KindHeartbeat}, nil)
}

func (c *Conn) writeFrame(h *protocol.Header, body []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if err := protocol.Encode(c.rwc, h, body); err != nil {
		if c.Closed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Read blocks until the next frame arrives. After Close it returns ErrClosed.
func (c *Conn) Read() (*Frame, error) {
	header, body, err := protocol.Decode(c.rwc)
	if err != nil {
		if c.Closed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	comp, err := compress.Get(compress.Type(header.Compress))
	if err != nil {
		return nil, err
	}
	body, err = comp.Decompress(body)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", header.Kind, err)
	}
	return &Frame{Header: header, Body: body}, nil
}

// StartHeartbeat sends heartbeat frames every interval until the Conn closes.
// Heartbeats surface a dead peer as a write error long before a call times out.
func (c *Conn) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-ticker.C:
				if err := c.WriteHeartbeat(); err != nil {
					return
				}
			}
		}
	}()
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed when Close is called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
