// Package protocol implements the frame format used on a worker channel.
//
// A process channel is a byte stream, so every message is wrapped in a frame:
// a fixed-size 11-byte header followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that many bytes.
//
// The kind byte is the discriminator of the tagged union carried on the channel:
// Call, Response and Control bodies are decoded once, by kind, and handed to the
// matching handling path.
//
// Frame format:
//
//	0      3  4  5  6  7         11
//	┌──────┬──┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│cp│k │ bodyLen │    body ...    │
//	│ crp  │01│  │  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "crp" (comic rpc protocol).
// A mismatch means the peer is not speaking this protocol (e.g. stray output on the fd).
const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 11 // 3 (magic) + 1 (version) + 1 (codec) + 1 (compress) + 1 (kind) + 4 (bodyLen)

	// MaxBodySize caps a single frame body.
	MaxBodySize uint32 = 64 << 20
)

// Kind tags the body of a frame.
type Kind byte

const (
	KindCall      Kind = 0 // Call: request or event
	KindResponse  Kind = 1 // Response to a Call
	KindControl   Kind = 2 // {type, data} handshake envelope
	KindHeartbeat Kind = 3 // KeepAlive probe (no body)
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindControl:
		return "control"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Codec and compression constants, mirrored from the codec and compress packages
// to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1

	CompressNone   byte = 0
	CompressGzip   byte = 1
	CompressSnappy byte = 2
	CompressLZ4    byte = 3
)

// Header represents the fixed 11-byte frame header.
type Header struct {
	CodecType byte // Serialization format: 0=JSON, 1=Binary
	Compress  byte // Body compression: 0=none, 1=gzip, 2=snappy, 3=lz4
	Kind      Kind // Call, Response, Control or Heartbeat
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = h.Compress
	buf[6] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame: a socket write of a single buffer is never split by another writer.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec, compression and kind bytes.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	if headerBuf[5] > CompressLZ4 {
		return nil, nil, fmt.Errorf("unsupported compression: %d", headerBuf[5])
	}
	kind := Kind(headerBuf[6])
	if kind > KindHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message kind: %d", headerBuf[6])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[7:11])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Compress:  headerBuf[5],
		Kind:      kind,
		BodyLen:   bodyLen,
	}, body, nil
}
