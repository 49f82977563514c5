package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"comic-rpc/message"
)

// BinaryCodec writes the three message shapes as length-prefixed fields.
// Opaque payloads (data, response, err) stay JSON bytes inside the frame.
//
//	Call:     idLen u16 | id | patternLen u16 | pattern | isEvent u8 | dataLen u32 | data
//	Response: idLen u16 | id | responseLen u32 | response | errLen u32 | err
//	Control:  typeLen u16 | type | dataLen u32 | data
//
// isEvent: 0 = absent, 1 = false, 2 = true.
type BinaryCodec struct{}

var errUnsupported = errors.New("BinaryCodec: v must be *Call, *Response or *Control")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	var w writer
	switch msg := v.(type) {
	case *message.Call:
		w.str(msg.ID)
		w.str(msg.Pattern)
		switch {
		case msg.IsEvent == nil:
			w.byte(0)
		case *msg.IsEvent:
			w.byte(2)
		default:
			w.byte(1)
		}
		w.blob(msg.Data)
	case *message.Response:
		w.str(msg.ID)
		w.blob(msg.Response)
		w.blob(msg.Err)
	case *message.Control:
		w.str(msg.Type)
		w.blob(msg.Data)
	default:
		return nil, errUnsupported
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := reader{buf: data}
	switch msg := v.(type) {
	case *message.Call:
		msg.ID = r.str()
		msg.Pattern = r.str()
		switch r.byte() {
		case 0:
			msg.IsEvent = nil
		case 1:
			f := false
			msg.IsEvent = &f
		case 2:
			t := true
			msg.IsEvent = &t
		default:
			return fmt.Errorf("BinaryCodec: invalid isEvent flag")
		}
		msg.Data = r.blob()
	case *message.Response:
		msg.ID = r.str()
		msg.Response = r.blob()
		msg.Err = r.blob()
	case *message.Control:
		msg.Type = r.str()
		msg.Data = r.blob()
	default:
		return errUnsupported
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) str(s string) {
	if len(s) > 0xFFFF {
		w.err = fmt.Errorf("BinaryCodec: string field too long (%d bytes)", len(s))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) blob(b json.RawMessage) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader records the first out-of-bounds access instead of panicking on a short frame.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("BinaryCodec: truncated message")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) str() string {
	l := r.take(2)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l))))
}

func (r *reader) blob() json.RawMessage {
	l := r.take(4)
	if l == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(l))
	b := r.take(n)
	if n == 0 || b == nil {
		return nil
	}
	out := make(json.RawMessage, n)
	copy(out, b)
	return out
}
