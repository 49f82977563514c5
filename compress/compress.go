// Package compress implements optional frame body compression.
//
// The compression type travels in every frame header, so a receiver always
// knows how to restore a body regardless of its own sending configuration.
package compress

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"comic-rpc/protocol"
)

// ErrTooLarge is returned when a body would decompress beyond protocol.MaxBodySize.
var ErrTooLarge = errors.New("compress: decompressed body too large")

// readLimited reads r to the end, refusing to grow past protocol.MaxBodySize.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(protocol.MaxBodySize)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > int(protocol.MaxBodySize) {
		return nil, ErrTooLarge
	}
	return data, nil
}

type Type byte

const (
	TypeNone   Type = 0
	TypeGzip   Type = 1
	TypeSnappy Type = 2
	TypeLZ4    Type = 3
)

// Compressor compresses and restores frame bodies.
type Compressor interface {
	Type() Type
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Get returns the compressor registered for t.
func Get(t Type) (Compressor, error) {
	switch t {
	case TypeNone:
		return None{}, nil
	case TypeGzip:
		return Gzip{}, nil
	case TypeSnappy:
		return Snappy{}, nil
	case TypeLZ4:
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

// ParseType maps a configuration name to a compression type.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "snappy":
		return TypeSnappy, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func (t Type) String() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeSnappy:
		return "snappy"
	case TypeLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// None passes bodies through unchanged.
type None struct{}

func (None) Type() Type                             { return TypeNone }
func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

// Gzip uses compress/gzip.
type Gzip struct{}

func (Gzip) Type() Type { return TypeGzip }

func (Gzip) Compress(data []byte) ([]byte, error) {
	res := bytes.NewBuffer(nil)
	gw := gzip.NewWriter(res)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	// Close flushes the trailer; it cannot be deferred.
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func (Gzip) Decompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gr.Close()
	}()
	return readLimited(gr)
}

// Snappy uses the snappy block format.
type Snappy struct{}

func (Snappy) Type() Type { return TypeSnappy }

func (Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (Snappy) Decompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > int(protocol.MaxBodySize) {
		return nil, ErrTooLarge
	}
	return snappy.Decode(nil, data)
}

// LZ4 uses the lz4 frame format, which records the uncompressed size itself.
type LZ4 struct{}

func (LZ4) Type() Type { return TypeLZ4 }

func (LZ4) Compress(data []byte) ([]byte, error) {
	res := bytes.NewBuffer(nil)
	w := lz4.NewWriter(res)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(data)))
}
