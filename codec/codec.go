// Package codec serializes frame bodies.
//
// JSON is the default and the only codec compatible with the rest of the
// application: its field names are the wire contract. The binary codec is a
// compact alternative for channels where both ends are Go processes.
package codec

import (
	"encoding/json"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// JSONCodec encodes bodies with encoding/json. The json tags in package message
// are what every worker reads, whatever language it is written in.
type JSONCodec struct{}

func (*JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode wraps syntax errors with the codec name so a bad frame is
// distinguishable from a bad binary body in logs.
func (*JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json body: %w", err)
	}
	return nil
}

func (*JSONCodec) Type() CodecType { return CodecTypeJSON }

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}

	return &JSONCodec{}
}

// ParseType maps a configuration name to a codec type.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}
