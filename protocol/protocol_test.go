package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		Compress:  CompressSnappy,
		Kind:      KindCall,
	}
	body := []byte(`{"id":"a1","pattern":"ping"}`)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header.CodecType, decoded.CodecType)
	assert.Equal(t, header.Compress, decoded.Compress)
	assert.Equal(t, KindCall, decoded.Kind)
	assert.Equal(t, uint32(len(body)), decoded.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	kinds := []Kind{KindCall, KindResponse, KindControl, KindHeartbeat}
	for _, k := range kinds {
		require.NoError(t, Encode(&buf, &Header{Kind: k}, []byte(k.String())))
	}
	for _, k := range kinds {
		h, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, k, h.Kind)
		assert.Equal(t, k.String(), string(body))
	}
	_, _, err := Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, CompressNone, byte(KindCall), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "invalid magic number")
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, CodecTypeJSON, CompressNone, byte(KindCall), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "unsupported version")
}

func TestDecodeInvalidKind(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, CompressNone, 9, 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "unsupported message kind")
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, CompressNone, byte(KindCall), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[7:11], MaxBodySize+1)
	_, _, err := Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "too large")
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindResponse}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, _, err := Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindHeartbeat}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, h.Kind)
	assert.Empty(t, body)
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, Kind: KindCall}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decodedBody))
}
