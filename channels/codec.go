package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// Codec is the encode/decode pair for one channel type. Encode turns a
// caller value into payload bytes; Decode turns payload bytes back into
// a delivered Value. Binary codecs produce raw bytes that are base64
// wrapped inside the envelope, JSON codecs produce JSON text placed in
// the envelope as-is.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (Value, error)
	Binary() bool
}

// Registry maps channel types to codecs. A registry value is built
// explicitly and handed to the multiplexer; there is no package-global
// registry. The built-in codecs can be replaced before channels are
// registered.
type Registry struct {
	mu     sync.RWMutex
	codecs map[ChannelType]Codec
}

// NewRegistry returns a registry populated with the four built-in
// codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[ChannelType]Codec)}
	r.Register(ChannelTypeJSON, JSONCodec{})
	r.Register(ChannelTypeJSONLZ4, JSONLZ4Codec{})
	r.Register(ChannelTypeH264, H264Codec{})
	r.Register(ChannelTypeJPEG, JPEGCodec{Quality: DefaultJPEGQuality})
	return r
}

// Register installs or replaces the codec for a type.
func (r *Registry) Register(t ChannelType, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[t] = c
}

// Get returns the codec for a type.
func (r *Registry) Get(t ChannelType) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[t]
	return c, ok
}

// jsonPayload normalizes a caller value into JSON bytes. Raw bytes are
// accepted only when they already hold valid JSON.
func jsonPayload(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: raw message is not valid JSON", ErrEncodingMismatch)
		}
		return b, nil
	case []byte:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: bytes are not valid JSON", ErrEncodingMismatch)
		}
		return b, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingMismatch, err)
	}
	return b, nil
}

// JSONCodec carries values as plain JSON text.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return jsonPayload(v) }

func (JSONCodec) Decode(data []byte) (Value, error) {
	if !json.Valid(data) {
		return Value{}, fmt.Errorf("payload is not valid JSON")
	}
	return Value{Type: ChannelTypeJSON, JSON: json.RawMessage(data)}, nil
}

func (JSONCodec) Binary() bool { return false }

// JSONLZ4Codec carries JSON compressed with the LZ4 frame format.
type JSONLZ4Codec struct{}

func (JSONLZ4Codec) Encode(v any) ([]byte, error) {
	b, err := jsonPayload(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (JSONLZ4Codec) Decode(data []byte) (Value, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	b, err := io.ReadAll(zr)
	if err != nil {
		return Value{}, fmt.Errorf("lz4 decompress: %w", err)
	}
	if !json.Valid(b) {
		return Value{}, fmt.Errorf("decompressed payload is not valid JSON")
	}
	return Value{Type: ChannelTypeJSONLZ4, JSON: json.RawMessage(b)}, nil
}

func (JSONLZ4Codec) Binary() bool { return true }
