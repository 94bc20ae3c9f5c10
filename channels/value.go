package channels

import (
	"encoding/json"

	"github.com/Kapim/era-5g-client/video"
)

// Value is one decoded inbound message as delivered to a channel
// callback. Exactly one of JSON, Frame or Bytes is populated,
// depending on the channel's type:
//
//	JSON, JSON_LZ4  -> JSON
//	JPEG            -> Frame
//	H264            -> Frame when the channel has a decoder, else Bytes
type Value struct {
	Channel   string
	Type      ChannelType
	Timestamp int64
	JSON      json.RawMessage
	Frame     *video.Frame
	Bytes     []byte
}

// FrameDecoder turns H.264 bitstream chunks back into raw frames. A
// decoder is stateful: chunks reference earlier chunks, so one decoder
// instance serves exactly one channel and is fed in arrival order.
// Decode may return zero frames while the decoder buffers.
type FrameDecoder interface {
	Decode(chunk []byte, timestamp int64) ([]video.Frame, error)
	Close() error
}

// CallbackInfo binds a channel to its payload type and handlers at
// registration time. Callback is required. OnError receives decode
// failures for the channel; when nil they are logged and dropped.
// Decoder applies to H264 channels only.
type CallbackInfo struct {
	Type     ChannelType
	Callback func(v Value)
	OnError  func(err error)
	Decoder  FrameDecoder
}
