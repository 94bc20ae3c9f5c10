package channels

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/Kapim/era-5g-client/video"
)

// DefaultJPEGQuality is the quality used by the built-in JPEG codec.
const DefaultJPEGQuality = 90

// JPEGCodec compresses raw frames with image/jpeg. Lossy: a round trip
// preserves dimensions, not bytes.
type JPEGCodec struct {
	Quality int
}

func (c JPEGCodec) Encode(v any) ([]byte, error) {
	var f video.Frame
	switch fv := v.(type) {
	case video.Frame:
		f = fv
	case *video.Frame:
		f = *fv
	default:
		return nil, fmt.Errorf("%w: jpeg channel needs a video.Frame, got %T", ErrEncodingMismatch, v)
	}
	img, err := f.ToRGBA()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingMismatch, err)
	}
	q := c.Quality
	if q <= 0 || q > 100 {
		q = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c JPEGCodec) Decode(data []byte) (Value, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Value{}, fmt.Errorf("jpeg decode: %w", err)
	}
	f := video.FromImage(img, 0, 0)
	return Value{Type: ChannelTypeJPEG, Frame: &f}, nil
}

func (c JPEGCodec) Binary() bool { return true }

// H264Codec frames already-encoded bitstream chunks. Compression is the
// encode pipeline's job; the codec only moves bytes. Decoding to frames
// happens per channel via the registered FrameDecoder, because H.264
// decode state cannot be shared between channels.
type H264Codec struct{}

func (H264Codec) Encode(v any) ([]byte, error) {
	switch c := v.(type) {
	case video.EncodedChunk:
		return c.Data, nil
	case *video.EncodedChunk:
		return c.Data, nil
	case []byte:
		return c, nil
	default:
		return nil, fmt.Errorf("%w: h264 channel needs an encoded chunk, got %T", ErrEncodingMismatch, v)
	}
}

func (H264Codec) Decode(data []byte) (Value, error) {
	return Value{Type: ChannelTypeH264, Bytes: data}, nil
}

func (H264Codec) Binary() bool { return true }
