package video

import (
	"errors"
	"fmt"
)

// Encode pipeline defaults.
const (
	// DefaultBitrate is the H.264 target bitrate in kbit/s.
	DefaultBitrate = 2048

	// MaxFPS bounds the accepted frame rate.
	MaxFPS = 120
)

var (
	// ErrPipelineStopped is returned when frames are pushed into an
	// encode or decode pipeline that is not streaming.
	ErrPipelineStopped = errors.New("pipeline stopped")

	// ErrInvalidConfig is returned for pipeline configuration rejected
	// at construction time.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// PipelineState tracks an encode or decode pipeline through its life
// cycle. Transitions are one way: a stopped pipeline is never reused,
// a new one is built instead.
type PipelineState int32

const (
	// StateUninitialized is the zero value, before construction
	// completes.
	StateUninitialized PipelineState = iota
	// StateConfigured means the pipeline is built but not running.
	StateConfigured
	// StateStreaming means the pipeline accepts frames.
	StateStreaming
	// StateStopped is terminal.
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EncoderConfig describes the geometry and rate of an H.264 encode
// pipeline. All frames pushed into the encoder must match Width and
// Height exactly.
type EncoderConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	FPS    int `json:"fps" yaml:"fps"`
	// Bitrate is the target bitrate in kbit/s. Zero selects
	// DefaultBitrate.
	Bitrate int `json:"bitrate" yaml:"bitrate"`
}

// Validate checks the configuration. H.264 4:2:0 output requires even
// dimensions.
func (c EncoderConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be even", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FPS < 1 || c.FPS > MaxFPS {
		return fmt.Errorf("%w: fps %d out of range 1..%d", ErrInvalidConfig, c.FPS, MaxFPS)
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("%w: negative bitrate %d", ErrInvalidConfig, c.Bitrate)
	}
	return nil
}

// EffectiveBitrate returns the configured bitrate or the default.
func (c EncoderConfig) EffectiveBitrate() int {
	if c.Bitrate == 0 {
		return DefaultBitrate
	}
	return c.Bitrate
}

// ChunkHandler receives encoded chunks as the pipeline produces them.
// It is called from the pipeline's streaming thread and must not
// block.
type ChunkHandler func(EncodedChunk)

// FrameEncoder turns raw frames into an H.264 bitstream. Encoded
// chunks are delivered through the ChunkHandler supplied at
// construction, each carrying the timestamp of the frame it encodes.
type FrameEncoder interface {
	// Start moves the pipeline from configured to streaming.
	Start() error
	// Push submits one frame for encoding. It returns
	// ErrPipelineStopped when the pipeline is not streaming and
	// ErrInvalidConfig when the frame geometry does not match the
	// encoder configuration.
	Push(f Frame) error
	// Stop flushes and tears the pipeline down. It is safe to call
	// more than once.
	Stop() error
	// State reports the pipeline state.
	State() PipelineState
}

// EncoderFactory builds a FrameEncoder. The concrete factory is chosen
// by the caller so that transports and clients stay free of media
// library dependencies.
type EncoderFactory func(cfg EncoderConfig, onChunk ChunkHandler) (FrameEncoder, error)
