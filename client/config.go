package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kapim/era-5g-client/channels"
	"github.com/Kapim/era-5g-client/video"
)

// DefaultHeartbeatInterval is how often the client pings the service
// when the config does not say otherwise.
const DefaultHeartbeatInterval = 20 * time.Second

// VideoConfig declares the outgoing video stream. With H264 set the
// image channel carries encoder output; otherwise frames go out as
// JPEG stills.
type VideoConfig struct {
	H264        bool `json:"h264" yaml:"h264"`
	Width       int  `json:"width" yaml:"width"`
	Height      int  `json:"height" yaml:"height"`
	FPS         int  `json:"fps" yaml:"fps"`
	Bitrate     int  `json:"bitrate" yaml:"bitrate"`
	JPEGQuality int  `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// EncoderConfig converts the stream declaration into pipeline
// configuration.
func (v VideoConfig) EncoderConfig() video.EncoderConfig {
	return video.EncoderConfig{Width: v.Width, Height: v.Height, FPS: v.FPS, Bitrate: v.Bitrate}
}

// Config carries everything a NetAppClient needs besides the service
// URL, which is an argument to Register.
type Config struct {
	// ClientID identifies this client instance. Generated when empty.
	ClientID string `json:"client_id" yaml:"client_id"`

	// AutoReconnect makes the client redial with backoff when the
	// connection drops, instead of staying disconnected.
	AutoReconnect bool `json:"auto_reconnect" yaml:"auto_reconnect"`

	// HeartbeatInterval is the websocket ping period. Zero means
	// DefaultHeartbeatInterval; negative disables the heartbeat.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// QueueSize is the outbound queue capacity handed to the mux.
	// Zero means channels.DefaultQueueSize.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// Video declares the outgoing stream. Nil disables SendImage.
	Video *VideoConfig `json:"video,omitempty" yaml:"video,omitempty"`

	// EncoderFactory builds the H.264 encoder when Video.H264 is set.
	// The gstreamer package provides one; tests inject fakes.
	EncoderFactory video.EncoderFactory `json:"-" yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.QueueSize == 0 {
		c.QueueSize = channels.DefaultQueueSize
	}
}

func (c *Config) validate() error {
	if c.Video != nil && c.Video.H264 {
		if err := c.Video.EncoderConfig().Validate(); err != nil {
			return err
		}
		if c.EncoderFactory == nil {
			return fmt.Errorf("%w: h264 streaming needs an encoder factory", video.ErrInvalidConfig)
		}
	}
	return nil
}

// RegisterOption adjusts a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	waitTimeout time.Duration
	waitSet     bool
	args        map[string]any
}

// WaitUntilAvailable keeps retrying the dial on the backoff schedule
// until the service accepts or the timeout passes. A negative timeout
// retries until ctx is canceled.
func WaitUntilAvailable(timeout time.Duration) RegisterOption {
	return func(o *registerOptions) {
		o.waitTimeout = timeout
		o.waitSet = true
	}
}

// WithArgs adds arguments to the announce command sent after connect.
// Stream parameters set by the client win over colliding keys.
func WithArgs(args map[string]any) RegisterOption {
	return func(o *registerOptions) {
		if o.args == nil {
			o.args = make(map[string]any, len(args))
		}
		for k, v := range args {
			o.args[k] = v
		}
	}
}
