package gstreamer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/video"
)

// stopTimeout bounds how long teardown waits for a pipeline to flush.
const stopTimeout = 3 * time.Second

// H264Encoder turns raw RGB frames into an H.264 Annex B byte stream.
//
// Pipeline structure:
//
//	appsrc → videoconvert → capsfilter(I420) → x264enc → h264parse → appsink
//
// The presentation timestamp of every pushed frame travels through the
// pipeline unchanged, so each encoded chunk reports the capture time
// of the frame it encodes.
type H264Encoder struct {
	cfg     video.EncoderConfig
	onChunk video.ChunkHandler

	pipeline *gst.Pipeline
	src      *app.Source

	state     atomic.Int32
	stopOnce  sync.Once
	stopWatch chan struct{}

	mu      sync.Mutex
	busDone <-chan struct{}
	lastErr error

	framesIn  atomic.Uint64
	chunksOut atomic.Uint64
}

var _ video.FrameEncoder = (*H264Encoder)(nil)

// Encoder is a video.EncoderFactory backed by H264Encoder.
func Encoder(cfg video.EncoderConfig, onChunk video.ChunkHandler) (video.FrameEncoder, error) {
	return NewH264Encoder(cfg, onChunk)
}

// EncoderStats is a point-in-time snapshot of encoder counters.
type EncoderStats struct {
	FramesIn  uint64 `json:"frames_in"`
	ChunksOut uint64 `json:"chunks_out"`
	State     string `json:"state"`
}

// NewH264Encoder builds the encode pipeline. The pipeline is
// configured but not started; call Start before pushing frames.
func NewH264Encoder(cfg video.EncoderConfig, onChunk video.ChunkHandler) (*H264Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if onChunk == nil {
		return nil, fmt.Errorf("%w: nil chunk handler", video.ErrInvalidConfig)
	}

	// Initialize GStreamer (safe to call multiple times).
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("create appsrc: %w", err)
	}
	src.SetProperty("caps", gst.NewCapsFromString(rawVideoCaps("RGB", cfg.Width, cfg.Height, cfg.FPS)))
	src.SetProperty("format", 3) // GST_FORMAT_TIME
	src.SetProperty("is-live", true)
	// Block Push when the internal queue is full instead of growing it.
	src.SetProperty("block", true)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}

	capsI420, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsI420.SetProperty("caps", gst.NewCapsFromString(rawVideoCaps("I420", cfg.Width, cfg.Height, cfg.FPS)))

	x264, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, fmt.Errorf("create x264enc: %w", err)
	}
	x264.SetProperty("bitrate", uint(cfg.EffectiveBitrate()))
	x264.SetProperty("tune", 4)         // zerolatency
	x264.SetProperty("speed-preset", 2) // superfast
	x264.SetProperty("byte-stream", true)
	// Keyframe at least every two seconds so late joiners recover fast.
	x264.SetProperty("key-int-max", uint(2*cfg.FPS))

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("create h264parse: %w", err)
	}
	// Resend SPS/PPS with every keyframe.
	parse.SetProperty("config-interval", -1)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("caps", gst.NewCapsFromString(bitstreamCaps))
	sink.SetProperty("sync", false)

	e := &H264Encoder{
		cfg:       cfg,
		onChunk:   onChunk,
		pipeline:  pipeline,
		src:       src,
		stopWatch: make(chan struct{}),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onSample,
	})

	if err := pipeline.AddMany(src.Element, convert, capsI420, x264, parse, sink.Element); err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, convert, capsI420, x264, parse, sink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	e.state.Store(int32(video.StateConfigured))
	logx.Log.Debug().
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("fps", cfg.FPS).
		Int("bitrate_kbps", cfg.EffectiveBitrate()).
		Msg("h264 encoder configured")
	return e, nil
}

// Start moves the pipeline to streaming. Starting an already streaming
// encoder is a no-op; a stopped one cannot be restarted.
func (e *H264Encoder) Start() error {
	if video.PipelineState(e.state.Load()) == video.StateStreaming {
		return nil
	}
	if !e.state.CompareAndSwap(int32(video.StateConfigured), int32(video.StateStreaming)) {
		if video.PipelineState(e.state.Load()) == video.StateStreaming {
			return nil
		}
		return video.ErrPipelineStopped
	}
	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		e.state.Store(int32(video.StateStopped))
		return fmt.Errorf("start pipeline: %w", err)
	}
	e.mu.Lock()
	e.busDone = watchBus(e.pipeline, "h264-encoder", e.stopWatch, e.fail)
	e.mu.Unlock()
	logx.Log.Info().Msg("h264 encoder streaming")
	return nil
}

// Push submits one frame for encoding. The frame data is copied into a
// pipeline buffer, so the caller may reuse it.
func (e *H264Encoder) Push(f video.Frame) error {
	if video.PipelineState(e.state.Load()) != video.StateStreaming {
		return video.ErrPipelineStopped
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", video.ErrInvalidConfig, err)
	}
	if f.Width != e.cfg.Width || f.Height != e.cfg.Height {
		return fmt.Errorf("%w: frame %dx%d does not match encoder %dx%d",
			video.ErrInvalidConfig, f.Width, f.Height, e.cfg.Width, e.cfg.Height)
	}

	buffer := gst.NewBufferFromBytes(f.Data)
	if buffer == nil {
		return fmt.Errorf("allocate buffer for frame %d", f.Seq)
	}
	buffer.SetPresentationTimestamp(time.Duration(f.Timestamp))

	if ret := e.src.PushBuffer(buffer); ret != gst.FlowOK {
		if ret == gst.FlowFlushing || ret == gst.FlowEOS {
			return video.ErrPipelineStopped
		}
		return fmt.Errorf("push frame %d: flow %v", f.Seq, ret)
	}
	e.framesIn.Add(1)
	return nil
}

// Stop sends end of stream, waits for the encoder to flush its last
// chunks, and tears the pipeline down. Safe to call more than once.
func (e *H264Encoder) Stop() error {
	e.stopOnce.Do(func() {
		prev := video.PipelineState(e.state.Swap(int32(video.StateStopped)))
		if prev == video.StateStreaming {
			// EOS makes x264enc emit its queued frames before the
			// pipeline goes down.
			e.src.EndStream()
			e.mu.Lock()
			done := e.busDone
			e.mu.Unlock()
			if done != nil {
				select {
				case <-done:
				case <-time.After(stopTimeout):
					logx.Log.Warn().Msg("h264 encoder flush timed out")
				}
			}
		}
		close(e.stopWatch)
		if err := e.pipeline.SetState(gst.StateNull); err != nil {
			logx.Log.Warn().Err(err).Msg("h264 encoder teardown")
		}
		logx.Log.Info().
			Uint64("frames_in", e.framesIn.Load()).
			Uint64("chunks_out", e.chunksOut.Load()).
			Msg("h264 encoder stopped")
	})
	return nil
}

// State reports the pipeline state.
func (e *H264Encoder) State() video.PipelineState {
	return video.PipelineState(e.state.Load())
}

// Err reports a pipeline error observed on the bus, if any.
func (e *H264Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Stats returns encoder counters.
func (e *H264Encoder) Stats() EncoderStats {
	return EncoderStats{
		FramesIn:  e.framesIn.Load(),
		ChunksOut: e.chunksOut.Load(),
		State:     e.State().String(),
	}
}

func (e *H264Encoder) fail(err error) {
	e.mu.Lock()
	if e.lastErr == nil {
		e.lastErr = err
	}
	e.mu.Unlock()
	e.state.Store(int32(video.StateStopped))
}

func (e *H264Encoder) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	chunk := video.EncodedChunk{
		Data:      make([]byte, len(data)),
		Timestamp: int64(buffer.PresentationTimestamp()),
		KeyFrame:  buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0,
	}
	copy(chunk.Data, data)
	buffer.Unmap()

	e.chunksOut.Add(1)
	e.onChunk(chunk)
	return gst.FlowOK
}
