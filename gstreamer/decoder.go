package gstreamer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Kapim/era-5g-client/channels"
	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/video"
)

// DecoderConfig fixes the geometry of decoded frames. The pipeline
// scales whatever the bitstream carries to Width x Height RGB.
type DecoderConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// H264Decoder turns an H.264 Annex B byte stream back into raw RGB
// frames. It satisfies channels.FrameDecoder, so it can be attached to
// an H264 channel registration and fed directly by the multiplexer.
//
// Pipeline structure:
//
//	appsrc → h264parse → avdec_h264 → videoconvert → videoscale →
//	capsfilter(RGB) → appsink
//
// Decoding is asynchronous: frames for a chunk may surface on a later
// Decode call once the decoder has enough bitstream to emit them.
type H264Decoder struct {
	cfg DecoderConfig

	pipeline *gst.Pipeline
	src      *app.Source

	state     atomic.Int32
	closeOnce sync.Once
	stopWatch chan struct{}
	busDone   <-chan struct{}

	mu      sync.Mutex
	pending []video.Frame
	lastErr error

	chunksIn  atomic.Uint64
	framesOut atomic.Uint64
}

var _ channels.FrameDecoder = (*H264Decoder)(nil)

// NewH264Decoder builds and starts the decode pipeline.
func NewH264Decoder(cfg DecoderConfig) (*H264Decoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", video.ErrInvalidConfig, cfg.Width, cfg.Height)
	}

	// Initialize GStreamer (safe to call more than once).
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("create appsrc: %w", err)
	}
	src.SetProperty("caps", gst.NewCapsFromString(bitstreamCaps))
	src.SetProperty("format", 3) // GST_FORMAT_TIME
	src.SetProperty("is-live", true)

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("create h264parse: %w", err)
	}

	decode, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("create avdec_h264: %w", err)
	}
	decode.SetProperty("max-threads", 0)
	decode.SetProperty("output-corrupt", false)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}

	capsRGB, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsRGB.SetProperty("caps", gst.NewCapsFromString(rawVideoCaps("RGB", cfg.Width, cfg.Height, 0)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	d := &H264Decoder{
		cfg:       cfg,
		pipeline:  pipeline,
		src:       src,
		stopWatch: make(chan struct{}),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onSample,
	})

	if err := pipeline.AddMany(src.Element, parse, decode, convert, scale, capsRGB, sink.Element); err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, parse, decode, convert, scale, capsRGB, sink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	d.state.Store(int32(video.StateStreaming))
	d.busDone = watchBus(pipeline, "h264-decoder", d.stopWatch, d.fail)

	logx.Log.Debug().
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("h264 decoder streaming")
	return d, nil
}

// Decode feeds one bitstream chunk into the pipeline and returns the
// frames decoded so far. timestamp is attached to the chunk as PTS and
// comes back on the frames it produces.
func (d *H264Decoder) Decode(chunk []byte, timestamp int64) ([]video.Frame, error) {
	if video.PipelineState(d.state.Load()) != video.StateStreaming {
		return nil, video.ErrPipelineStopped
	}
	if len(chunk) == 0 {
		return nil, fmt.Errorf("empty bitstream chunk")
	}

	buffer := gst.NewBufferFromBytes(chunk)
	if buffer == nil {
		return nil, fmt.Errorf("allocate buffer for %d byte chunk", len(chunk))
	}
	buffer.SetPresentationTimestamp(time.Duration(timestamp))

	if ret := d.src.PushBuffer(buffer); ret != gst.FlowOK {
		if ret == gst.FlowFlushing || ret == gst.FlowEOS {
			return nil, video.ErrPipelineStopped
		}
		return nil, fmt.Errorf("push bitstream chunk: flow %v", ret)
	}
	d.chunksIn.Add(1)

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return d.takePending(), nil
}

// Close tears the pipeline down. Safe to call more than once.
func (d *H264Decoder) Close() error {
	d.closeOnce.Do(func() {
		prev := video.PipelineState(d.state.Swap(int32(video.StateStopped)))
		if prev == video.StateStreaming {
			d.src.EndStream()
		}
		close(d.stopWatch)
		if err := d.pipeline.SetState(gst.StateNull); err != nil {
			logx.Log.Warn().Err(err).Msg("h264 decoder teardown")
		}
		logx.Log.Debug().
			Uint64("chunks_in", d.chunksIn.Load()).
			Uint64("frames_out", d.framesOut.Load()).
			Msg("h264 decoder closed")
	})
	return nil
}

// Err reports a pipeline error observed on the bus, if any.
func (d *H264Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *H264Decoder) fail(err error) {
	d.mu.Lock()
	if d.lastErr == nil {
		d.lastErr = err
	}
	d.mu.Unlock()
	d.state.Store(int32(video.StateStopped))
}

func (d *H264Decoder) takePending() []video.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

func (d *H264Decoder) onSample(sink *app.Sink) gst.FlowReturn {
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
	want := d.cfg.Width * d.cfg.Height * 3
	if len(data) < want {
		buffer.Unmap()
		logx.Log.Warn().
			Int("have", len(data)).
			Int("want", want).
			Msg("decoded frame smaller than negotiated geometry, skipping")
		return gst.FlowOK
	}
	frame := video.Frame{
		// Row padding past width*height*3 is cut off.
		Data:      make([]byte, want),
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		Timestamp: int64(buffer.PresentationTimestamp()),
		Seq:       d.framesOut.Add(1) - 1,
	}
	copy(frame.Data, data[:want])
	buffer.Unmap()

	d.mu.Lock()
	d.pending = append(d.pending, frame)
	d.mu.Unlock()
	return gst.FlowOK
}
