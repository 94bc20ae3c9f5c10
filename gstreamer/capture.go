package gstreamer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/video"
)

// CaptureConfig selects a frame source and the output geometry.
// Exactly one of Device and Location must be set.
type CaptureConfig struct {
	// Device is a V4L2 capture device, e.g. /dev/video0.
	Device string `json:"device" yaml:"device"`
	// Location is a media file whose video track is decoded and
	// played back in real time.
	Location string `json:"location" yaml:"location"`
	Width    int    `json:"width" yaml:"width"`
	Height   int    `json:"height" yaml:"height"`
	FPS      int    `json:"fps" yaml:"fps"`
}

// Validate checks the configuration.
func (c CaptureConfig) Validate() error {
	if (c.Device == "") == (c.Location == "") {
		return fmt.Errorf("%w: exactly one of device and location must be set", video.ErrInvalidConfig)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", video.ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FPS < 1 || c.FPS > video.MaxFPS {
		return fmt.Errorf("%w: fps %d out of range 1..%d", video.ErrInvalidConfig, c.FPS, video.MaxFPS)
	}
	return nil
}

// CaptureSource produces RGB frames from a camera or a media file and
// satisfies video.Source. Frames are scaled and rate limited inside
// the pipeline, so consumers see the configured geometry and at most
// the configured FPS.
//
// Pipeline structure:
//
//	v4l2src               → videoconvert → videoscale → videorate →
//	filesrc → decodebin ↗    capsfilter(RGB) → appsink
type CaptureSource struct {
	cfg CaptureConfig

	pipeline *gst.Pipeline

	framesCh chan video.Frame
	stopCh   chan struct{}
	busDone  <-chan struct{}

	mu        sync.Mutex
	running   bool
	stopped   bool
	startTime time.Time

	seq     atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
}

var _ video.Source = (*CaptureSource)(nil)

// NewCaptureSource builds the capture pipeline. The pipeline is
// configured but not started.
func NewCaptureSource(cfg CaptureConfig) (*CaptureSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize GStreamer (safe to call more than once).
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)
	rate.SetProperty("skip-to-first", true)

	capsRGB, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsRGB.SetProperty("caps", gst.NewCapsFromString(rawVideoCaps("RGB", cfg.Width, cfg.Height, cfg.FPS)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	// Live capture runs free; file playback paces on the pipeline
	// clock so a recording behaves like a camera.
	sink.SetProperty("sync", cfg.Device == "")
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetProperty("qos", true)

	s := &CaptureSource{
		cfg:      cfg,
		pipeline: pipeline,
		framesCh: make(chan video.Frame, 10),
		stopCh:   make(chan struct{}),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	if cfg.Device != "" {
		v4l2, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("create v4l2src: %w", err)
		}
		v4l2.SetProperty("device", cfg.Device)

		if err := pipeline.AddMany(v4l2, convert, scale, rate, capsRGB, sink.Element); err != nil {
			return nil, fmt.Errorf("assemble pipeline: %w", err)
		}
		if err := gst.ElementLinkMany(v4l2, convert, scale, rate, capsRGB, sink.Element); err != nil {
			return nil, fmt.Errorf("link pipeline: %w", err)
		}
	} else {
		filesrc, err := gst.NewElement("filesrc")
		if err != nil {
			return nil, fmt.Errorf("create filesrc: %w", err)
		}
		filesrc.SetProperty("location", cfg.Location)

		decodebin, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("create decodebin: %w", err)
		}

		if err := pipeline.AddMany(filesrc, decodebin, convert, scale, rate, capsRGB, sink.Element); err != nil {
			return nil, fmt.Errorf("assemble pipeline: %w", err)
		}
		if err := gst.ElementLinkMany(filesrc, decodebin); err != nil {
			return nil, fmt.Errorf("link filesrc: %w", err)
		}
		if err := gst.ElementLinkMany(convert, scale, rate, capsRGB, sink.Element); err != nil {
			return nil, fmt.Errorf("link pipeline: %w", err)
		}

		// decodebin pads appear once the container is parsed. Audio
		// pads fail to link against videoconvert and are ignored.
		decodebin.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			sinkPad := convert.GetStaticPad("sink")
			if sinkPad == nil {
				logx.Log.Error().Msg("videoconvert sink pad missing")
				return
			}
			if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
				logx.Log.Debug().
					Str("pad", srcPad.GetName()).
					Msg("decodebin pad not linked")
				return
			}
			logx.Log.Debug().Str("pad", srcPad.GetName()).Msg("decodebin pad linked")
		})
	}

	return s, nil
}

// Start plays the pipeline and returns the frame channel. The channel
// is closed when the source stops. Cancelling ctx stops the source.
func (s *CaptureSource) Start(ctx context.Context) (<-chan video.Frame, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, video.ErrPipelineStopped
	}
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("capture source already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.mu.Lock()
		s.running = false
		s.stopped = true
		s.mu.Unlock()
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	done := watchBus(s.pipeline, "capture", s.stopCh, nil)
	s.mu.Lock()
	s.busDone = done
	s.mu.Unlock()

	// Stop on context cancellation and when the pipeline finishes on
	// its own (end of file, bus error), so the frame channel always
	// closes.
	go func() {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
		case <-done:
		}
		_ = s.Stop()
	}()

	logx.Log.Info().
		Str("device", s.cfg.Device).
		Str("location", s.cfg.Location).
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Int("fps", s.cfg.FPS).
		Msg("capture source starting")
	return s.framesCh, nil
}

// Stop tears the pipeline down and closes the frame channel. Calling
// Stop on a stopped source is a no-op.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	done := s.busDone
	s.mu.Unlock()

	close(s.stopCh)
	// The NULL transition joins the streaming threads, so no sample
	// callback runs once it returns and closing the channel is safe.
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		logx.Log.Warn().Err(err).Msg("capture source teardown")
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
		}
	}
	close(s.framesCh)

	logx.Log.Info().
		Uint64("frames_emitted", s.emitted.Load()).
		Uint64("frames_dropped", s.dropped.Load()).
		Msg("capture source stopped")
	return nil
}

// Stats returns an operational snapshot.
func (s *CaptureSource) Stats() video.SourceStats {
	s.mu.Lock()
	running := s.running
	start := s.startTime
	s.mu.Unlock()

	var fpsReal float64
	emitted := s.emitted.Load()
	if running && emitted > 0 {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}
	return video.SourceStats{
		FramesEmitted: emitted,
		FramesDropped: s.dropped.Load(),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsReal,
		Running:       running,
	}
}

func (s *CaptureSource) onSample(sink *app.Sink) gst.FlowReturn {
	select {
	case <-s.stopCh:
		return gst.FlowEOS
	default:
	}

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
	want := s.cfg.Width * s.cfg.Height * 3
	if len(data) < want {
		buffer.Unmap()
		logx.Log.Warn().
			Int("have", len(data)).
			Int("want", want).
			Msg("captured frame smaller than negotiated geometry, skipping")
		return gst.FlowOK
	}
	frame := video.Frame{
		Data:      make([]byte, want),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Timestamp: time.Now().UnixNano(),
		Seq:       s.seq.Add(1) - 1,
	}
	copy(frame.Data, data[:want])
	buffer.Unmap()

	select {
	case s.framesCh <- frame:
		s.emitted.Add(1)
	default:
		// Consumer is behind. Stale frames are worthless, drop
		// instead of queueing.
		s.dropped.Add(1)
	}
	return gst.FlowOK
}
