package video

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kapim/era-5g-client/core/logx"
)

// TestPattern generates synthetic frames at a fixed rate: a gradient
// that shifts one step per frame, so consecutive frames differ and
// encoders have real content to work on. It needs no hardware and no
// GStreamer, which makes it the default source for tests and demos.
type TestPattern struct {
	width  int
	height int
	fps    int

	framesCh chan Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   bool
	startTime time.Time

	seq     atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewTestPattern creates a test-pattern source. fps must be in 1..120
// and both dimensions positive.
func NewTestPattern(width, height, fps int) (*TestPattern, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid test pattern geometry %dx%d", width, height)
	}
	if fps < 1 || fps > 120 {
		return nil, fmt.Errorf("invalid test pattern fps %d", fps)
	}
	return &TestPattern{
		width:    width,
		height:   height,
		fps:      fps,
		framesCh: make(chan Frame, 10),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins generating frames. The returned channel is closed when
// the source stops.
func (p *TestPattern) Start(ctx context.Context) (<-chan Frame, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, fmt.Errorf("test pattern already running")
	}
	p.running = true
	p.startTime = time.Now()
	p.mu.Unlock()

	logx.Log.Info().
		Int("width", p.width).Int("height", p.height).Int("fps", p.fps).
		Msg("test pattern source starting")

	p.wg.Add(1)
	go p.generate(ctx)
	return p.framesCh, nil
}

// Stop halts frame generation and closes the frame channel. Calling
// Stop on a stopped source is a no-op.
func (p *TestPattern) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.framesCh)

	logx.Log.Info().
		Uint64("frames_emitted", p.emitted.Load()).
		Uint64("frames_dropped", p.dropped.Load()).
		Msg("test pattern source stopped")
	return nil
}

// Stats returns an operational snapshot.
func (p *TestPattern) Stats() SourceStats {
	p.mu.Lock()
	running := p.running
	start := p.startTime
	p.mu.Unlock()

	var fpsReal float64
	emitted := p.emitted.Load()
	if running && emitted > 0 {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}
	return SourceStats{
		FramesEmitted: emitted,
		FramesDropped: p.dropped.Load(),
		FPSTarget:     p.fps,
		FPSReal:       fpsReal,
		Running:       running,
	}
}

func (p *TestPattern) generate(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			frame := p.nextFrame()
			select {
			case p.framesCh <- frame:
				p.emitted.Add(1)
			default:
				// Consumer is behind. Stale frames are worthless,
				// drop instead of queueing.
				p.dropped.Add(1)
			}
		}
	}
}

func (p *TestPattern) nextFrame() Frame {
	seq := p.seq.Add(1) - 1
	data := make([]byte, p.width*p.height*3)
	shift := int(seq % 256)
	i := 0
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			data[i+0] = uint8((x + shift) % 256)
			data[i+1] = uint8((y + shift) % 256)
			data[i+2] = uint8((x + y) % 256)
			i += 3
		}
	}
	return Frame{
		Data:      data,
		Width:     p.width,
		Height:    p.height,
		Timestamp: time.Now().UnixNano(),
		Seq:       seq,
	}
}
