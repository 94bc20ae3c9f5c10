package video

import "context"

// Source is a live producer of raw frames. Start returns the frame
// channel; the channel is closed when the source stops. Implementations
// must never block frame delivery: when the consumer lags, frames are
// dropped and counted.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
	Stats() SourceStats
}

// SourceStats is an operational snapshot of a running source.
type SourceStats struct {
	FramesEmitted uint64  `json:"frames_emitted"`
	FramesDropped uint64  `json:"frames_dropped"`
	FPSTarget     int     `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Running       bool    `json:"running"`
}
