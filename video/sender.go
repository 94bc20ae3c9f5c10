package video

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Kapim/era-5g-client/core/logx"
)

// ChunkSink receives encoded chunks for transport. Implementations
// decide the delivery policy; SendChunk returning an error means the
// chunk was not accepted.
type ChunkSink interface {
	SendChunk(c EncodedChunk) error
}

// SenderStats is a point-in-time snapshot of sender counters.
type SenderStats struct {
	ChunksOut    uint64 `json:"chunks_out"`
	SendFailures uint64 `json:"send_failures"`
	PushFailures uint64 `json:"push_failures"`
}

// DataSender pushes raw frames into an encode pipeline and forwards
// the encoded chunks to a ChunkSink. The chunk timestamp equals the
// timestamp of the frame it encodes, so receivers can correlate
// results with captured frames.
type DataSender struct {
	enc  FrameEncoder
	sink ChunkSink

	chunksOut    atomic.Uint64
	sendFailures atomic.Uint64
	pushFailures atomic.Uint64
}

// NewDataSender builds a sender around a fresh encode pipeline from
// factory. The pipeline is configured but not started.
func NewDataSender(cfg EncoderConfig, factory EncoderFactory, sink ChunkSink) (*DataSender, error) {
	if factory == nil {
		return nil, errors.New("nil encoder factory")
	}
	if sink == nil {
		return nil, errors.New("nil chunk sink")
	}
	ds := &DataSender{sink: sink}
	enc, err := factory(cfg, ds.forward)
	if err != nil {
		return nil, err
	}
	ds.enc = enc
	return ds, nil
}

// Start begins streaming.
func (ds *DataSender) Start() error { return ds.enc.Start() }

// Send submits one frame for encoding. The encoded output arrives at
// the sink asynchronously.
func (ds *DataSender) Send(f Frame) error {
	if err := ds.enc.Push(f); err != nil {
		ds.pushFailures.Add(1)
		return err
	}
	return nil
}

// Stop tears the pipeline down. Safe to call more than once.
func (ds *DataSender) Stop() error { return ds.enc.Stop() }

// State reports the pipeline state.
func (ds *DataSender) State() PipelineState { return ds.enc.State() }

// Stats returns sender counters.
func (ds *DataSender) Stats() SenderStats {
	return SenderStats{
		ChunksOut:    ds.chunksOut.Load(),
		SendFailures: ds.sendFailures.Load(),
		PushFailures: ds.pushFailures.Load(),
	}
}

func (ds *DataSender) forward(c EncodedChunk) {
	if err := ds.sink.SendChunk(c); err != nil {
		ds.sendFailures.Add(1)
		logx.Log.Debug().Err(err).Int64("timestamp", c.Timestamp).Msg("encoded chunk not sent")
		return
	}
	ds.chunksOut.Add(1)
}

// DataSenderFromSource couples a frame source to a DataSender and
// pumps frames between them on its own goroutine. It is the pull
// variant of DataSender for callers that own a Source rather than
// individual frames.
type DataSenderFromSource struct {
	sender *DataSender
	src    Source

	startOnce sync.Once
	stopOnce  sync.Once
	pumpWG    sync.WaitGroup
}

// NewDataSenderFromSource builds the sender. Neither the source nor
// the pipeline is started yet.
func NewDataSenderFromSource(src Source, cfg EncoderConfig, factory EncoderFactory, sink ChunkSink) (*DataSenderFromSource, error) {
	if src == nil {
		return nil, errors.New("nil frame source")
	}
	sender, err := NewDataSender(cfg, factory, sink)
	if err != nil {
		return nil, err
	}
	return &DataSenderFromSource{sender: sender, src: src}, nil
}

// Start starts the pipeline and the source and begins pumping frames.
// Subsequent calls are no-ops.
func (ds *DataSenderFromSource) Start(ctx context.Context) error {
	var startErr error
	ds.startOnce.Do(func() {
		if err := ds.sender.Start(); err != nil {
			startErr = err
			return
		}
		frames, err := ds.src.Start(ctx)
		if err != nil {
			_ = ds.sender.Stop()
			startErr = err
			return
		}
		ds.pumpWG.Add(1)
		go ds.pump(frames)
	})
	return startErr
}

func (ds *DataSenderFromSource) pump(frames <-chan Frame) {
	defer ds.pumpWG.Done()
	for f := range frames {
		if err := ds.sender.Send(f); err != nil {
			logx.Log.Debug().Err(err).Uint64("seq", f.Seq).Msg("frame not encoded")
		}
	}
	logx.Log.Debug().Msg("frame pump finished")
}

// Stop stops the source, waits for the pump to drain, then tears the
// pipeline down. Safe to call more than once.
func (ds *DataSenderFromSource) Stop() error {
	var err error
	ds.stopOnce.Do(func() {
		srcErr := ds.src.Stop()
		ds.pumpWG.Wait()
		encErr := ds.sender.Stop()
		err = errors.Join(srcErr, encErr)
	})
	return err
}

// State reports the pipeline state.
func (ds *DataSenderFromSource) State() PipelineState { return ds.sender.State() }

// Stats returns sender counters.
func (ds *DataSenderFromSource) Stats() SenderStats { return ds.sender.Stats() }
