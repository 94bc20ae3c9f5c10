package gstreamer

import (
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/Kapim/era-5g-client/core/logx"
)

// watchBus drains pipeline bus messages until end of stream, a
// pipeline error, or a stop signal. onFatal is invoked once for a
// pipeline error; end of stream just ends the watch. The returned
// channel closes when the watcher exits.
func watchBus(pipeline *gst.Pipeline, name string, stop <-chan struct{}, onFatal func(error)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus := pipeline.GetPipelineBus()
		for {
			select {
			case <-stop:
				return
			default:
			}

			// Short poll keeps shutdown responsive.
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				logx.Log.Debug().Str("pipeline", name).Msg("pipeline reached end of stream")
				return
			case gst.MessageError:
				gerr := msg.ParseError()
				logx.Log.Error().
					Str("pipeline", name).
					Str("debug", gerr.DebugString()).
					Msg("pipeline error: " + gerr.Error())
				if onFatal != nil {
					onFatal(gerr)
				}
				return
			}
		}
	}()
	return done
}
