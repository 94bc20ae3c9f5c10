// Package gstreamer provides the media pipelines of the client: H.264
// encoding and decoding and live frame capture, built on GStreamer
// through the go-gst bindings.
//
// Everything in this package needs the GStreamer runtime (cgo). Code
// that only consumes frames or encoded chunks should depend on the
// interfaces in the video and channels packages instead and let the
// binary wire the concrete pipelines in.
package gstreamer
