package gstreamer

import "fmt"

// bitstreamCaps describes the Annex B byte stream the encoder emits
// and the decoder accepts.
const bitstreamCaps = "video/x-h264,stream-format=byte-stream"

// rawVideoCaps builds a raw video caps string. fps <= 0 leaves the
// framerate unconstrained.
func rawVideoCaps(format string, width, height, fps int) string {
	if fps > 0 {
		return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
			format, width, height, fps)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, width, height)
}
