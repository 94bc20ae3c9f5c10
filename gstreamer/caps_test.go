package gstreamer

import (
	"errors"
	"testing"

	"github.com/Kapim/era-5g-client/video"
)

func TestRawVideoCaps(t *testing.T) {
	got := rawVideoCaps("RGB", 640, 480, 30)
	want := "video/x-raw,format=RGB,width=640,height=480,framerate=30/1"
	if got != want {
		t.Fatalf("caps = %q, want %q", got, want)
	}

	got = rawVideoCaps("I420", 1280, 720, 0)
	want = "video/x-raw,format=I420,width=1280,height=720"
	if got != want {
		t.Fatalf("caps without framerate = %q, want %q", got, want)
	}
}

func TestCaptureConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  CaptureConfig
		ok   bool
	}{
		{"device", CaptureConfig{Device: "/dev/video0", Width: 640, Height: 480, FPS: 30}, true},
		{"file", CaptureConfig{Location: "clip.mp4", Width: 640, Height: 480, FPS: 15}, true},
		{"no source", CaptureConfig{Width: 640, Height: 480, FPS: 30}, false},
		{"both sources", CaptureConfig{Device: "/dev/video0", Location: "clip.mp4", Width: 640, Height: 480, FPS: 30}, false},
		{"bad geometry", CaptureConfig{Device: "/dev/video0", Width: 0, Height: 480, FPS: 30}, false},
		{"bad fps", CaptureConfig{Device: "/dev/video0", Width: 640, Height: 480, FPS: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, video.ErrInvalidConfig) {
					t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
				}
			}
		})
	}
}
