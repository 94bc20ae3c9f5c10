package video

import (
	"bytes"
	"testing"
)

func TestFrameValidate(t *testing.T) {
	good := Frame{Data: make([]byte, 4*2*3), Width: 4, Height: 2}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}

	cases := []struct {
		name  string
		frame Frame
	}{
		{"short data", Frame{Data: make([]byte, 5), Width: 4, Height: 2}},
		{"zero width", Frame{Data: make([]byte, 24), Width: 0, Height: 2}},
		{"negative height", Frame{Data: make([]byte, 24), Width: 4, Height: -1}},
	}
	for _, tc := range cases {
		if err := tc.frame.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestFrameRGBARoundTrip(t *testing.T) {
	src := Frame{Data: make([]byte, 3*2*3), Width: 3, Height: 2, Timestamp: 42, Seq: 7}
	for i := range src.Data {
		src.Data[i] = byte(i * 11)
	}

	img, err := src.ToRGBA()
	if err != nil {
		t.Fatalf("ToRGBA: %v", err)
	}
	back := FromImage(img, src.Timestamp, src.Seq)

	if back.Width != src.Width || back.Height != src.Height {
		t.Fatalf("geometry changed: %dx%d -> %dx%d", src.Width, src.Height, back.Width, back.Height)
	}
	if !bytes.Equal(back.Data, src.Data) {
		t.Errorf("pixel data changed through RGBA round trip")
	}
	if back.Timestamp != 42 || back.Seq != 7 {
		t.Errorf("metadata not carried: ts=%d seq=%d", back.Timestamp, back.Seq)
	}
}

func TestToRGBAInvalidFrame(t *testing.T) {
	bad := Frame{Data: []byte{1, 2, 3}, Width: 10, Height: 10}
	if _, err := bad.ToRGBA(); err == nil {
		t.Fatal("expected error for mismatched data size")
	}
}
