// Package video defines the raw and encoded frame types shared by the
// capture sources, the encode pipeline and the channel layer.
package video

import (
	"fmt"
	"image"
)

// Frame is one uncompressed video frame in packed RGB24 order,
// 3 bytes per pixel, no padding between rows.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp int64 // capture time, nanoseconds since the Unix epoch
	Seq       uint64
}

// Validate checks that the frame geometry matches the pixel data.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.Data) != want {
		return fmt.Errorf("invalid RGB data size: got %d, expected %d", len(f.Data), want)
	}
	return nil
}

// ToRGBA expands the packed RGB data into an image.RGBA with an
// opaque alpha channel, the form the JPEG encoder consumes.
func (f Frame) ToRGBA() (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[i*4+0] = f.Data[i*3+0]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}

// FromImage flattens any image into a packed RGB frame.
func FromImage(img image.Image, timestamp int64, seq uint64) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			data[i+0] = uint8(r >> 8)
			data[i+1] = uint8(g >> 8)
			data[i+2] = uint8(bl >> 8)
			i += 3
		}
	}
	return Frame{Data: data, Width: w, Height: h, Timestamp: timestamp, Seq: seq}
}

// EncodedChunk is one H.264 bitstream chunk produced by the encode
// pipeline. Timestamp is the capture timestamp of the source frame the
// chunk was encoded from, not the time the chunk was emitted.
type EncodedChunk struct {
	Data      []byte
	Timestamp int64
	KeyFrame  bool
}
