package types

import "image"

// Frame is a single decoded camera frame in packed RGBA (4 bytes per pixel, no padding).
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) *Frame {
	return &Frame{Width: width, Height: height, Pix: make([]byte, width*height*4)}
}

// RGBA wraps the pixel buffer without copying.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Valid reports whether Pix matches the frame dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*4
}
