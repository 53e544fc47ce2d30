package utils

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/livematch/internal/types"
)

// ResizeFrame scales a frame to width x height into a fresh buffer the caller owns.
func ResizeFrame(f *types.Frame, width, height int) *types.Frame {
	return FromImage(imaging.Resize(f.RGBA(), width, height, imaging.Linear))
}

// MirroredGrid downsamples src to cols x rows and flips it horizontally so the
// grid matches what a user sees in a front-facing camera.
func MirroredGrid(src image.Image, cols, rows int) *image.NRGBA {
	return imaging.FlipH(imaging.Resize(src, cols, rows, imaging.Box))
}

// FromImage copies any image into a packed RGBA Frame.
func FromImage(img image.Image) *types.Frame {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	f := types.NewFrame(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		copy(f.Pix[y*f.Width*4:(y+1)*f.Width*4], nrgba.Pix[y*nrgba.Stride:y*nrgba.Stride+b.Dx()*4])
	}
	return f
}
