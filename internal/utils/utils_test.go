package utils

import (
	"context"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/livematch/internal/types"
)

func TestResizeFrame(t *testing.T) {
	src := types.NewFrame(64, 48)
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 200, 100, 50, 255
	}

	out := ResizeFrame(src, 224, 224)
	require.True(t, out.Valid())
	assert.Equal(t, 224, out.Width)
	assert.Equal(t, 224, out.Height)
	assert.Equal(t, []byte{200, 100, 50, 255}, out.Pix[:4])

	// The result must not share memory with the source.
	out.Pix[0] = 1
	assert.Equal(t, byte(200), src.Pix[0])
}

func TestMirroredGrid(t *testing.T) {
	// Left half black, right half white.
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			c := color.RGBA{A: 255}
			if x >= 32 {
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	grid := MirroredGrid(img, 32, 16)
	require.Equal(t, image.Rect(0, 0, 32, 16), grid.Bounds())

	// After the mirror, white is on the left.
	assert.Equal(t, uint8(255), grid.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(0), grid.NRGBAAt(31, 0).R)
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, "boom", strings.TrimSpace(cmd.Logs()))
}

func TestNewFFmpegCapture(t *testing.T) {
	cam := NewFFmpegCapture(context.Background(), CaptureSpec{Format: "v4l2", Device: "/dev/video0", Width: 640, Height: 480, FPS: 15})
	args := strings.Join(cam.Args, " ")
	assert.Contains(t, args, "-f v4l2 -framerate 15 -i /dev/video0")
	assert.Contains(t, args, "scale=640:480")
	assert.Contains(t, args, "-pix_fmt rgba")

	file := NewFFmpegCapture(context.Background(), CaptureSpec{Device: "clip.mp4", Width: 320, Height: 240, Loop: true})
	args = strings.Join(file.Args, " ")
	assert.Contains(t, args, "-re -stream_loop -1 -i clip.mp4")
}
