package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// lockedBuffer lets exec's stderr copier and our error reporting share a buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python / FFmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *lockedBuffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// The process is killed when ctx is cancelled. It does not start the command.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns everything the process wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 LIVEMATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera Capture ---

// CaptureSpec describes the device FFmpeg reads from.
type CaptureSpec struct {
	Format string // FFmpeg input format (v4l2, avfoundation, dshow); empty for files and URLs
	Device string
	Width  int
	Height int
	FPS    int
	Loop   bool // restart file inputs at EOF
}

// NewFFmpegCapture creates a decoder that emits raw RGBA frames of Width x Height on stdout.
func NewFFmpegCapture(ctx context.Context, spec CaptureSpec) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if spec.Format != "" {
		args = append(args, "-f", spec.Format)
		if spec.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(spec.FPS))
		}
	} else {
		// Files are paced at their native rate so they behave like a live feed.
		args = append(args, "-re")
		if spec.Loop {
			args = append(args, "-stream_loop", "-1")
		}
	}
	args = append(args, "-i", spec.Device,
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}
