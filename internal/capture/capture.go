// Package capture streams frames from a camera (or any FFmpeg-readable input).
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/types"
	"github.com/andresmejia3/livematch/internal/utils"
)

// ErrPermissionDenied means the camera could not be opened. It ends the session.
var ErrPermissionDenied = errors.New("camera access denied")

// Source opens a live frame stream. Open returns once the first frame has been
// decoded, or fails with an error wrapping ErrPermissionDenied.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream exposes the most recent frame. Frames are never mutated after they
// are published, so callers may keep them.
type Stream interface {
	Latest() (*types.Frame, bool)
	Close() error
}

// FFmpegSource captures through an ffmpeg child process emitting raw RGBA.
type FFmpegSource struct {
	Spec   utils.CaptureSpec
	Logger *zap.Logger
}

func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Spec.Width <= 0 || s.Spec.Height <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", s.Spec.Width, s.Spec.Height)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCapture(ctx, s.Spec)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	st := newStream(out, s.Spec.Width, s.Spec.Height)
	st.stop = func() {
		cancel()
		// Wait closes stdout; let the pump finish reading first.
		<-st.exited
		cmd.Wait()
	}

	select {
	case <-st.first:
		logger.Info("camera acquired",
			zap.String("device", s.Spec.Device),
			zap.Int("width", s.Spec.Width),
			zap.Int("height", s.Spec.Height))
		return st, nil
	case <-st.exited:
		st.Close()
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, describe(cmd.Logs(), st.err))
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
}

// describe picks the most useful line of ffmpeg's stderr.
func describe(logs string, err error) string {
	for _, line := range strings.Split(strings.TrimSpace(logs), "\n") {
		if strings.Contains(line, "Permission denied") || strings.Contains(line, "No such file") {
			return strings.TrimSpace(line)
		}
	}
	if logs = strings.TrimSpace(logs); logs != "" {
		return logs
	}
	if err != nil {
		return err.Error()
	}
	return "capture ended before the first frame"
}

// stream decodes fixed-size RGBA frames from r and keeps the newest one.
type stream struct {
	r             io.Reader
	width, height int

	latest atomic.Pointer[types.Frame]
	count  atomic.Uint64

	first     chan struct{}
	firstOnce sync.Once
	exited    chan struct{}
	err       error // set before exited is closed

	stop      func()
	closeOnce sync.Once
}

func newStream(r io.Reader, width, height int) *stream {
	st := &stream{
		r:      r,
		width:  width,
		height: height,
		first:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go st.pump()
	return st
}

func (s *stream) pump() {
	defer close(s.exited)
	frameSize := s.width * s.height * 4
	for {
		// Fresh buffer per frame: published frames are shared with readers.
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return
		}
		s.latest.Store(&types.Frame{Width: s.width, Height: s.height, Pix: buf})
		s.count.Add(1)
		s.firstOnce.Do(func() { close(s.first) })
	}
}

func (s *stream) Latest() (*types.Frame, bool) {
	f := s.latest.Load()
	return f, f != nil
}

// Frames returns how many frames have been decoded.
func (s *stream) Frames() uint64 {
	return s.count.Load()
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}
