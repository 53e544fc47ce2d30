package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/livematch/internal/capture"
	"github.com/andresmejia3/livematch/internal/embedding"
	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/query"
	"github.com/andresmejia3/livematch/internal/runtime"
	"github.com/andresmejia3/livematch/internal/segment"
	"github.com/andresmejia3/livematch/internal/types"
)

// fakeBackend puts "a cat" on the same axis as every image.
type fakeBackend struct {
	loadGate  chan struct{}
	imageGate chan struct{}
	failStage *runtime.Stage

	mu         sync.Mutex
	imageErr   error
	imageCalls atomic.Int32

	// gatedText is held in EmbedText until textGate closes.
	gatedText string
	textGate  chan struct{}
	textDone  atomic.Int32
}

func (f *fakeBackend) LoadStage(ctx context.Context, stage runtime.Stage) error {
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failStage != nil && *f.failStage == stage {
		return errors.New("weights not found")
	}
	return nil
}

func (f *fakeBackend) EmbedImage(ctx context.Context, pixels []byte, width, height int) ([]float32, error) {
	f.imageCalls.Add(1)
	if width != InputSize || height != InputSize || len(pixels) != InputSize*InputSize*4 {
		return nil, fmt.Errorf("unexpected input %dx%d (%d bytes)", width, height, len(pixels))
	}
	if f.imageGate != nil {
		select {
		case <-f.imageGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.imageErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	raw := make([]float32, embedding.Dim)
	raw[3] = 5
	return raw, nil
}

func (f *fakeBackend) setImageErr(err error) {
	f.mu.Lock()
	f.imageErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if f.textGate != nil && text == f.gatedText {
		select {
		case <-f.textGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer f.textDone.Add(1)
	}
	raw := make([]float32, embedding.Dim)
	switch text {
	case "a cat":
		raw[3] = 1
	case "a dog":
		raw[3], raw[4] = 1, 1
	default:
		raw[10+len(text)%100] = 1
	}
	return raw, nil
}

type fakeStream struct {
	frame  *types.Frame
	closed atomic.Bool
}

func (s *fakeStream) Latest() (*types.Frame, bool) { return s.frame, true }
func (s *fakeStream) Close() error                 { s.closed.Store(true); return nil }

type fakeCamera struct {
	err    error
	stream *fakeStream
}

func (c *fakeCamera) Open(ctx context.Context) (capture.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func newCamera() *fakeCamera {
	f := types.NewFrame(64, 48)
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = byte(i), byte(i/3), 200, 255
	}
	return &fakeCamera{stream: &fakeStream{frame: f}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.InferenceInterval = 20 * time.Millisecond
	cfg.SegmentationInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	s   *Session
	err chan error
}

func start(t *testing.T, b *fakeBackend, cam capture.Source, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	rt := runtime.New(b)
	rt.Start(ctx)
	t.Cleanup(rt.Close)

	s := New(cfg, rt, cam, segment.NewEngine(nil, nil), opts...)
	h := &harness{s: s, err: make(chan error, 1)}
	go func() { h.err <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func(*View) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.View()) }, 3*time.Second, 5*time.Millisecond, what)
}

func (h *harness) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.err:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func findQuery(v *View, text string) (query.Ranked, bool) {
	for _, q := range v.Queries {
		if q.Text == text {
			return q, true
		}
	}
	return query.Ranked{}, false
}

func TestSession_LiveScoring(t *testing.T) {
	h := start(t, &fakeBackend{}, newCamera(), testConfig())

	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })
	v := h.s.View()
	assert.Equal(t, "Ready", v.Stage)
	assert.Equal(t, 100, v.Percent)

	require.NoError(t, h.s.Submit("  a cat  "))

	h.waitFor(t, "a cat scored against a frame", func(v *View) bool {
		q, ok := findQuery(v, "a cat")
		return ok && v.Frames > 0 && q.ScaledScore > 99.99
	})
	v = h.s.View()
	q, _ := findQuery(v, "a cat")
	assert.InDelta(t, 1.0, q.RawScore, 1e-6)
	assert.False(t, q.Comparable, "a single query has no relative probability")
	assert.InDelta(t, 1.0, embedding.Norm(v.Embedding), 1e-5)

	h.waitFor(t, "segmentation sampled", func(v *View) bool { return len(v.Mask) == segment.Cells && len(v.Pending) == 0 })
	assert.Equal(t, "brightness", h.s.View().SegmentationMode)
}

func TestSession_SubmitWhileLoading(t *testing.T) {
	b := &fakeBackend{loadGate: make(chan struct{})}
	h := start(t, b, newCamera(), testConfig())

	assert.ErrorIs(t, h.s.Submit("a cat"), ErrNotReady)
	assert.ErrorIs(t, h.s.Submit("   "), query.ErrEmpty)
	assert.Equal(t, Loading, h.s.View().State)

	close(b.loadGate)
	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })
	assert.NoError(t, h.s.Submit("a cat"))
}

func TestSession_CameraDenied(t *testing.T) {
	cam := &fakeCamera{err: fmt.Errorf("%w: /dev/video0", capture.ErrPermissionDenied)}
	h := start(t, &fakeBackend{}, cam, testConfig())

	err := h.runErr(t)
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)

	v := h.s.View()
	assert.Equal(t, Error, v.State)
	assert.Equal(t, PermissionDeniedMessage, v.Err)
	assert.ErrorIs(t, h.s.Submit("a cat"), ErrClosed)
}

func TestSession_CameraFailureIsPermissionDenied(t *testing.T) {
	h := start(t, &fakeBackend{}, &fakeCamera{err: errors.New("no device")}, testConfig())

	assert.ErrorIs(t, h.runErr(t), capture.ErrPermissionDenied)
	assert.Equal(t, PermissionDeniedMessage, h.s.View().Err)
}

func TestSession_LoadFailureIsFatal(t *testing.T) {
	stage := runtime.StageTokenizer
	h := start(t, &fakeBackend{failStage: &stage}, newCamera(), testConfig())

	assert.ErrorIs(t, h.runErr(t), ErrEncoder)
	v := h.s.View()
	assert.Equal(t, Error, v.State)
	assert.Contains(t, v.Err, "weights not found")
	assert.Equal(t, 55, v.Percent, "progress stops at the failing stage")
}

func TestSession_InferenceFailureFatal(t *testing.T) {
	b := &fakeBackend{}
	b.setImageErr(errors.New("vision graph crashed"))
	h := start(t, b, newCamera(), testConfig())

	assert.ErrorIs(t, h.runErr(t), ErrEncoder)
	v := h.s.View()
	assert.Equal(t, Error, v.State)
	assert.Contains(t, v.Err, "vision graph crashed")
	assert.Zero(t, v.Frames)
}

func TestSession_InferenceFailureRecoverable(t *testing.T) {
	b := &fakeBackend{}
	b.setImageErr(errors.New("transient"))
	cfg := testConfig()
	cfg.FatalInferenceErrors = false
	h := start(t, b, newCamera(), cfg)

	require.Eventually(t, func() bool { return b.imageCalls.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, Live, h.s.View().State)
	assert.Zero(t, h.s.View().Frames)

	b.setImageErr(nil)
	h.waitFor(t, "frames after recovery", func(v *View) bool { return v.Frames > 0 })
	assert.Equal(t, Live, h.s.View().State)
}

func skippedTotal(t *testing.T, rec *metrics.Recorder) float64 {
	t.Helper()
	mfs, err := rec.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "livematch_inference_skipped_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestSession_SkipsBusyInference(t *testing.T) {
	b := &fakeBackend{imageGate: make(chan struct{})}
	rec := metrics.New(nil)
	h := start(t, b, newCamera(), testConfig(), WithMetrics(rec))

	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })
	require.Eventually(t, func() bool { return skippedTotal(t, rec) >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), b.imageCalls.Load(), "only one inference may be in flight")

	close(b.imageGate)
	h.waitFor(t, "frame", func(v *View) bool { return v.Frames > 0 })
}

func TestSession_RemoveQuery(t *testing.T) {
	h := start(t, &fakeBackend{}, newCamera(), testConfig())
	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })

	require.NoError(t, h.s.Submit("a cat"))
	require.NoError(t, h.s.Submit("a dog"))
	h.waitFor(t, "both scored", func(v *View) bool { return len(v.Queries) == 2 && v.Frames > 0 })
	h.waitFor(t, "rescored", func(v *View) bool { return v.Queries[0].ScaledScore > 99.99 })

	v := h.s.View()
	assert.Equal(t, "a cat", v.Queries[0].Text, "ranked by scaled score")
	assert.True(t, v.Queries[0].Comparable)
	assert.InDelta(t, 100.0, v.Queries[0].Probability+v.Queries[1].Probability, 1e-3)

	removed, err := h.s.Remove("a dog")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.s.Remove("a bird")
	require.NoError(t, err)
	assert.False(t, removed)

	// Later batches must not bring the removed query back.
	frames := h.s.View().Frames
	h.waitFor(t, "another frame", func(v *View) bool { return v.Frames > frames+1 })
	v = h.s.View()
	require.Len(t, v.Queries, 1)
	assert.Equal(t, "a cat", v.Queries[0].Text)
}

func TestSession_RemoveWhileEncoding(t *testing.T) {
	b := &fakeBackend{gatedText: "a bird", textGate: make(chan struct{})}
	h := start(t, b, newCamera(), testConfig())
	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })

	require.NoError(t, h.s.Submit("a cat"))
	require.NoError(t, h.s.Submit("a bird"))
	h.waitFor(t, "bird pending", func(v *View) bool {
		_, scored := findQuery(v, "a cat")
		return scored && len(v.Pending) == 1 && v.Pending[0] == "a bird"
	})

	removed, err := h.s.Remove("a bird")
	require.NoError(t, err)
	assert.True(t, removed)
	h.waitFor(t, "bird dropped", func(v *View) bool { return len(v.Pending) == 0 })

	close(b.textGate)
	require.Eventually(t, func() bool { return b.textDone.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The late text result and later batches must not bring it back.
	frames := h.s.View().Frames
	h.waitFor(t, "two more frames", func(v *View) bool { return v.Frames >= frames+2 })
	v := h.s.View()
	_, found := findQuery(v, "a bird")
	assert.False(t, found)
	assert.Empty(t, v.Pending)
	require.Len(t, v.Queries, 1)
	assert.Equal(t, "a cat", v.Queries[0].Text)
}

func TestSession_QueryCap(t *testing.T) {
	h := start(t, &fakeBackend{}, newCamera(), testConfig())
	h.waitFor(t, "live", func(v *View) bool { return v.State == Live })

	for i := 0; i <= query.MaxQueries; i++ {
		text := fmt.Sprintf("query %d", i)
		require.NoError(t, h.s.Submit(text))
		h.waitFor(t, text, func(v *View) bool {
			_, ok := findQuery(v, text)
			return ok
		})
	}

	v := h.s.View()
	assert.Len(t, v.Queries, query.MaxQueries)
	_, ok := findQuery(v, "query 0")
	assert.False(t, ok, "oldest query dropped")
}

func TestSession_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := runtime.New(&fakeBackend{})
	rt.Start(ctx)
	t.Cleanup(rt.Close)

	cam := newCamera()
	s := New(testConfig(), rt, cam, segment.NewEngine(nil, nil))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.View().State == Live }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.True(t, cam.stream.closed.Load(), "stream closed on exit")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_camera", AwaitingCameraPermission.String())
	assert.Equal(t, "state(9)", State(9).String())
}
