// Package runtime hosts the encoder models in an isolated goroutine. The
// session talks to it only through protocol messages: requests go in through
// Send, responses come back on Responses.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/livematch/internal/embedding"
	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/protocol"
	"github.com/andresmejia3/livematch/internal/score"
	"github.com/andresmejia3/livematch/internal/textcache"
)

// ErrNotReady is returned for encode requests that arrive before Ready.
var ErrNotReady = errors.New("encoder models are not loaded")

// ErrClosed is returned by Send once the runtime has stopped.
var ErrClosed = errors.New("encoder runtime is closed")

// ErrInvalidInput is returned for an Infer whose buffer is not an
// InputSize x InputSize RGBA image.
var ErrInvalidInput = errors.New("invalid infer input")

// InputSize is the square side of frames the vision encoder accepts.
const InputSize = 224

// Stage is one of the sequential model loads.
type Stage int

const (
	StageImageProcessor Stage = iota
	StageVisionModel
	StageTokenizer
	StageTextModel
)

func (s Stage) String() string {
	switch s {
	case StageImageProcessor:
		return "image_processor"
	case StageVisionModel:
		return "vision_model"
	case StageTokenizer:
		return "tokenizer"
	case StageTextModel:
		return "text_model"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Backend is the model library the runtime drives.
type Backend interface {
	LoadStage(ctx context.Context, stage Stage) error
	EmbedImage(ctx context.Context, pixels []byte, width, height int) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type loadStep struct {
	stage Stage
	label string // empty: no progress event before this stage
	pct   int
}

// loadPlan announces progress before each stage. The tokenizer and text model
// load under a single "text encoder" step.
var loadPlan = []loadStep{
	{StageImageProcessor, "Loading image processor...", 5},
	{StageVisionModel, "Loading vision model...", 25},
	{StageTokenizer, "Loading text encoder...", 55},
	{StageTextModel, "", 0},
}

// ReadyStage is the label of the terminal progress event.
const ReadyStage = "Ready"

// Runtime owns the model handles, the text cache and the latest image
// embedding. Nothing outside the runtime goroutines touches them.
type Runtime struct {
	backend Backend
	encoder *textcache.Encoder
	logger  *zap.Logger
	metrics *metrics.Recorder

	image atomic.Pointer[frameEmbedding]
	ready atomic.Bool

	in      chan protocol.Request
	out     chan protocol.Response
	done    chan struct{}
	stopped chan struct{} // closed when run exits
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// frameEmbedding is an image embedding tagged with the Infer it answers.
type frameEmbedding struct {
	seq uint64
	vec embedding.Embedding
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runtime) { r.metrics = m }
}

// New creates a runtime around backend. Call Start before sending.
func New(backend Backend, opts ...Option) *Runtime {
	r := &Runtime{
		backend: backend,
		logger:  zap.NewNop(),
		in:      make(chan protocol.Request, 16),
		out:     make(chan protocol.Response, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.encoder = textcache.NewEncoder(textcache.New(textcache.DefaultCapacity), backend.EmbedText, r.logger, r.metrics)
	return r
}

// Start launches the runtime goroutine. It stops when ctx is cancelled or Close is called.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Send queues a request. It never waits for the request to be processed.
func (r *Runtime) Send(ctx context.Context, req protocol.Request) error {
	select {
	case <-r.done:
		return ErrClosed
	case <-r.stopped:
		return ErrClosed
	default:
	}
	select {
	case r.in <- req:
		return nil
	case <-r.done:
		return ErrClosed
	case <-r.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses is closed after the runtime stops.
func (r *Runtime) Responses() <-chan protocol.Response {
	return r.out
}

// Close stops the runtime and waits for in-flight handlers. Model calls that
// never return keep their handler alive; Close waits for those too.
func (r *Runtime) Close() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		close(r.done)
		r.wg.Wait()
		close(r.out)
	})
}

// Cache exposes the text cache for inspection.
func (r *Runtime) Cache() *textcache.Cache {
	return r.encoder.Cache()
}

func (r *Runtime) run(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case req := <-r.in:
			r.dispatch(ctx, req)
		}
	}
}

// dispatch hands each request to its own goroutine so a slow model call never
// holds up the inbox.
func (r *Runtime) dispatch(ctx context.Context, req protocol.Request) {
	var handle func(context.Context)

	switch req := req.(type) {
	case protocol.Load:
		handle = r.load
	case protocol.Infer:
		handle = func(ctx context.Context) { r.infer(ctx, req) }
	case protocol.EncodeText:
		handle = func(ctx context.Context) { r.encodeText(ctx, req) }
	case protocol.ScoreBatch:
		handle = func(ctx context.Context) { r.scoreBatch(ctx, req) }
	default:
		r.emit(ctx, protocol.Error{Message: fmt.Sprintf("unknown request type %T", req)})
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		handle(ctx)
	}()
}

func (r *Runtime) emit(ctx context.Context, resp protocol.Response) {
	select {
	case r.out <- resp:
	case <-ctx.Done():
	}
}

func (r *Runtime) fail(ctx context.Context, e protocol.Error, err error) {
	e.Message = fmt.Sprintf("%+v", errors.WithStack(err))
	r.metrics.EncoderFailure(string(e.Op))
	r.logger.Error("encoder request failed", zap.String("op", string(e.Op)), zap.Error(err))
	r.emit(ctx, e)
}

func (r *Runtime) load(ctx context.Context) {
	for _, step := range loadPlan {
		if step.label != "" {
			r.emit(ctx, protocol.Progress{Stage: step.label, Percent: step.pct})
		}
		r.logger.Info("loading model stage", zap.Stringer("stage", step.stage))
		if err := r.backend.LoadStage(ctx, step.stage); err != nil {
			r.fail(ctx, protocol.Error{Op: protocol.KindLoad}, fmt.Errorf("load %s: %w", step.stage, err))
			return
		}
	}

	r.ready.Store(true)
	r.emit(ctx, protocol.Progress{Stage: ReadyStage, Percent: 100})
	r.emit(ctx, protocol.Ready{})
	r.logger.Info("encoder models ready")
}

func (r *Runtime) infer(ctx context.Context, req protocol.Infer) {
	if !r.ready.Load() {
		r.fail(ctx, protocol.Error{Op: protocol.KindInfer, Seq: req.Seq}, ErrNotReady)
		return
	}

	if req.Width != InputSize || req.Height != InputSize || len(req.Pixels) != req.Width*req.Height*4 {
		err := fmt.Errorf("%w: %dx%d with %d bytes, want %dx%d RGBA",
			ErrInvalidInput, req.Width, req.Height, len(req.Pixels), InputSize, InputSize)
		r.fail(ctx, protocol.Error{Op: protocol.KindInfer, Seq: req.Seq}, err)
		return
	}

	raw, err := r.backend.EmbedImage(ctx, req.Pixels, req.Width, req.Height)
	if err != nil {
		r.fail(ctx, protocol.Error{Op: protocol.KindInfer, Seq: req.Seq}, err)
		return
	}
	vec, err := embedding.Normalize(raw)
	if err != nil {
		r.fail(ctx, protocol.Error{Op: protocol.KindInfer, Seq: req.Seq}, err)
		return
	}

	// The sender still gets the result so it can clear its in-flight slot.
	if !r.storeImage(req.Seq, vec) {
		r.logger.Debug("older inference finished late, current image kept", zap.Uint64("seq", req.Seq))
	}
	r.emit(ctx, protocol.Result{Seq: req.Seq, Embedding: vec})
}

// storeImage swaps in vec unless an embedding from a newer Infer is already
// current. Infer sequence numbers must increase.
func (r *Runtime) storeImage(seq uint64, vec embedding.Embedding) bool {
	next := &frameEmbedding{seq: seq, vec: vec}
	for {
		cur := r.image.Load()
		if cur != nil && cur.seq >= seq {
			return false
		}
		if r.image.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (r *Runtime) currentImage() embedding.Embedding {
	if p := r.image.Load(); p != nil {
		return p.vec
	}
	return nil
}

func (r *Runtime) encodeText(ctx context.Context, req protocol.EncodeText) {
	if !r.ready.Load() {
		r.fail(ctx, protocol.Error{Op: protocol.KindEncodeText, ID: req.ID}, ErrNotReady)
		return
	}

	vec, err := r.encoder.Encode(ctx, req.Text)
	if err != nil {
		r.fail(ctx, protocol.Error{Op: protocol.KindEncodeText, ID: req.ID}, err)
		return
	}
	res, err := score.Score(req.Text, r.currentImage(), vec)
	if err != nil {
		r.fail(ctx, protocol.Error{Op: protocol.KindEncodeText, ID: req.ID}, err)
		return
	}
	r.emit(ctx, protocol.TextResult{ID: req.ID, Result: res})
}

func (r *Runtime) scoreBatch(ctx context.Context, req protocol.ScoreBatch) {
	if !r.ready.Load() {
		r.fail(ctx, protocol.Error{Op: protocol.KindScoreBatch}, ErrNotReady)
		return
	}
	// Every score in a batch is taken against the same frame.
	image := r.currentImage()
	if image == nil {
		return
	}

	results := make([]score.Result, len(req.Texts))
	g, gctx := errgroup.WithContext(ctx)
	for i, text := range req.Texts {
		g.Go(func() error {
			vec, err := r.encoder.Encode(gctx, text)
			if err != nil {
				return fmt.Errorf("encode %q: %w", text, err)
			}
			res, err := score.Score(text, image, vec)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.fail(ctx, protocol.Error{Op: protocol.KindScoreBatch}, err)
		return
	}

	r.logger.Debug("batch re-scored", zap.Int("texts", len(results)))
	r.emit(ctx, protocol.BatchResult{Results: results})
}
