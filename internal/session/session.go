// Package session drives one live matching session: it loads the encoder
// models, opens the camera, schedules inference and segmentation, and keeps
// the query list scored against the latest frame.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/capture"
	"github.com/andresmejia3/livematch/internal/embedding"
	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/protocol"
	"github.com/andresmejia3/livematch/internal/query"
	"github.com/andresmejia3/livematch/internal/runtime"
	"github.com/andresmejia3/livematch/internal/segment"
	"github.com/andresmejia3/livematch/internal/types"
	"github.com/andresmejia3/livematch/internal/utils"
)

// InputSize is the square side of frames handed to the vision encoder.
const InputSize = runtime.InputSize

// PermissionDeniedMessage is what the view shows when the camera cannot be opened.
const PermissionDeniedMessage = "Camera access denied. Please allow camera and reload."

var (
	// ErrClosed is returned by commands issued after Run has returned.
	ErrClosed = errors.New("session is closed")
	// ErrNotReady is returned by Submit while the models are still loading.
	ErrNotReady = errors.New("models are still loading")
	// ErrEncoder wraps every fatal error reported by the encoder runtime.
	ErrEncoder = errors.New("encoder failure")
)

type State int

const (
	Loading State = iota
	AwaitingCameraPermission
	Live
	Error
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case AwaitingCameraPermission:
		return "awaiting_camera"
	case Live:
		return "live"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Encoder is the session's view of the encoder runtime.
type Encoder interface {
	Send(ctx context.Context, req protocol.Request) error
	Responses() <-chan protocol.Response
}

// Segmenter samples frames into the display mask.
type Segmenter interface {
	Sample(ctx context.Context, f *types.Frame) bool
	Mask() segment.Mask
	Mode() string
}

type Config struct {
	InitialDelay         time.Duration
	InferenceInterval    time.Duration
	SegmentationInterval time.Duration

	// SkipBusyInference drops a scheduled inference while the previous one
	// has not answered yet.
	SkipBusyInference bool
	// FatalInferenceErrors ends the session on any failed encode request.
	// When false, failures are logged and the frame or query is skipped.
	FatalInferenceErrors bool

	MaxQueries int
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:         600 * time.Millisecond,
		InferenceInterval:    1500 * time.Millisecond,
		SegmentationInterval: 150 * time.Millisecond,
		SkipBusyInference:    true,
		FatalInferenceErrors: true,
		MaxQueries:           query.MaxQueries,
	}
}

// View is an immutable snapshot of everything a renderer needs.
type View struct {
	State            State
	Stage            string
	Percent          int
	Embedding        embedding.Embedding
	Mask             segment.Mask
	SegmentationMode string
	Queries          []query.Ranked
	Pending          []string
	InferenceLatency time.Duration
	Frames           uint64
	Err              string
}

type pendingQuery struct {
	id   string
	text string
}

type cameraResult struct {
	stream capture.Stream
	err    error
}

// Session is single-owner: every field below the channels is only touched by
// the goroutine executing Run.
type Session struct {
	cfg     Config
	encoder Encoder
	camera  capture.Source
	seg     Segmenter
	logger  *zap.Logger
	metrics *metrics.Recorder

	view     atomic.Pointer[View]
	updates  chan struct{}
	commands chan func(context.Context)
	done     chan struct{}
	cameraCh chan cameraResult
	segDone  chan struct{}

	state    State
	stage    string
	percent  int
	err      error
	errMsg   string
	stream   capture.Stream
	image    embedding.Embedding
	queries  *query.List
	pending  []pendingQuery
	frames   uint64
	latency  time.Duration
	seq      uint64
	applied  uint64
	sentAt   map[uint64]time.Time
	segBusy  bool
	initial  *time.Timer
	inferTkr *time.Ticker
	segTkr   *time.Ticker
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Session) { s.metrics = m }
}

func New(cfg Config, enc Encoder, camera capture.Source, seg Segmenter, opts ...Option) *Session {
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = query.MaxQueries
	}
	s := &Session{
		cfg:      cfg,
		encoder:  enc,
		camera:   camera,
		seg:      seg,
		logger:   zap.NewNop(),
		updates:  make(chan struct{}, 1),
		commands: make(chan func(context.Context)),
		done:     make(chan struct{}),
		cameraCh: make(chan cameraResult, 1),
		segDone:  make(chan struct{}, 1),
		queries:  query.NewList(cfg.MaxQueries),
		sentAt:   make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publish()
	return s
}

// View returns the latest published snapshot.
func (s *Session) View() *View {
	return s.view.Load()
}

// Updates fires after each new snapshot. Bursts coalesce into one signal.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until ctx is cancelled or the session fails. The
// returned error is the fatal error that moved the session to Error.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.stop()

	if err := s.encoder.Send(ctx, protocol.Load{}); err != nil {
		s.fail(fmt.Errorf("start loading: %w", err), err.Error())
		s.publish()
		return s.err
	}

	responses := s.encoder.Responses()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				s.fail(fmt.Errorf("%w: runtime stopped", ErrEncoder), "encoder runtime stopped")
				break
			}
			s.handle(ctx, resp)
		case res := <-s.cameraCh:
			s.cameraOpened(res)
		case <-timerC(s.initial):
			s.initial = nil
			s.infer(ctx)
		case <-tickerC(s.inferTkr):
			s.infer(ctx)
		case <-tickerC(s.segTkr):
			s.sampleSegmentation(ctx)
		case <-s.segDone:
			s.segBusy = false
		case cmd := <-s.commands:
			cmd(ctx)
		}

		s.publish()
		if s.state == Error {
			return s.err
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) stop() {
	if s.initial != nil {
		s.initial.Stop()
	}
	if s.inferTkr != nil {
		s.inferTkr.Stop()
	}
	if s.segTkr != nil {
		s.segTkr.Stop()
	}
	if s.stream != nil {
		s.stream.Close()
	}
}

// Submit adds a query, or rescores it if the text is already tracked. The
// score arrives asynchronously; until then the text is listed as pending.
func (s *Session) Submit(text string) error {
	text, err := query.Clean(text)
	if err != nil {
		return err
	}
	return s.do(func(ctx context.Context) error {
		if s.state == Loading {
			return ErrNotReady
		}
		id := uuid.NewString()
		if err := s.encoder.Send(ctx, protocol.EncodeText{ID: id, Text: text}); err != nil {
			return err
		}
		s.pending = append(s.pending, pendingQuery{id: id, text: text})
		s.logger.Debug("query submitted", zap.String("id", id), zap.String("text", text))
		return nil
	})
}

// Remove drops a query. Scores still in flight for it are discarded on arrival.
func (s *Session) Remove(text string) (bool, error) {
	var removed bool
	err := s.do(func(ctx context.Context) error {
		removed = s.queries.Remove(text)
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.text == text {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		s.pending = kept
		s.metrics.SetActiveQueries(s.queries.Len())
		return nil
	})
	return removed, err
}

// do runs fn on the Run goroutine and waits for its result.
func (s *Session) do(fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case s.commands <- func(ctx context.Context) { reply <- fn(ctx) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) handle(ctx context.Context, resp protocol.Response) {
	switch resp := resp.(type) {
	case protocol.Progress:
		if s.state != Loading || resp.Percent < s.percent {
			return
		}
		s.stage, s.percent = resp.Stage, resp.Percent
	case protocol.Ready:
		s.modelsReady(ctx)
	case protocol.Result:
		s.imageEmbedded(ctx, resp)
	case protocol.TextResult:
		s.textScored(resp)
	case protocol.BatchResult:
		n := s.queries.Merge(resp.Results)
		s.logger.Debug("batch merged", zap.Int("results", len(resp.Results)), zap.Int("applied", n))
	case protocol.Error:
		s.encoderFailed(resp)
	default:
		s.logger.Warn("unexpected encoder response", zap.String("kind", string(resp.Kind())))
	}
}

func (s *Session) modelsReady(ctx context.Context) {
	if s.state != Loading {
		return
	}
	s.state = AwaitingCameraPermission
	s.logger.Info("models ready, opening camera")

	go func() {
		st, err := s.camera.Open(ctx)
		select {
		case s.cameraCh <- cameraResult{stream: st, err: err}:
		case <-ctx.Done():
			if st != nil {
				st.Close()
			}
		}
	}()
}

func (s *Session) cameraOpened(res cameraResult) {
	if res.err != nil {
		s.logger.Error("camera unavailable", zap.Error(res.err))
		if !errors.Is(res.err, capture.ErrPermissionDenied) {
			res.err = fmt.Errorf("%w: %v", capture.ErrPermissionDenied, res.err)
		}
		s.fail(res.err, PermissionDeniedMessage)
		return
	}

	s.stream = res.stream
	s.state = Live
	s.initial = time.NewTimer(s.cfg.InitialDelay)
	s.inferTkr = time.NewTicker(s.cfg.InferenceInterval)
	s.segTkr = time.NewTicker(s.cfg.SegmentationInterval)
	s.logger.Info("session live")
}

func (s *Session) infer(ctx context.Context) {
	if s.state != Live {
		return
	}
	if s.cfg.SkipBusyInference && len(s.sentAt) > 0 {
		s.metrics.InferenceSkipped()
		s.logger.Debug("inference skipped, previous still running")
		return
	}
	frame, ok := s.stream.Latest()
	if !ok {
		return
	}

	// The resized frame is a fresh buffer owned by the runtime from here on.
	input := utils.ResizeFrame(frame, InputSize, InputSize)
	s.seq++
	req := protocol.Infer{Seq: s.seq, Pixels: input.Pix, Width: input.Width, Height: input.Height}
	if err := s.encoder.Send(ctx, req); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("%w: send infer: %v", ErrEncoder, err), err.Error())
		}
		return
	}
	s.sentAt[s.seq] = time.Now()
}

func (s *Session) imageEmbedded(ctx context.Context, res protocol.Result) {
	sent, known := s.sentAt[res.Seq]
	s.forget(res.Seq)
	if res.Seq <= s.applied {
		s.logger.Debug("stale inference result dropped", zap.Uint64("seq", res.Seq), zap.Uint64("applied", s.applied))
		return
	}
	s.applied = res.Seq
	if known {
		s.latency = time.Since(sent)
		s.metrics.ObserveInference(s.latency)
	}
	s.image = res.Embedding
	s.frames++
	s.logger.Debug("inference done", zap.Uint64("seq", res.Seq), zap.Duration("latency", s.latency))

	if s.queries.Len() == 0 {
		return
	}
	if err := s.encoder.Send(ctx, protocol.ScoreBatch{Texts: s.queries.Texts()}); err != nil && ctx.Err() == nil {
		s.fail(fmt.Errorf("%w: send score_batch: %v", ErrEncoder, err), err.Error())
	}
}

// forget clears the in-flight record of seq and of anything older, whose
// answers can no longer be applied.
func (s *Session) forget(seq uint64) {
	for k := range s.sentAt {
		if k <= seq {
			delete(s.sentAt, k)
		}
	}
}

func (s *Session) textScored(res protocol.TextResult) {
	idx := -1
	for i, p := range s.pending {
		if p.id == res.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.logger.Debug("text result for removed query dropped", zap.String("id", res.ID))
		return
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	s.queries.Upsert(res.Result)
	s.metrics.SetActiveQueries(s.queries.Len())
}

func (s *Session) encoderFailed(e protocol.Error) {
	switch e.Op {
	case protocol.KindInfer:
		s.forget(e.Seq)
	case protocol.KindEncodeText:
		for i, p := range s.pending {
			if p.id == e.ID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}

	if e.Op == protocol.KindLoad || e.Op == "" || s.cfg.FatalInferenceErrors {
		s.fail(fmt.Errorf("%w (%s): %s", ErrEncoder, e.Op, e.Message), e.Message)
		return
	}
	s.logger.Warn("encoder request failed, skipping", zap.String("op", string(e.Op)), zap.String("error", e.Message))
}

func (s *Session) sampleSegmentation(ctx context.Context) {
	if s.segBusy || s.stream == nil {
		return
	}
	frame, ok := s.stream.Latest()
	if !ok {
		return
	}
	s.segBusy = true
	go func() {
		s.seg.Sample(ctx, frame)
		select {
		case s.segDone <- struct{}{}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) fail(err error, msg string) {
	if s.state == Error {
		return
	}
	s.state = Error
	s.err = err
	s.errMsg = msg
	s.logger.Error("session failed", zap.Error(err))
}

func (s *Session) publish() {
	v := &View{
		State:            s.state,
		Stage:            s.stage,
		Percent:          s.percent,
		Embedding:        s.image,
		Queries:          query.Rank(s.queries.Items()),
		InferenceLatency: s.latency,
		Frames:           s.frames,
		Err:              s.errMsg,
	}
	if s.seg != nil {
		v.Mask = s.seg.Mask()
		v.SegmentationMode = s.seg.Mode()
	}
	for _, p := range s.pending {
		v.Pending = append(v.Pending, p.text)
	}
	s.view.Store(v)

	select {
	case s.updates <- struct{}{}:
	default:
	}
}
