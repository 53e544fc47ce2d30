// Package segment estimates which cells of the 32x16 display grid contain a person.
package segment

import (
	"context"
	"errors"
	"image"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/types"
	"github.com/andresmejia3/livematch/internal/utils"
)

const (
	Cols  = 32
	Rows  = 16
	Cells = Cols * Rows
)

// Mask holds one foreground confidence in [0,1] per grid cell, row-major,
// mirrored horizontally.
type Mask []float32

// NewMask returns an all-background mask.
func NewMask() Mask {
	return make(Mask, Cells)
}

// ErrNoFrame is returned when a sample is requested without a usable frame.
var ErrNoFrame = errors.New("no frame to segment")

// Strategy produces a mask from a frame.
type Strategy interface {
	Name() string
	Sample(ctx context.Context, f *types.Frame) (Mask, error)
}

// Brightness treats darker cells as foreground: a person lit from the front
// against a bright background is usually darker than what is behind them.
type Brightness struct{}

func (Brightness) Name() string { return "brightness" }

func (Brightness) Sample(ctx context.Context, f *types.Frame) (Mask, error) {
	if !f.Valid() {
		return nil, ErrNoFrame
	}
	grid := utils.MirroredGrid(f.RGBA(), Cols, Rows)

	lum := make([]float64, Cells)
	for i := range lum {
		off := (i/Cols)*grid.Stride + (i%Cols)*4
		lum[i] = (float64(grid.Pix[off]) + float64(grid.Pix[off+1]) + float64(grid.Pix[off+2])) / 765
	}
	return BrightnessMask(lum), nil
}

// BrightnessMask thresholds per-cell luminance between its 30th and 70th
// percentiles. Cells below the threshold get 0.4 to 1.0 depending on how much
// darker they are; everything else is 0. A uniform frame has zero spread and
// yields an empty mask.
func BrightnessMask(lum []float64) Mask {
	sorted := append([]float64(nil), lum...)
	sort.Float64s(sorted)
	p30 := sorted[len(sorted)*3/10]
	p70 := sorted[len(sorted)*7/10]
	spread := p70 - p30
	threshold := p30 + spread*0.6

	m := make(Mask, len(lum))
	for i, l := range lum {
		if l < threshold {
			m[i] = float32(0.4 + min(1, (threshold-l)/(spread+0.08))*0.6)
		}
	}
	return m
}

// Model is an external person segmentation model returning a confidence image
// (0 = background, 255 = person) of any size.
type Model interface {
	Segment(ctx context.Context, f *types.Frame) (*image.Gray, error)
}

// ModelBased reads cell confidences straight from a segmentation model.
type ModelBased struct {
	model Model
}

func NewModelBased(m Model) *ModelBased {
	return &ModelBased{model: m}
}

func (*ModelBased) Name() string { return "model" }

func (s *ModelBased) Sample(ctx context.Context, f *types.Frame) (Mask, error) {
	if !f.Valid() {
		return nil, ErrNoFrame
	}
	conf, err := s.model.Segment(ctx, f)
	if err != nil {
		return nil, err
	}
	grid := utils.MirroredGrid(conf, Cols, Rows)

	m := NewMask()
	for i := range m {
		m[i] = float32(grid.Pix[(i/Cols)*grid.Stride+(i%Cols)*4]) / 255
	}
	return m, nil
}

// Engine owns the current mask and the active strategy. It starts on
// Brightness; once a model strategy is promoted it stays active for good,
// and a failed model sample leaves the previous mask in place.
type Engine struct {
	mu      sync.RWMutex
	active  Strategy
	locked  bool
	mask    Mask
	samples uint64

	logger  *zap.Logger
	metrics *metrics.Recorder
}

func NewEngine(logger *zap.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{active: Brightness{}, mask: NewMask(), logger: logger, metrics: rec}
}

// Promote switches to s. Only the first promotion takes effect.
func (e *Engine) Promote(s Strategy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return false
	}
	e.active = s
	e.locked = true
	e.logger.Info("segmentation strategy promoted", zap.String("strategy", s.Name()), zap.Uint64("after_samples", e.samples))
	return true
}

// Sample runs the active strategy on f and reports whether the mask changed.
// Failures are logged and skipped.
func (e *Engine) Sample(ctx context.Context, f *types.Frame) bool {
	e.mu.RLock()
	s := e.active
	e.mu.RUnlock()

	m, err := s.Sample(ctx, f)
	if err != nil {
		e.metrics.SegmentationSample(s.Name(), false)
		e.logger.Debug("segmentation sample skipped", zap.String("strategy", s.Name()), zap.Error(err))
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A promotion that raced with this sample wins; drop the stale output.
	if e.active != s {
		return false
	}
	e.mask = m
	e.samples++
	e.metrics.SegmentationSample(s.Name(), true)
	return true
}

// Mask returns a copy of the current mask.
func (e *Engine) Mask() Mask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(Mask(nil), e.mask...)
}

// Mode names the active strategy.
func (e *Engine) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active.Name()
}
