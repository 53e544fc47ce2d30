// Package score turns pairs of embeddings into comparable match scores.
package score

import (
	"fmt"
	"math"

	"github.com/andresmejia3/livematch/internal/embedding"
)

// LogitScale is CLIP's learned temperature (exp(4.605) ≈ 100). It stretches the
// narrow cosine range of CLIP embeddings into something softmax can separate.
const LogitScale = 100.0

// Result is the score of a single text against the current image embedding.
type Result struct {
	Text        string
	RawScore    float64
	ScaledScore float64
}

// Cosine returns the cosine similarity of two unit vectors, which for
// normalized inputs is just the dot product. a and b must have the same
// length; Score checks this before calling it.
func Cosine(a, b embedding.Embedding) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	// Rounding on unit vectors can land just outside [-1, 1].
	return math.Max(-1, math.Min(1, dot))
}

// Scale applies the logit scale to a raw cosine score.
func Scale(raw float64) float64 {
	return raw * LogitScale
}

// Score computes the Result for text against image. A nil image scores 0.
// Embeddings of different lengths come from mismatched models and fail with
// embedding.ErrDimension.
func Score(text string, image, textVec embedding.Embedding) (Result, error) {
	if image == nil {
		return Result{Text: text}, nil
	}
	if len(image) != len(textVec) {
		return Result{Text: text}, fmt.Errorf("%w: image has %d components, text %q has %d",
			embedding.ErrDimension, len(image), text, len(textVec))
	}
	raw := Cosine(image, textVec)
	return Result{Text: text, RawScore: raw, ScaledScore: Scale(raw)}, nil
}

// Softmax converts scaled scores into percentages that sum to 100.
// The maximum is subtracted before exponentiation so large logits cannot
// overflow; the resulting distribution is unchanged.
func Softmax(scaled []float64) []float64 {
	if len(scaled) == 0 {
		return nil
	}
	maxScore := math.Inf(-1)
	for _, s := range scaled {
		if s > maxScore {
			maxScore = s
		}
	}

	exps := make([]float64, len(scaled))
	var sum float64
	for i, s := range scaled {
		exps[i] = math.Exp(s - maxScore)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] = exps[i] / sum * 100
	}
	return exps
}
