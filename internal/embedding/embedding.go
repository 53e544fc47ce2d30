// Package embedding holds the vector type shared by the image and text encoders.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// Dim is the projection size of the CLIP ViT-B/16 encoders.
const Dim = 512

var (
	// ErrZeroNorm is returned when a model produces an all-zero vector that cannot be normalized.
	ErrZeroNorm = errors.New("embedding has zero norm")
	// ErrDimension is returned when a model output does not have Dim components.
	ErrDimension = errors.New("unexpected embedding dimension")
)

// Embedding is an L2-normalized vector. Values are never mutated after
// construction, so an Embedding can be shared between goroutines.
type Embedding []float32

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize copies raw into a new Embedding with unit length.
func Normalize(raw []float32) (Embedding, error) {
	if len(raw) != Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(raw), Dim)
	}
	norm := Norm(raw)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrZeroNorm
	}
	out := make(Embedding, len(raw))
	for i, x := range raw {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}
