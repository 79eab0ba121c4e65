package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Deterministic derives a unit vector from a hash of the text. Identical
// text always yields the identical vector, which makes it suitable for tests
// and as the breaker fallback. It carries no semantic meaning.
type Deterministic struct {
	dim int
}

// NewDeterministic creates a deterministic provider. dim <= 0 defaults to 384.
func NewDeterministic(dim int) *Deterministic {
	if dim <= 0 {
		dim = 384
	}
	return &Deterministic{dim: dim}
}

func (d *Deterministic) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, d.dim)
	for i := range v {
		// 64-bit LCG step.
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(v), nil
}

func (d *Deterministic) Dimension() int { return d.dim }

func (d *Deterministic) Name() string { return "deterministic" }

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}
