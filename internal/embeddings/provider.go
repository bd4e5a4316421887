// Package embeddings defines the embedding contract the vector tier
// depends on. Producing embeddings is a collaborator concern; this package
// only carries the interface plus a deterministic stand-in used in local
// runs and tests.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// Provider converts text to a fixed-length embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Hashing is a deterministic Provider: same text, same vector. It carries
// no semantic signal and exists so the vector tier has something to store
// when no real embedding service is wired in.
type Hashing struct {
	dimensions int
}

// NewHashing returns a hashing provider with the given dimensionality.
func NewHashing(dimensions int) *Hashing {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Hashing{dimensions: dimensions}
}

func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	hasher := fnv.New64a()
	hasher.Write([]byte(text))
	seed := hasher.Sum64()

	vec := make([]float32, h.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func (h *Hashing) Dimensions() int {
	return h.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / n
	}
	return vec
}
