package store

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder generates embedding vectors from text. Concrete model-backed
// implementations are supplied by the deployment; the vector tier only
// requires determinism per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// HashEmbedder is a deterministic feature-hashing bag-of-words embedder.
// It has no semantic power beyond lexical overlap and exists so the
// in-memory vector tier and the test suite run without a model server.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed maps each token into a signed bucket and L2-normalizes the result.
// Identical texts always produce identical vectors.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dims))
		sign := 1.0
		if sum&0x80000000 != 0 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Dimension returns the vector dimensionality.
func (e *HashEmbedder) Dimension() int {
	return e.dims
}
