package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultDimension is the vector dimension used when no backend dictates
// one. Matches the common sentence-embedding width.
const DefaultDimension = 768

// HashEmbedder is the deterministic fallback embedder: character trigrams
// plus word unigrams, each hashed with FNV-1a 64 into one of d buckets with
// a hash-derived sign, then L2 normalized. Output depends only on the
// input bytes, so every node computes identical vectors for identical
// text regardless of platform.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the embedder's output width.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed hashes text into a unit vector. The context is accepted for
// interface symmetry; the computation never blocks.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return vec, nil
	}

	addFeature := func(feature string, weight float32) {
		hash := fnv.New64a()
		hash.Write([]byte(feature))
		sum := hash.Sum64()
		idx := int(sum % uint64(h.dim))
		// Bit 63 picks the sign so features cancel rather than all
		// accumulating positive mass.
		if sum&(1<<63) != 0 {
			vec[idx] -= weight
		} else {
			vec[idx] += weight
		}
	}

	// Character trigrams catch morphology and misspellings.
	runes := []rune(lower)
	for i := 0; i+3 <= len(runes); i++ {
		addFeature("tri:"+string(runes[i:i+3]), 1)
	}
	// Word unigrams carry topical weight.
	for _, w := range strings.Fields(lower) {
		addFeature("uni:"+w, 2)
	}

	return Normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
