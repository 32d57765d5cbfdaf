// Package embedding turns text into L2-normalized float32 vectors for
// semantic matching. The neural path calls an external embedding backend
// over HTTP; a deterministic hash embedder serves as the offline fallback.
// Results are cached so identical input embeds identically for the life of
// the process.
package embedding

import "math"

// Dot returns the inner product of two equal-length vectors. For unit
// vectors this is the cosine similarity.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		return v
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
	return v
}

// MatVec multiplies an N x d row-major matrix by a d-length vector,
// producing N similarity scores. Rows shorter than the vector score zero.
func MatVec(rows [][]float32, v []float32) []float32 {
	out := make([]float32, len(rows))
	for i, row := range rows {
		out[i] = Dot(row, v)
	}
	return out
}

// ArgMax returns the index and value of the largest score, or (-1, 0) for
// an empty slice. Ties keep the first index so ranking is stable.
func ArgMax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return -1, 0
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, scores[best]
}
