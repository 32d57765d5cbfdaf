package embedding

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"
)

// Embedder is the minimal contract the router and gossip layers consume.
// Both the HTTP backend and the hash fallback satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Engine wraps an Embedder with the process-wide vector cache and
// single-flight collapsing of concurrent identical requests. Within one
// process, identical input always yields the identical vector.
type Engine struct {
	backend Embedder
	cache   *vectorCache
	flight  singleflight.Group
}

// NewEngine builds an engine over an already-initialized backend.
func NewEngine(backend Embedder, cacheSize int) *Engine {
	return &Engine{
		backend: backend,
		cache:   newVectorCache(cacheSize),
	}
}

// NewNeuralEngine connects to the HTTP embedding backend and fails when it
// is unreachable. The engine never substitutes zero vectors for a dead
// backend; callers wanting offline operation choose the hash embedder
// explicitly.
func NewNeuralEngine(ctx context.Context, baseURL, model string, cacheSize int) (*Engine, error) {
	backend, err := NewHTTPBackend(ctx, baseURL, model)
	if err != nil {
		return nil, err
	}
	log.Printf("[Embed] backend %s model %s ready (dim=%d)", baseURL, model, backend.Dimension())
	return NewEngine(backend, cacheSize), nil
}

// Dimension returns the underlying backend's vector width.
func (e *Engine) Dimension() int { return e.backend.Dimension() }

// Embed returns the unit vector for text, from cache when possible.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.get(text); ok {
		return v, nil
	}
	key := cacheKey(text)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if cached, ok := e.cache.get(text); ok {
			return cached, nil
		}
		vec, err := e.backend.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.put(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	return v.([]float32), nil
}

// EmbedBatch embeds texts, serving cached entries and fetching the rest.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := e.cache.get(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := e.backend.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("embed batch failed: %w", err)
	}
	for j, v := range fetched {
		e.cache.put(missing[j], v)
		out[missingIdx[j]] = v
	}
	return out, nil
}

// CacheStats exposes cache hit/miss counters for the status surface.
func (e *Engine) CacheStats() (hits, misses uint64, size int) {
	h, m := e.cache.stats()
	return h, m, e.cache.len()
}
