package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBackendURL is the conventional local inference endpoint.
const DefaultBackendURL = "http://127.0.0.1:11434"

// DefaultModel is the embedding model requested from the backend.
const DefaultModel = "nomic-embed-text"

// backendTimeout bounds a single embedding HTTP call.
const backendTimeout = 30 * time.Second

// HTTPBackend calls an Ollama-style embeddings API:
// POST {base}/api/embeddings {"model":..., "prompt":...} ->
// {"embedding":[...]}. It implements Embedder.
type HTTPBackend struct {
	baseURL string
	model   string
	client  *http.Client
	dim     int
}

// NewHTTPBackend probes the backend with a one-word embedding call and
// fails if it is unreachable or returns an empty vector. The probe also
// fixes the backend's output dimension for the life of the process.
func NewHTTPBackend(ctx context.Context, baseURL, model string) (*HTTPBackend, error) {
	if baseURL == "" {
		baseURL = DefaultBackendURL
	}
	if model == "" {
		model = DefaultModel
	}
	b := &HTTPBackend{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: backendTimeout},
	}
	probe, err := b.Embed(ctx, "atmosphere")
	if err != nil {
		return nil, fmt.Errorf("embedding backend %s unavailable: %w", baseURL, err)
	}
	if len(probe) == 0 {
		return nil, fmt.Errorf("embedding backend %s returned an empty vector", baseURL)
	}
	b.dim = len(probe)
	return b, nil
}

// Dimension returns the backend's vector width, learned at init.
func (b *HTTPBackend) Dimension() int { return b.dim }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests one embedding, normalized to unit length.
func (b *HTTPBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: b.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("embed backend returned %d: %s", resp.StatusCode, snippet)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("embed backend returned an empty vector")
	}
	if b.dim != 0 && len(er.Embedding) != b.dim {
		return nil, fmt.Errorf("embed backend returned %d dims, want %d", len(er.Embedding), b.dim)
	}
	return Normalize(er.Embedding), nil
}

// EmbedBatch issues sequential requests; the API has no batch endpoint.
func (b *HTTPBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
