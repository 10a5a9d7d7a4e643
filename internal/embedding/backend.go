// Package embedding produces the prompt embedding for feature extraction.
//
// Backends form a chain: a primary remote service, an optional secondary,
// and a deterministic hash fallback that cannot fail. Remote backends are
// guarded by circuit breakers so a dead endpoint is skipped without burning
// the extraction budget on connection timeouts.
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

// Backend computes a single embedding vector.
type Backend interface {
	// Name identifies the backend in logs and records.
	Name() string
	// Dim is the output vector dimension.
	Dim() int
	// Embed returns the vector for text. Respects ctx deadlines.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPBackend calls an OpenAI-shaped embeddings endpoint
// (POST {base}/v1/embeddings with {"input": [...], "model": ...}).
type HTTPBackend struct {
	name   string
	url    string
	apiKey string
	model  string
	dim    int
	client *http.Client
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// WithAPIKey sets the bearer key sent to the endpoint.
func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) { b.apiKey = key }
}

// NewHTTP creates a backend for an OpenAI-shaped embeddings service.
func NewHTTP(name, baseURL, model string, dim int, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		name:   name,
		url:    baseURL + "/v1/embeddings",
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) Name() string { return b.name }
func (b *HTTPBackend) Dim() int     { return b.dim }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (b *HTTPBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: []string{text}, Model: b.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: %s: %w", b.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: %s returned %d", b.name, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("embedding: %s read: %w", b.name, err)
	}
	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("embedding: %s decode: %w", b.name, err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding: %s returned no vectors", b.name)
	}
	vec := out.Data[0].Embedding
	if len(vec) != b.dim {
		return nil, fmt.Errorf("embedding: %s returned dim %d, want %d", b.name, len(vec), b.dim)
	}
	return vec, nil
}
