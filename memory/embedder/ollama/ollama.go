// Package ollama embeds text through a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// Config holds Ollama embedder configuration.
type Config struct {
	// BaseURL of the Ollama server. Default: http://localhost:11434.
	BaseURL string

	// Model is the embedding model name. Default: nomic-embed-text.
	Model string

	// Dimensions of the model's output. Default: 768 (nomic-embed-text).
	Dimensions int

	// Timeout per embedding request. Default: 10s.
	Timeout time.Duration
}

// Embedder calls Ollama's /api/embeddings endpoint. Any transport or server
// failure is reported as memory.ErrEmbeddingUnavailable so callers degrade
// instead of crashing the pipeline.
type Embedder struct {
	config Config
	client *http.Client
}

// New creates an Ollama embedder.
func New(cfg Config) *Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Embedder{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Embed requests an embedding for the text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{
		"model":  e.config.Model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", memory.ErrEmbeddingUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.BaseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", memory.ErrEmbeddingUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: ollama returned %d: %s", memory.ErrEmbeddingUnavailable, resp.StatusCode, body)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", memory.ErrEmbeddingUnavailable, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", memory.ErrEmbeddingUnavailable)
	}
	return out.Embedding, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.config.Dimensions
}
